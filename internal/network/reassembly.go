package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/srcquery/internal/protocol"
)

// Framing identifies the multi-packet layout a peer uses.
type Framing int

const (
	FramingUnknown Framing = iota
	FramingSource
	FramingGoldSource
)

func (f Framing) String() string {
	switch f {
	case FramingSource:
		return "source"
	case FramingGoldSource:
		return "goldsource"
	default:
		return "unknown"
	}
}

// maxDispatchDepth bounds nested split/compressed payloads.
const maxDispatchDepth = 4

// Apps whose Source fragments carry no size field.
var noSizeFieldApps = map[uint32]bool{
	215:   true,
	17550: true,
	17700: true,
}

var singleMarker = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// Fragment is one parsed piece of a split response.
type Fragment struct {
	ID         int32
	Index      int
	Total      int
	GoldSource bool

	// Set on index 0 of a compressed Source set.
	Compressed       bool
	DecompressedSize uint32
	CRC              uint32

	Payload []byte
	Raw     []byte
}

type reassemblyQueue struct {
	id        int32
	created   time.Time
	fragments []*Fragment
}

// ReassemblerConfig configures a Reassembler.
type ReassemblerConfig struct {
	// TTL bounds how long an incomplete queue is kept.
	TTL time.Duration

	Decompressor Decompressor
	Logger       zerolog.Logger

	// Now is the clock used for eviction. Defaults to time.Now.
	Now func() time.Time
}

// Reassembler rebuilds logical payloads from single and split datagrams.
// Split fragments are buffered raw until the peer's framing is known, then
// re-parsed under the locked framing. It is not safe for concurrent use.
type Reassembler struct {
	cfg      ReassemblerConfig
	framing  Framing
	appID    uint32
	protocol uint8
	appKnown bool
	queues   map[int32]*reassemblyQueue

	// sizeless is set when detection found the payload marker right after
	// the index byte before the app was known.
	sizeless bool
}

// NewReassembler creates a new Reassembler.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * DefaultQueryTimeout
	}
	if cfg.Decompressor == nil {
		cfg.Decompressor = Bzip2Decompressor{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reassembler{
		cfg:    cfg,
		queues: make(map[int32]*reassemblyQueue),
	}
}

// Framing returns the locked framing, or FramingUnknown.
func (r *Reassembler) Framing() Framing { return r.framing }

// SetAppInfo records the peer's app ID and protocol version. Buffered
// fragments are re-examined under the new layout and any payloads they
// complete are returned.
func (r *Reassembler) SetAppInfo(appID uint32, protocolVersion uint8) [][]byte {
	r.appID = appID
	r.protocol = protocolVersion
	r.appKnown = true

	switch r.framing {
	case FramingSource:
		r.reparseAll()
	case FramingUnknown:
		r.redetect()
		if r.framing == FramingUnknown {
			return nil
		}
	default:
		return nil
	}
	return r.completeAll()
}

// redetect runs detection over every buffered raw fragment until the
// framing locks.
func (r *Reassembler) redetect() {
	for _, q := range r.queues {
		for _, f := range q.fragments {
			r.detect(f.Raw)
			if r.framing != FramingUnknown {
				return
			}
		}
	}
}

// completeAll returns the payloads of every queue that is now complete.
func (r *Reassembler) completeAll() [][]byte {
	ids := make([]int32, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out [][]byte
	for _, id := range ids {
		q, ok := r.queues[id]
		if !ok {
			continue
		}
		payload, ok := r.tryComplete(q)
		if !ok {
			continue
		}
		if payload, ok = r.dispatch(payload, 1); ok {
			out = append(out, payload)
		}
	}
	return out
}

// Pending returns the number of incomplete queues.
func (r *Reassembler) Pending() int { return len(r.queues) }

// Reset drops every buffered queue. The framing lock is kept.
func (r *Reassembler) Reset() {
	r.queues = make(map[int32]*reassemblyQueue)
}

func (r *Reassembler) hasSizeField() bool {
	if !r.appKnown {
		return !r.sizeless
	}
	if noSizeFieldApps[r.appID] {
		return false
	}
	return !(r.appID == 240 && r.protocol == 7)
}

// Process consumes one datagram and returns a complete logical payload
// when one is available.
func (r *Reassembler) Process(datagram []byte) ([]byte, bool) {
	r.evictExpired()
	return r.dispatch(datagram, 0)
}

// dispatch unwraps data until a logical payload or an incomplete split set
// is reached. depth counts the levels already unwrapped.
func (r *Reassembler) dispatch(data []byte, depth int) ([]byte, bool) {
	for ; depth < maxDispatchDepth; depth++ {
		if len(data) < 4 {
			r.cfg.Logger.Warn().Int("bytes", len(data)).Msg("dropped datagram shorter than header")
			return nil, false
		}

		switch int32(binary.LittleEndian.Uint32(data)) {
		case protocol.HeaderSingle:
			return data[4:], true
		case protocol.HeaderSplit:
			next, ok := r.addFragment(data)
			if !ok {
				return nil, false
			}
			data = next
		default:
			r.cfg.Logger.Warn().
				Hex("header", data[:4]).
				Msg("dropped datagram with unknown header")
			return nil, false
		}
	}

	r.cfg.Logger.Warn().Msg("dropped payload nested too deeply")
	return nil, false
}

func (r *Reassembler) evictExpired() {
	now := r.cfg.Now()
	for id, q := range r.queues {
		if now.Sub(q.created) > r.cfg.TTL {
			r.cfg.Logger.Debug().
				Int32("id", id).
				Int("fragments", len(q.fragments)).
				Msg("evicted incomplete split response")
			delete(r.queues, id)
		}
	}
}

// detect locks the framing from a raw split datagram when it carries an
// unambiguous marker.
func (r *Reassembler) detect(raw []byte) {
	if len(raw) < 10 {
		return
	}
	id := int32(binary.LittleEndian.Uint32(raw[4:8]))

	// GoldSource: packed byte with index 0, then the -1 of the payload.
	if raw[8]>>4 == 0 && len(raw) >= 13 && bytes.Equal(raw[9:13], singleMarker) {
		r.lock(FramingGoldSource)
		return
	}

	// Source: index byte 0, then either compression or the payload marker
	// after the optional size field.
	if raw[9] != 0 {
		return
	}

	// A compressed first fragment has no marker. The total byte must not
	// read as a GoldSource packed byte with a non-zero index.
	if id < 0 && raw[8]>>4 == 0 {
		r.lock(FramingSource)
		return
	}

	hasMarker := func(off int) bool {
		return len(raw) >= off+4 && bytes.Equal(raw[off:off+4], singleMarker)
	}

	if r.appKnown {
		off := 10
		if r.hasSizeField() {
			off = 12
		}
		if hasMarker(off) {
			r.lock(FramingSource)
		}
		return
	}

	switch {
	case hasMarker(12):
		r.lock(FramingSource)
	case hasMarker(10):
		r.sizeless = true
		r.lock(FramingSource)
	}
}

func (r *Reassembler) lock(f Framing) {
	r.framing = f
	r.cfg.Logger.Debug().Str("framing", f.String()).Msg("split framing locked")
	r.reparseAll()
}

// reparseAll rebuilds every buffered fragment from its raw bytes.
func (r *Reassembler) reparseAll() {
	for id, q := range r.queues {
		parsed := make([]*Fragment, 0, len(q.fragments))
		for _, f := range q.fragments {
			nf, err := r.parse(f.Raw)
			if err != nil {
				r.cfg.Logger.Warn().Err(err).Int32("id", id).Msg("dropped malformed fragment")
				continue
			}
			parsed = append(parsed, nf)
		}
		q.fragments = parsed
	}
}

func (r *Reassembler) parse(raw []byte) (*Fragment, error) {
	if r.framing == FramingGoldSource {
		return parseGoldSourceFragment(raw)
	}
	return parseSourceFragment(raw, r.hasSizeField())
}

func parseGoldSourceFragment(raw []byte) (*Fragment, error) {
	rd := protocol.NewReader(raw)
	if err := rd.Skip(4); err != nil {
		return nil, err
	}
	id, err := rd.ReadInt32()
	if err != nil {
		return nil, err
	}
	packed, err := rd.ReadUint8()
	if err != nil {
		return nil, err
	}

	f := &Fragment{
		ID:         id,
		Index:      int(packed >> 4),
		Total:      int(packed & 0x0F),
		GoldSource: true,
		Payload:    rd.Remaining(),
		Raw:        raw,
	}
	return f, validateFragment(f)
}

func parseSourceFragment(raw []byte, hasSize bool) (*Fragment, error) {
	rd := protocol.NewReader(raw)
	if err := rd.Skip(4); err != nil {
		return nil, err
	}
	id, err := rd.ReadInt32()
	if err != nil {
		return nil, err
	}
	total, err := rd.ReadUint8()
	if err != nil {
		return nil, err
	}
	index, err := rd.ReadUint8()
	if err != nil {
		return nil, err
	}
	if hasSize {
		if _, err := rd.ReadUint16(); err != nil {
			return nil, err
		}
	}

	f := &Fragment{
		ID:    id,
		Index: int(index),
		Total: int(total),
		Raw:   raw,
	}

	if index == 0 && id < 0 {
		f.Compressed = true
		if f.DecompressedSize, err = rd.ReadUint32(); err != nil {
			return nil, err
		}
		if f.CRC, err = rd.ReadUint32(); err != nil {
			return nil, err
		}
	}

	f.Payload = rd.Remaining()
	return f, validateFragment(f)
}

func validateFragment(f *Fragment) error {
	if f.Total == 0 || f.Index >= f.Total {
		return fmt.Errorf("fragment %d of %d: %w", f.Index, f.Total, protocol.ErrMalformed)
	}
	return nil
}

// addFragment buffers a split datagram and returns the concatenated payload
// once its set is complete.
func (r *Reassembler) addFragment(datagram []byte) ([]byte, bool) {
	if len(datagram) < 9 {
		r.cfg.Logger.Warn().Int("bytes", len(datagram)).Msg("dropped truncated split datagram")
		return nil, false
	}

	raw := append([]byte(nil), datagram...)
	id := int32(binary.LittleEndian.Uint32(raw[4:8]))

	q, ok := r.queues[id]
	if !ok {
		q = &reassemblyQueue{id: id, created: r.cfg.Now()}
		r.queues[id] = q
	}

	if r.framing == FramingUnknown {
		// Tentatively parsed as Source; detect re-parses on lock.
		f, err := parseSourceFragment(raw, r.hasSizeField())
		if err != nil {
			f = &Fragment{ID: id, Raw: raw}
		}
		q.fragments = append(q.fragments, f)
		r.detect(raw)
		if r.framing == FramingUnknown {
			return nil, false
		}
	} else {
		f, err := r.parse(raw)
		if err != nil {
			r.cfg.Logger.Warn().Err(err).Int32("id", id).Msg("dropped malformed fragment")
			return nil, false
		}
		q.fragments = append(q.fragments, f)
	}

	return r.tryComplete(q)
}

func (r *Reassembler) tryComplete(q *reassemblyQueue) ([]byte, bool) {
	if len(q.fragments) == 0 {
		return nil, false
	}

	total := q.fragments[0].Total
	byIndex := make(map[int]*Fragment, total)
	for _, f := range q.fragments {
		if f.Total != total {
			r.cfg.Logger.Warn().
				Int32("id", q.id).
				Int("total", f.Total).
				Int("expected", total).
				Msg("ignored fragment with inconsistent total")
			continue
		}
		// Retransmitted requests may produce duplicate fragments.
		if _, dup := byIndex[f.Index]; !dup {
			byIndex[f.Index] = f
		}
	}
	if len(byIndex) != total {
		return nil, false
	}

	delete(r.queues, q.id)

	ordered := make([]*Fragment, 0, total)
	for _, f := range byIndex {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var buf bytes.Buffer
	for _, f := range ordered {
		buf.Write(f.Payload)
	}

	head := ordered[0]
	if !head.Compressed {
		return buf.Bytes(), true
	}

	out, err := r.cfg.Decompressor.Decompress(buf.Bytes())
	if err != nil {
		r.cfg.Logger.Warn().Err(err).Int32("id", q.id).Msg("failed to decompress split response")
		return nil, false
	}
	if uint32(len(out)) != head.DecompressedSize || crc32.ChecksumIEEE(out) != head.CRC {
		r.cfg.Logger.Warn().
			Int32("id", q.id).
			Int("size", len(out)).
			Uint32("expected_size", head.DecompressedSize).
			Msg("dropped split response failing size or checksum")
		return nil, false
	}
	return out, true
}
