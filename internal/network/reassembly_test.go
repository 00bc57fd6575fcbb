package network

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/srcquery/internal/protocol"
)

func newTestReassembler(now func() time.Time) *Reassembler {
	return NewReassembler(ReassemblerConfig{
		TTL:    4 * time.Second,
		Logger: zerolog.Nop(),
		Now:    now,
	})
}

func sourceFragment(id int32, total, index int, withSize bool, payload []byte) []byte {
	b := protocol.NewPacketBuilder().
		WriteInt32(protocol.HeaderSplit).
		WriteInt32(id).
		WriteUint8(byte(total)).
		WriteUint8(byte(index))
	if withSize {
		b.WriteUint16(1248)
	}
	return b.WriteBytes(payload).Build()
}

func goldSourceFragment(id int32, total, index int, payload []byte) []byte {
	return protocol.NewPacketBuilder().
		WriteInt32(protocol.HeaderSplit).
		WriteInt32(id).
		WriteUint8(byte(index<<4 | total)).
		WriteBytes(payload).
		Build()
}

// splitPayload cuts a logical payload into n nearly equal parts.
func splitPayload(payload []byte, n int) [][]byte {
	parts := make([][]byte, n)
	size := (len(payload) + n - 1) / n
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		parts[i] = payload[start:end]
	}
	return parts
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			perm := make([]int, 0, n)
			perm = append(perm, p[:pos]...)
			perm = append(perm, n-1)
			perm = append(perm, p[pos:]...)
			out = append(out, perm)
		}
	}
	return out
}

var logicalPayload = append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x45, 0x03, 0x00},
	[]byte("sv_cheats\x000\x00mp_timelimit\x0030\x00sv_gravity\x00800\x00")...)

func TestReassemblerSingle(t *testing.T) {
	r := newTestReassembler(nil)

	got, ok := r.Process([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x49, 0x11})
	if !ok {
		t.Fatal("single datagram not delivered")
	}
	if !bytes.Equal(got, []byte{0x49, 0x11}) {
		t.Fatalf("payload = %x", got)
	}

	if _, ok := r.Process([]byte{0x01, 0x02, 0x03, 0x04, 0x49}); ok {
		t.Fatal("unknown header delivered")
	}
	if _, ok := r.Process([]byte{0xFF, 0xFF}); ok {
		t.Fatal("short datagram delivered")
	}
}

func TestReassemblerSourceAnyOrder(t *testing.T) {
	parts := splitPayload(logicalPayload, 3)

	for _, perm := range permutations(3) {
		r := newTestReassembler(nil)

		var got []byte
		delivered := 0
		for _, idx := range perm {
			if out, ok := r.Process(sourceFragment(0x1234, 3, idx, true, parts[idx])); ok {
				got = out
				delivered++
			}
		}

		if delivered != 1 {
			t.Fatalf("order %v: delivered %d payloads", perm, delivered)
		}
		if !bytes.Equal(got, logicalPayload[4:]) {
			t.Fatalf("order %v: payload = %q", perm, got)
		}
		if r.Framing() != FramingSource {
			t.Fatalf("order %v: framing = %s", perm, r.Framing())
		}
		if r.Pending() != 0 {
			t.Fatalf("order %v: %d queues left", perm, r.Pending())
		}
	}
}

func TestReassemblerGoldSourceAnyOrder(t *testing.T) {
	parts := splitPayload(logicalPayload, 3)

	for _, perm := range permutations(3) {
		r := newTestReassembler(nil)

		var got []byte
		for _, idx := range perm {
			if out, ok := r.Process(goldSourceFragment(0x77, 3, idx, parts[idx])); ok {
				got = out
			}
		}

		if !bytes.Equal(got, logicalPayload[4:]) {
			t.Fatalf("order %v: payload = %q", perm, got)
		}
		if r.Framing() != FramingGoldSource {
			t.Fatalf("order %v: framing = %s", perm, r.Framing())
		}
	}
}

func TestReassemblerNoSizeFieldApps(t *testing.T) {
	parts := splitPayload(logicalPayload, 2)

	tests := []struct {
		name     string
		appID    uint32
		protocol uint8
	}{
		{name: "appid 215", appID: 215},
		{name: "appid 17550", appID: 17550},
		{name: "appid 17700", appID: 17700},
		{name: "appid 240 protocol 7", appID: 240, protocol: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReassembler(nil)
			r.SetAppInfo(tt.appID, tt.protocol)

			if _, ok := r.Process(sourceFragment(9, 2, 1, false, parts[1])); ok {
				t.Fatal("delivered before completion")
			}
			got, ok := r.Process(sourceFragment(9, 2, 0, false, parts[0]))
			if !ok || !bytes.Equal(got, logicalPayload[4:]) {
				t.Fatalf("payload = %q, ok = %v", got, ok)
			}
		})
	}
}

func TestReassemblerGoldSourceNegativeID(t *testing.T) {
	// A middle fragment whose payload starts with a zero byte must not be
	// taken for the first fragment of a compressed Source set.
	parts := [][]byte{
		logicalPayload[:12],
		append([]byte{0x00}, logicalPayload[12:30]...),
		logicalPayload[30:],
	}
	want := append(append(append([]byte(nil), parts[0][4:]...), parts[1]...), parts[2]...)

	for _, perm := range permutations(3) {
		r := newTestReassembler(nil)

		var got []byte
		for _, idx := range perm {
			if out, ok := r.Process(goldSourceFragment(-0x7000, 3, idx, parts[idx])); ok {
				got = out
			}
		}

		if r.Framing() != FramingGoldSource {
			t.Fatalf("order %v: framing = %s", perm, r.Framing())
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("order %v: payload = %q", perm, got)
		}
		if r.Pending() != 0 {
			t.Fatalf("order %v: %d queues left", perm, r.Pending())
		}
	}
}

func TestReassemblerSizelessBeforeAppInfo(t *testing.T) {
	parts := splitPayload(logicalPayload, 2)

	for _, perm := range permutations(2) {
		r := newTestReassembler(nil)

		var got []byte
		for _, idx := range perm {
			if out, ok := r.Process(sourceFragment(9, 2, idx, false, parts[idx])); ok {
				got = out
			}
		}

		if r.Framing() != FramingSource {
			t.Fatalf("order %v: framing = %s", perm, r.Framing())
		}
		if !bytes.Equal(got, logicalPayload[4:]) {
			t.Fatalf("order %v: payload = %q", perm, got)
		}

		if late := r.SetAppInfo(215, 0); len(late) != 0 {
			t.Fatalf("order %v: %d payloads delivered twice", perm, len(late))
		}
		if r.Pending() != 0 {
			t.Fatalf("order %v: %d queues left", perm, r.Pending())
		}
	}
}

func TestReassemblerAppInfoCompletesBuffered(t *testing.T) {
	parts := splitPayload(logicalPayload, 2)
	r := newTestReassembler(nil)

	// Announced as a sizeless app, but the fragments carry the size field.
	r.SetAppInfo(215, 0)
	for _, idx := range []int{1, 0} {
		if _, ok := r.Process(sourceFragment(11, 2, idx, true, parts[idx])); ok {
			t.Fatalf("fragment %d delivered under the wrong layout", idx)
		}
	}
	if r.Framing() != FramingUnknown || r.Pending() != 1 {
		t.Fatalf("framing = %s, pending = %d", r.Framing(), r.Pending())
	}

	got := r.SetAppInfo(440, 17)
	if len(got) != 1 || !bytes.Equal(got[0], logicalPayload[4:]) {
		t.Fatalf("payloads = %q", got)
	}
	if r.Framing() != FramingSource || r.Pending() != 0 {
		t.Fatalf("framing = %s, pending = %d", r.Framing(), r.Pending())
	}
}

func TestReassemblerDuplicateFragments(t *testing.T) {
	parts := splitPayload(logicalPayload, 2)
	r := newTestReassembler(nil)

	r.Process(sourceFragment(5, 2, 0, true, parts[0]))
	if _, ok := r.Process(sourceFragment(5, 2, 0, true, parts[0])); ok {
		t.Fatal("duplicate fragment completed the set")
	}
	got, ok := r.Process(sourceFragment(5, 2, 1, true, parts[1]))
	if !ok || !bytes.Equal(got, logicalPayload[4:]) {
		t.Fatalf("payload = %q, ok = %v", got, ok)
	}
}

func TestReassemblerCompressed(t *testing.T) {
	inner := logicalPayload
	compressed := []byte("pretend-bzip2")

	r := NewReassembler(ReassemblerConfig{
		Logger: zerolog.Nop(),
		Decompressor: DecompressorFunc(func(data []byte) ([]byte, error) {
			if !bytes.Equal(data, compressed) {
				return nil, errors.New("unexpected input")
			}
			return inner, nil
		}),
	})

	id := int32(-0x7FFFFF00) // top bit set
	head := protocol.NewPacketBuilder().
		WriteUint32(uint32(len(inner))).
		WriteUint32(crc32.ChecksumIEEE(inner)).
		WriteBytes(compressed[:6]).
		Build()

	if _, ok := r.Process(sourceFragment(id, 2, 1, true, compressed[6:])); ok {
		t.Fatal("delivered before completion")
	}
	got, ok := r.Process(sourceFragment(id, 2, 0, true, head))
	if !ok {
		t.Fatal("compressed set not delivered")
	}
	if !bytes.Equal(got, inner[4:]) {
		t.Fatalf("payload = %q", got)
	}

	t.Run("checksum mismatch", func(t *testing.T) {
		bad := protocol.NewPacketBuilder().
			WriteUint32(uint32(len(inner))).
			WriteUint32(0xDEADBEEF).
			WriteBytes(compressed).
			Build()
		if _, ok := r.Process(sourceFragment(id, 1, 0, true, bad)); ok {
			t.Fatal("payload with bad checksum delivered")
		}
	})
}

func TestReassemblerEviction(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := newTestReassembler(func() time.Time { return now })

	parts := splitPayload(logicalPayload, 2)
	r.Process(sourceFragment(1, 2, 0, true, parts[0]))
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}

	now = now.Add(5 * time.Second)
	if _, ok := r.Process(sourceFragment(1, 2, 1, true, parts[1])); ok {
		t.Fatal("fragment joined an evicted queue")
	}
	if r.Pending() != 1 {
		t.Fatalf("pending after eviction = %d, want the new queue only", r.Pending())
	}
}

func TestReassemblerMalformedFragment(t *testing.T) {
	r := newTestReassembler(nil)
	r.Process(sourceFragment(1, 2, 0, true, logicalPayload))

	// Index beyond total.
	if _, ok := r.Process(sourceFragment(1, 2, 5, true, []byte("x"))); ok {
		t.Fatal("malformed fragment delivered")
	}
	if _, ok := r.Process([]byte{0xFE, 0xFF, 0xFF, 0xFF, 1}); ok {
		t.Fatal("truncated split datagram delivered")
	}
}
