package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs binary packets for game servers, master servers
// and RCON endpoints.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteInt8 writes a signed byte.
func (b *PacketBuilder) WriteInt8(v int8) *PacketBuilder {
	return b.WriteUint8(byte(v))
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	return b.WriteUint16Order(v, binary.LittleEndian)
}

// WriteUint16BE writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16BE(v uint16) *PacketBuilder {
	return b.WriteUint16Order(v, binary.BigEndian)
}

// WriteUint16Order writes a uint16 in the given byte order.
func (b *PacketBuilder) WriteUint16Order(v uint16, order binary.ByteOrder) *PacketBuilder {
	var tmp [2]byte
	order.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteInt16 writes an int16 in little-endian order.
func (b *PacketBuilder) WriteInt16(v int16) *PacketBuilder {
	return b.WriteUint16(uint16(v))
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteInt64 writes an int64 in little-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	return b.WriteUint64(uint64(v))
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteString writes s followed by a NUL terminator.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// ---- Pre-built packet constructors ----

// BuildInfoRequest creates an A2S_INFO request, appending the challenge
// token when the server asked for one.
// Format: [-1:4][0x54:1]["Source Engine Query":null_str][challenge:4?]
func BuildInfoRequest(challenge []byte) []byte {
	b := NewPacketBuilder()
	b.WriteInt32(HeaderSingle)
	b.WriteUint8(A2SInfoRequest)
	b.WriteString(InfoQueryString)
	b.WriteBytes(challenge)
	return b.Build()
}

// BuildChallengedRequest creates a PLAYER/RULES/CHALLENGE request.
// Format: [-1:4][command:1][challenge:4]
func BuildChallengedRequest(command byte, challenge []byte) []byte {
	b := NewPacketBuilder()
	b.WriteInt32(HeaderSingle)
	b.WriteUint8(command)
	b.WriteBytes(challenge)
	return b.Build()
}

// BuildPingRequest creates a deprecated A2S_PING request.
func BuildPingRequest() []byte {
	b := NewPacketBuilder()
	b.WriteInt32(HeaderSingle)
	b.WriteUint8(A2SPingRequest)
	return b.Build()
}

// BuildMasterRequest creates a master server page request. Master requests
// carry no -1 prefix.
// Format: [0x31:1][region:1][cursor:null_str][filter:null_str]
func BuildMasterRequest(region byte, cursor, filter string) []byte {
	b := NewPacketBuilder()
	b.WriteUint8(MasterQueryRequest)
	b.WriteUint8(region)
	b.WriteString(cursor)
	b.WriteString(filter)
	return b.Build()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
