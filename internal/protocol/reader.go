package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Reader decodes primitives from a byte slice with an explicit cursor.
// Every read past the end of the buffer fails with ErrMalformed and leaves
// the cursor untouched, so callers can keep the prefix they already parsed.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.data) - r.off
}

// Offset returns the cursor position.
func (r *Reader) Offset() int {
	return r.off
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	if n < 0 || r.Len() < n {
		return fmt.Errorf("skip %d bytes at offset %d: %w", n, r.off, ErrMalformed)
	}
	r.off += n
	return nil
}

// Remaining returns the unread bytes and moves the cursor to the end.
func (r *Reader) Remaining() []byte {
	rest := r.data[r.off:]
	r.off = len(r.data)
	return rest
}

// Peek returns the next n bytes without advancing.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, fmt.Errorf("peek %d bytes at offset %d: %w", n, r.off, ErrMalformed)
	}
	return r.data[r.off : r.off+n], nil
}

func (r *Reader) next(n int) ([]byte, error) {
	b, err := r.Peek(n)
	if err != nil {
		return nil, err
	}
	r.off += n
	return b, nil
}

// ReadUint8 reads one unsigned byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt8 reads one signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadBool reads one byte and reports whether it is non-zero.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	return r.ReadUint16Order(binary.LittleEndian)
}

// ReadUint16BE reads a big-endian uint16 (master server ports).
func (r *Reader) ReadUint16BE() (uint16, error) {
	return r.ReadUint16Order(binary.BigEndian)
}

// ReadUint16Order reads a uint16 in the given byte order.
func (r *Reader) ReadUint16Order(order binary.ByteOrder) (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

// ReadInt16 reads a little-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian int32. Headers and IDs that use -1/-2
// sentinels or a top-bit flag must be read with this method.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a little-endian IEEE-754 float.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadString reads a NUL-terminated string and consumes the terminator.
func (r *Reader) ReadString() (string, error) {
	rest := r.data[r.off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at offset %d: %w", r.off, ErrMalformed)
	}
	r.off += end + 1
	return string(rest[:end]), nil
}

// ReadBytes reads exactly n raw bytes. The returned slice aliases the buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.next(n)
}
