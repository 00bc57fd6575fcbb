// Package rcon implements the Source RCON remote console protocol over TCP:
// stream reframing, authentication, multi-packet command output and
// reconnection with password rotation detection.
package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/energizer-project/srcquery/internal/protocol"
)

const (
	// TypeResponseValue is the type of command output packets.
	TypeResponseValue = protocol.RCONResponseValue

	// TypeExecCommand is the type of command requests.
	TypeExecCommand = protocol.RCONExecCommand

	// TypeAuthResponse shares its value with TypeExecCommand; the two are
	// told apart by direction and packet ID.
	TypeAuthResponse = protocol.RCONAuthResponse

	// TypeAuth is the type of authentication requests.
	TypeAuth = protocol.RCONAuth
)

const (
	// headerSize is ID plus type.
	headerSize = 8

	// minFrameSize is the smallest length field: header plus the body
	// terminator and pad byte.
	minFrameSize = headerSize + 2

	// MaxBodySize bounds outgoing command bodies.
	MaxBodySize = 4096 - minFrameSize

	// maxFrameSize bounds the length field of incoming frames. Servers
	// disagree on the exact limit, so this is generous.
	maxFrameSize = 1 << 16
)

// ErrMalformedFrame is returned for frames with an impossible length.
var ErrMalformedFrame = errors.New("rcon: malformed frame")

// Packet is one RCON frame.
type Packet struct {
	ID   int32
	Type int32
	Body []byte
}

// MarshalBinary encodes the packet as length + ID + type + body + NUL + pad.
func (p Packet) MarshalBinary() ([]byte, error) {
	if len(p.Body) > MaxBodySize {
		return nil, fmt.Errorf("rcon: body of %d bytes exceeds %d", len(p.Body), MaxBodySize)
	}

	return protocol.NewPacketBuilder().
		WriteInt32(int32(len(p.Body) + minFrameSize)).
		WriteInt32(p.ID).
		WriteInt32(p.Type).
		WriteBytes(p.Body).
		WriteBytes([]byte{0, 0}).
		Build(), nil
}

// parseFrame decodes one complete frame including its length field.
func parseFrame(frame []byte) (Packet, error) {
	if len(frame) < 4+minFrameSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}

	r := protocol.NewReader(frame[4:])
	id, _ := r.ReadInt32()
	typ, _ := r.ReadInt32()
	rest := r.Remaining()

	// Body is NUL-terminated and followed by one pad byte. Tolerate servers
	// that only send the terminator.
	body := rest
	if n := len(body); n >= 2 && body[n-1] == 0 && body[n-2] == 0 {
		body = body[:n-2]
	} else if n >= 1 && body[n-1] == 0 {
		body = body[:n-1]
	}

	return Packet{ID: id, Type: typ, Body: append([]byte(nil), body...)}, nil
}

// Framer rebuilds packets from arbitrary TCP chunks. It tracks how many
// bytes of the current frame are still missing: exactly zero after a chunk
// means the frame is complete; a negative count means the chunk also holds
// the start of the next frame.
type Framer struct {
	buf       []byte
	remaining int
}

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.remaining = 0
}

// Buffered returns the number of bytes held for an incomplete frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Feed consumes chunk and returns the packets it completed, in order. On a
// malformed length the partial state is dropped and the error returned with
// the packets completed before it.
func (f *Framer) Feed(chunk []byte) ([]Packet, error) {
	var out []Packet

	for len(chunk) > 0 {
		if f.remaining == 0 {
			// The length field may itself be split across chunks.
			need := 4 - len(f.buf)
			if len(chunk) < need {
				f.buf = append(f.buf, chunk...)
				return out, nil
			}
			f.buf = append(f.buf, chunk[:need]...)
			chunk = chunk[need:]

			size := int32(binary.LittleEndian.Uint32(f.buf))
			if size < minFrameSize || size > maxFrameSize {
				f.Reset()
				return out, fmt.Errorf("%w: length %d", ErrMalformedFrame, size)
			}
			f.remaining = int(size)
			if len(chunk) == 0 {
				return out, nil
			}
		}

		f.remaining -= len(chunk)
		switch {
		case f.remaining > 0:
			f.buf = append(f.buf, chunk...)
			return out, nil

		case f.remaining == 0:
			f.buf = append(f.buf, chunk...)
			chunk = nil

		default:
			cut := len(chunk) + f.remaining
			f.buf = append(f.buf, chunk[:cut]...)
			chunk = chunk[cut:]
		}

		p, err := parseFrame(f.buf)
		f.Reset()
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}

	return out, nil
}
