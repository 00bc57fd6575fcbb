package network

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/energizer-project/srcquery/internal/events"
)

// Direction of a datagram relative to this process.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Sink observes every datagram sent or received on the shared sockets.
// Implementations must not retain data.
type Sink interface {
	Packet(peer string, dir Direction, data []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(peer string, dir Direction, data []byte)

// Packet implements Sink.
func (f SinkFunc) Packet(peer string, dir Direction, data []byte) { f(peer, dir, data) }

// LogSink writes datagrams as hex at trace level.
type LogSink struct {
	Logger zerolog.Logger
}

// Packet implements Sink.
func (s LogSink) Packet(peer string, dir Direction, data []byte) {
	s.Logger.Trace().
		Str("peer", peer).
		Str("dir", string(dir)).
		Int("bytes", len(data)).
		Hex("data", data).
		Msg("packet")
}

// MultiSink fans a datagram out to several sinks.
type MultiSink []Sink

// Packet implements Sink.
func (m MultiSink) Packet(peer string, dir Direction, data []byte) {
	for _, s := range m {
		s.Packet(peer, dir, data)
	}
}

// BusSink publishes datagrams as packet events.
type BusSink struct {
	Bus *events.EventBus
}

// Packet implements Sink.
func (s BusSink) Packet(peer string, dir Direction, data []byte) {
	s.Bus.Emit(context.Background(), events.Event{
		Type:   events.EventPacket,
		Source: "network",
		Payload: events.PacketPayload{
			Peer:      peer,
			Direction: string(dir),
			Data:      append([]byte(nil), data...),
		},
	})
}
