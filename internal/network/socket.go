package network

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/protocol"
)

// Family selects the IP family of the shared UDP socket.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

func (f Family) network() string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

// ParseFamily accepts "4", "6", "ipv4", "ipv6", "udp4", "udp6". An empty
// string means IPv4.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "", "4", "ipv4", "udp4":
		return IPv4, nil
	case "6", "ipv6", "udp6":
		return IPv6, nil
	default:
		return 0, fmt.Errorf("unknown address family %q", s)
	}
}

// peerKey normalises an address to the string used for inbound lookups.
func peerKey(addr netip.AddrPort) string {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()).String()
}

// sharedSocket is the one unconnected UDP socket of an address family.
// Connections hold references to it through the Registry; it is closed
// only once the last reference is released.
type sharedSocket struct {
	family Family
	conn   *net.UDPConn
	logger zerolog.Logger
	sink   Sink

	// refs is guarded by Registry.mu.
	refs int

	mu    sync.RWMutex
	peers map[string]*Connection

	closing chan struct{}
	done    chan struct{}
}

// Pauses after consecutive read failures, doubling up to the maximum.
const (
	readBackoffMin = 10 * time.Millisecond
	readBackoffMax = 500 * time.Millisecond
)

// readBackoff returns the pause after the given number of consecutive
// read failures.
func readBackoff(failures int) time.Duration {
	d := readBackoffMin
	for i := 1; i < failures && d < readBackoffMax; i++ {
		d *= 2
	}
	if d > readBackoffMax {
		d = readBackoffMax
	}
	return d
}

func openSharedSocket(family Family, sink Sink) (*sharedSocket, error) {
	conn, err := net.ListenUDP(family.network(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s socket: %w", family, err)
	}

	s := &sharedSocket{
		family:  family,
		conn:    conn,
		sink:    sink,
		peers:   make(map[string]*Connection),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.logger = log.With().
		Str("component", "udp_socket").
		Str("family", family.String()).
		Logger()

	s.logger.Debug().Str("local", conn.LocalAddr().String()).Msg("shared socket opened")

	go s.readLoop()
	return s, nil
}

func (s *sharedSocket) attach(c *Connection) {
	s.mu.Lock()
	s.peers[c.key] = c
	s.mu.Unlock()
}

func (s *sharedSocket) detach(c *Connection) {
	s.mu.Lock()
	if s.peers[c.key] == c {
		delete(s.peers, c.key)
	}
	s.mu.Unlock()
}

func (s *sharedSocket) lookup(key string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.peers[key]
	return c, ok
}

func (s *sharedSocket) send(addr netip.AddrPort, data []byte) error {
	if s.sink != nil {
		s.sink.Packet(peerKey(addr), Outbound, data)
	}
	_, err := s.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// readLoop demultiplexes datagrams by exact peer address.
func (s *sharedSocket) readLoop() {
	defer close(s.done)

	buf := make([]byte, protocol.MaxDatagramSize)
	failures := 0
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Msg("shared socket closed")
				return
			}
			failures++
			s.logger.Warn().Err(err).Int("failures", failures).Msg("UDP read error")
			s.failAll(err)

			select {
			case <-s.closing:
				return
			case <-time.After(readBackoff(failures)):
			}
			continue
		}
		failures = 0

		// Some servers emit empty datagrams; nothing can be matched on them.
		if n == 0 {
			continue
		}

		key := peerKey(from)
		c, ok := s.lookup(key)
		if !ok {
			s.logger.Trace().Str("remote", key).Int("bytes", n).Msg("dropped datagram from unknown peer")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if s.sink != nil {
			s.sink.Packet(key, Inbound, data)
		}
		c.handleDatagram(data)
	}
}

func (s *sharedSocket) failAll(err error) {
	s.mu.RLock()
	peers := make([]*Connection, 0, len(s.peers))
	for _, c := range s.peers {
		peers = append(peers, c)
	}
	s.mu.RUnlock()

	for _, c := range peers {
		c.fail(&SocketError{Peer: c.key, Err: err})
	}
}

func (s *sharedSocket) close() error {
	close(s.closing)
	err := s.conn.Close()
	<-s.done
	return err
}
