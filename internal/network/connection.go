// Package network implements the shared UDP transport used by the A2S and
// master server clients: per-family sockets, logical peer connections,
// multi-packet reassembly and the request/response engine.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTimeout is returned when no matching response arrived in time.
	ErrTimeout = errors.New("network: query timed out")

	// ErrClosed is returned to waiters of a connection that was destroyed.
	ErrClosed = errors.New("network: connection closed")

	// ErrOverlappingHeaders is returned by Expect when another waiter
	// already accepts one of the requested header bytes.
	ErrOverlappingHeaders = errors.New("network: overlapping accepted headers")

	// ErrCanceled resolves a waiter that was cancelled before a match.
	ErrCanceled = errors.New("network: wait canceled")
)

// SocketError wraps an OS-level send or receive failure.
type SocketError struct {
	Peer string
	Err  error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket error for %s: %v", e.Peer, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// Pending is a registered waiter for the next payload whose first byte is
// in its accepted header set.
type Pending struct {
	conn     *Connection
	accepted []byte

	once    sync.Once
	done    chan struct{}
	payload []byte
	err     error
}

// Done is closed once the waiter is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the resolved payload or error. It must only be called
// after Done is closed.
func (p *Pending) Result() ([]byte, error) { return p.payload, p.err }

// Wait blocks until the waiter resolves, ctx ends or timeout elapses. A
// timed out waiter stays registered; call Cancel to release it.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.payload, p.err
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", p.conn.key, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel unregisters the waiter. A waiter that was already resolved keeps
// its result.
func (p *Pending) Cancel() {
	p.conn.remove(p)
	p.resolve(nil, ErrCanceled)
}

func (p *Pending) accepts(header byte) bool {
	for _, h := range p.accepted {
		if h == header {
			return true
		}
	}
	return false
}

func (p *Pending) resolve(payload []byte, err error) {
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		close(p.done)
	})
}

// Connection is the logical session with one peer over a shared socket.
type Connection struct {
	registry *Registry
	socket   *sharedSocket
	addr     netip.AddrPort
	key      string
	family   Family
	logger   zerolog.Logger

	// users is guarded by Registry.mu.
	users int

	mu       sync.Mutex
	pending  []*Pending
	reasm    *Reassembler
	lastPing time.Duration
}

func newConnection(r *Registry, sock *sharedSocket, addr netip.AddrPort, family Family) *Connection {
	key := peerKey(addr)
	logger := log.With().
		Str("component", "udp_connection").
		Str("peer", key).
		Logger()

	return &Connection{
		registry: r,
		socket:   sock,
		addr:     addr,
		key:      key,
		family:   family,
		logger:   logger,
		reasm: NewReassembler(ReassemblerConfig{
			TTL:          2 * r.cfg.QueryTimeout,
			Decompressor: r.cfg.Decompressor,
			Logger:       logger,
		}),
	}
}

// Addr returns the peer address.
func (c *Connection) Addr() netip.AddrPort { return c.addr }

// Key returns the peer identity string used for demultiplexing.
func (c *Connection) Key() string { return c.key }

// Family returns the socket family this connection uses.
func (c *Connection) Family() Family { return c.family }

// LastPing returns the round trip time of the most recent answered query.
func (c *Connection) LastPing() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// SetAppInfo tells the reassembler which app and protocol the peer runs,
// which decides whether Source fragments carry a size field. Responses
// completed by the re-parse are delivered to their waiters.
func (c *Connection) SetAppInfo(appID uint32, protocolVersion uint8) {
	c.mu.Lock()
	payloads := c.reasm.SetAppInfo(appID, protocolVersion)
	matches := make([]*Pending, len(payloads))
	for i, payload := range payloads {
		matches[i] = c.takeWaiter(payload)
	}
	c.mu.Unlock()

	for i, payload := range payloads {
		c.deliver(matches[i], payload)
	}
}

// Framing returns the multi-packet framing locked for this peer.
func (c *Connection) Framing() Framing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasm.Framing()
}

// Expect registers a waiter for the next payload whose first byte is one of
// accepted. Register before sending the request.
func (c *Connection) Expect(accepted ...byte) (*Pending, error) {
	if len(accepted) == 0 {
		return nil, errors.New("network: expect needs at least one header")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pending {
		for _, h := range accepted {
			if p.accepts(h) {
				return nil, fmt.Errorf("header 0x%02X: %w", h, ErrOverlappingHeaders)
			}
		}
	}

	p := &Pending{
		conn:     c,
		accepted: append([]byte(nil), accepted...),
		done:     make(chan struct{}),
	}
	c.pending = append(c.pending, p)
	return p, nil
}

func (c *Connection) remove(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Send writes one datagram to the peer. A send failure rejects every
// waiter on the connection.
func (c *Connection) Send(data []byte) error {
	if err := c.socket.send(c.addr, data); err != nil {
		serr := &SocketError{Peer: c.key, Err: err}
		c.fail(serr)
		return serr
	}
	return nil
}

// Exchange sends command and waits until any of waits resolves. The command
// is sent again once at half the timeout. The waiter that resolved is
// returned with its result; the others stay registered.
func (c *Connection) Exchange(ctx context.Context, command []byte, timeout time.Duration, waits ...*Pending) (*Pending, []byte, error) {
	if timeout <= 0 {
		timeout = c.registry.cfg.QueryTimeout
	}

	stop := make(chan struct{})
	defer close(stop)

	first := make(chan *Pending, len(waits))
	for _, w := range waits {
		go func(w *Pending) {
			select {
			case <-w.done:
				first <- w
			case <-stop:
			}
		}(w)
	}

	start := time.Now()
	if err := c.Send(command); err != nil {
		return nil, nil, err
	}

	retransmit := time.NewTimer(timeout / 2)
	defer retransmit.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case p := <-first:
			payload, err := p.Result()
			if err == nil {
				c.mu.Lock()
				c.lastPing = time.Since(start)
				c.mu.Unlock()
			}
			return p, payload, err
		case <-retransmit.C:
			c.logger.Debug().Msg("no response yet, retransmitting")
			if err := c.Send(command); err != nil {
				return nil, nil, err
			}
		case <-deadline.C:
			return nil, nil, fmt.Errorf("%s: %w", c.key, ErrTimeout)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Query sends command and returns the first payload whose header byte is
// one of accepted.
func (c *Connection) Query(ctx context.Context, command []byte, accepted []byte, timeout time.Duration) ([]byte, error) {
	p, err := c.Expect(accepted...)
	if err != nil {
		return nil, err
	}
	defer p.Cancel()

	_, payload, err := c.Exchange(ctx, command, timeout, p)
	return payload, err
}

// handleDatagram runs on the shared socket's read goroutine.
func (c *Connection) handleDatagram(data []byte) {
	c.mu.Lock()
	payload, ok := c.reasm.Process(data)
	if !ok || len(payload) == 0 {
		c.mu.Unlock()
		return
	}
	match := c.takeWaiter(payload)
	c.mu.Unlock()

	c.deliver(match, payload)
}

// takeWaiter removes and returns the first waiter accepting payload.
// c.mu must be held.
func (c *Connection) takeWaiter(payload []byte) *Pending {
	if len(payload) == 0 {
		return nil
	}
	for i, p := range c.pending {
		if p.accepts(payload[0]) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (c *Connection) deliver(match *Pending, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if match == nil {
		c.logger.Debug().
			Str("header", fmt.Sprintf("0x%02X", payload[0])).
			Int("bytes", len(payload)).
			Msg("dropped unexpected payload")
		return
	}
	match.resolve(payload, nil)
}

// fail rejects every waiter with err and resets reassembly state.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.reasm.Reset()
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(nil, err)
	}
}

// Close releases this user of the connection. The last Close destroys it
// and rejects outstanding waiters with ErrClosed.
func (c *Connection) Close() error {
	return c.registry.release(c)
}
