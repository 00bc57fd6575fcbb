package rcon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/events"
)

var (
	// ErrWrongPassword is returned when the server rejects the password.
	ErrWrongPassword = errors.New("rcon: wrong password")

	// ErrNotAuthenticated is returned by Exec before a successful login.
	ErrNotAuthenticated = errors.New("rcon: not authenticated")

	// ErrNotConnected is returned when no TCP session is open.
	ErrNotConnected = errors.New("rcon: not connected")

	// ErrDisconnected rejects requests in flight when the session drops.
	ErrDisconnected = errors.New("rcon: disconnected")

	// ErrAlreadyConnected is returned by Connect on an open session.
	ErrAlreadyConnected = errors.New("rcon: already connected")

	// ErrTimeout is returned when the server does not answer in time.
	ErrTimeout = errors.New("rcon: request timed out")
)

// State is the authentication state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

const (
	DefaultTimeout = 5 * time.Second
	DefaultBackoff = time.Second
)

// Config configures a Client.
type Config struct {
	// Timeout bounds connecting and each request.
	Timeout time.Duration

	// Backoff is the pause before Reconnect dials again.
	Backoff time.Duration

	// IDSeed overrides DefaultIDSeed.
	IDSeed int32

	// Bus receives connection notifications. Optional.
	Bus *events.EventBus

	// LogPackets traces every frame. Auth bodies are masked.
	LogPackets bool
}

// Client is one RCON session to a server.
type Client struct {
	addr   string
	cfg    Config
	ids    *IDAllocator
	logger zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     net.Conn
	state    State
	password string
	framer   Framer
	waiters  []*waiter
	closing  bool
	readDone chan struct{}
	lost     chan struct{}
}

// waiter collects packets for one request until handle reports it done.
type waiter struct {
	handle func(Packet) (consumed, finished bool)
	done   chan struct{}
	once   sync.Once
	err    error
}

func newWaiter(handle func(Packet) (bool, bool)) *waiter {
	return &waiter{handle: handle, done: make(chan struct{})}
}

func (w *waiter) finish(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// NewClient creates a client for addr ("host:port"). No connection is made
// until Connect.
func NewClient(addr string, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.IDSeed == 0 {
		cfg.IDSeed = DefaultIDSeed
	}

	return &Client{
		addr: addr,
		cfg:  cfg,
		ids:  NewIDAllocator(cfg.IDSeed),
		lost: make(chan struct{}),
		logger: log.With().
			Str("component", "rcon").
			Str("server", addr).
			Logger(),
	}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the TCP session and authenticates with password.
func (c *Client) Connect(ctx context.Context, password string) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	return c.Authenticate(ctx, password)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.framer.Reset()
	c.readDone = make(chan struct{})
	if isClosed(c.lost) {
		c.lost = make(chan struct{})
	}
	go c.readLoop(conn, c.readDone)
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	c.emit(ctx, events.EventRCONConnected, events.ServerPayload{Address: c.addr})
	return nil
}

// Authenticate logs in. A rejected password returns ErrWrongPassword and
// leaves the session connected but unauthenticated.
func (c *Client) Authenticate(ctx context.Context, password string) error {
	id := c.ids.Next()

	var reply Packet
	w := newWaiter(func(p Packet) (bool, bool) {
		if p.Type == TypeAuthResponse && (p.ID == id || p.ID == -1) {
			reply = p
			return true, true
		}
		// Source sends an empty response value ahead of the auth reply.
		if p.Type == TypeResponseValue && p.ID == id {
			return true, false
		}
		return false, false
	})

	if err := c.request(ctx, w, Packet{ID: id, Type: TypeAuth, Body: []byte(password)}); err != nil {
		return err
	}

	if reply.ID == -1 {
		c.logger.Warn().Msg("authentication rejected")
		return ErrWrongPassword
	}

	c.mu.Lock()
	c.password = password
	if c.state == StateConnected {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	c.logger.Info().Msg("authenticated")
	return nil
}

// Exec runs command and returns its full output. Output split by the
// server over several packets is joined in arrival order; an empty
// request sent right after the command marks its end.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	if c.State() != StateAuthenticated {
		return "", ErrNotAuthenticated
	}

	start := time.Now()
	cmdID := c.ids.Next()
	endID := c.ids.Next()

	var out bytes.Buffer
	w := newWaiter(func(p Packet) (bool, bool) {
		switch {
		case p.ID == cmdID && p.Type == TypeResponseValue:
			out.Write(p.Body)
			return true, false
		case p.ID == endID:
			return true, true
		}
		return false, false
	})

	err := c.request(ctx, w,
		Packet{ID: cmdID, Type: TypeExecCommand, Body: []byte(command)},
		Packet{ID: endID, Type: TypeExecCommand},
	)
	if err != nil {
		return "", err
	}

	c.emit(ctx, events.EventRCONCommand, events.RCONCommandPayload{
		Address:  c.addr,
		Command:  command,
		Bytes:    out.Len(),
		Duration: time.Since(start),
	})
	return out.String(), nil
}

// request registers w, writes packets and waits for w to finish.
func (c *Client) request(ctx context.Context, w *waiter, packets ...Packet) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	defer c.removeWaiter(w)

	if err := c.write(conn, packets...); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.err
	case <-timer.C:
		return fmt.Errorf("%s: %w", c.addr, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(conn net.Conn, packets ...Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, p := range packets {
		data, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		c.trace("out", p)
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("failed to write to %s: %w", c.addr, err)
		}
	}
	return nil
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			packets, ferr := c.framer.Feed(buf[:n])
			c.mu.Unlock()
			if ferr != nil {
				c.logger.Warn().Err(ferr).Msg("dropped malformed frame")
			}
			for _, p := range packets {
				c.dispatch(p)
			}
		}
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
	}
}

func (c *Client) trace(dir string, p Packet) {
	if !c.cfg.LogPackets {
		return
	}
	body := string(p.Body)
	if p.Type == TypeAuth {
		body = "xxxxx"
	}
	c.logger.Trace().
		Str("dir", dir).
		Int32("id", p.ID).
		Int32("type", p.Type).
		Str("body", body).
		Msg("packet")
}

func (c *Client) dispatch(p Packet) {
	c.trace("in", p)

	c.mu.Lock()
	var finished []*waiter
	consumed := false
	for i := 0; i < len(c.waiters); i++ {
		w := c.waiters[i]
		took, fin := w.handle(p)
		if !took {
			continue
		}
		consumed = true
		if fin {
			finished = append(finished, w)
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		}
		break
	}
	c.mu.Unlock()

	for _, w := range finished {
		w.finish(nil)
	}
	if !consumed {
		c.logger.Debug().
			Int32("id", p.ID).
			Int32("type", p.Type).
			Int("bytes", len(p.Body)).
			Msg("dropped unsolicited packet")
	}
}

// handleDisconnect resets the session after the TCP stream ended.
func (c *Client) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	c.framer.Reset()
	waiters := c.waiters
	c.waiters = nil
	manual := c.closing
	lost := c.lost
	c.mu.Unlock()

	for _, w := range waiters {
		w.finish(ErrDisconnected)
	}

	if manual {
		return
	}

	reason := "connection closed by server"
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		reason = cause.Error()
	}
	c.logger.Warn().Str("reason", reason).Msg("disconnected")
	c.emit(context.Background(), events.EventRCONDisconnected, events.RCONDisconnectedPayload{
		Address: c.addr,
		Reason:  reason,
	})
	close(lost)
}

// Lost is closed when the current session drops without Close being
// called. Each new session gets a fresh channel.
func (c *Client) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// Close ends the session. No disconnect notification is emitted.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := conn.Close()
	<-done

	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()

	c.logger.Info().Msg("closed")
	return err
}

// Reconnect closes any open session, waits for the backoff and logs in
// again with the cached password. A rejected password emits a password
// changed notification and returns nil.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	password := c.password
	c.mu.Unlock()

	if err := c.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close before reconnect failed")
	}

	timer := time.NewTimer(c.cfg.Backoff)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}

	err := c.Connect(ctx, password)
	if errors.Is(err, ErrWrongPassword) {
		c.logger.Warn().Msg("password changed on server")
		c.emit(ctx, events.EventRCONPasswordChanged, events.RCONPasswordChangedPayload{Address: c.addr})
		return nil
	}
	return err
}

// Maintain reconnects every time the session drops until ctx ends or the
// server rejects the cached password.
func (c *Client) Maintain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Lost():
		}

		for {
			err := c.Reconnect(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("reconnect failed, retrying")
		}

		if c.State() != StateAuthenticated {
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Emit(ctx, events.Event{Type: t, Source: "rcon", Payload: payload})
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
