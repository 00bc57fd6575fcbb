package network

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultQueryTimeout is used when a caller passes a zero timeout.
const DefaultQueryTimeout = 2 * time.Second

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// QueryTimeout is the default per-query timeout. Reassembly queues are
	// evicted after twice this value.
	QueryTimeout time.Duration

	// Sink receives every datagram sent or received. Optional.
	Sink Sink

	// Decompressor expands compressed Source multi-packet responses.
	// Defaults to Bzip2Decompressor.
	Decompressor Decompressor
}

// Registry owns the shared per-family sockets and the logical connections
// multiplexed over them. Each client orchestrator owns its own Registry so
// isolated instances never see each other's traffic.
type Registry struct {
	mu      sync.Mutex
	cfg     RegistryConfig
	sockets map[Family]*sharedSocket
	conns   map[string]*Connection
}

// NewRegistry creates a new Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Decompressor == nil {
		cfg.Decompressor = Bzip2Decompressor{}
	}
	return &Registry{
		cfg:     cfg,
		sockets: make(map[Family]*sharedSocket),
		conns:   make(map[string]*Connection),
	}
}

// QueryTimeout returns the configured default query timeout.
func (r *Registry) QueryTimeout() time.Duration {
	return r.cfg.QueryTimeout
}

// Connect returns the logical connection for addr, creating it and opening
// the family's shared socket on first use. Every successful Connect must be
// paired with a Close on the returned connection.
func (r *Registry) Connect(addr netip.AddrPort, family Family) (*Connection, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid peer address %q", addr)
	}
	if family == IPv4 && !addr.Addr().Unmap().Is4() {
		return nil, fmt.Errorf("peer %s is not an IPv4 address", addr)
	}
	if family == IPv6 && addr.Addr().Is4() {
		return nil, fmt.Errorf("peer %s is not an IPv6 address", addr)
	}
	if family == IPv4 {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := peerKey(addr)
	if c, ok := r.conns[key]; ok {
		c.users++
		return c, nil
	}

	sock, ok := r.sockets[family]
	if !ok {
		var err error
		sock, err = openSharedSocket(family, r.cfg.Sink)
		if err != nil {
			return nil, err
		}
		r.sockets[family] = sock
	}
	sock.refs++

	c := newConnection(r, sock, addr, family)
	c.users = 1
	r.conns[key] = c
	sock.attach(c)

	log.Debug().
		Str("peer", key).
		Int("socket_refs", sock.refs).
		Msg("connection registered")

	return c, nil
}

// release drops one user of c. The connection is destroyed with its last
// user and the shared socket with its last connection.
func (r *Registry) release(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.users == 0 {
		return nil
	}
	c.users--
	if c.users > 0 {
		return nil
	}

	delete(r.conns, c.key)
	c.socket.detach(c)
	c.fail(ErrClosed)

	sock := c.socket
	sock.refs--
	log.Debug().Str("peer", c.key).Int("socket_refs", sock.refs).Msg("connection unregistered")

	if sock.refs > 0 {
		return nil
	}
	delete(r.sockets, sock.family)
	return sock.close()
}

// Get returns the live connection for addr, if any.
func (r *Registry) Get(addr netip.AddrPort) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[peerKey(addr)]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SocketRefs returns the reference count of the family's shared socket,
// or zero when it is not open.
func (r *Registry) SocketRefs(family Family) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sockets[family]; ok {
		return s.refs
	}
	return 0
}

// CloseAll destroys every connection and closes the shared sockets.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.mu.Lock()
		c.users = 1
		r.mu.Unlock()
		if err := r.release(c); err != nil {
			log.Warn().Err(err).Str("peer", c.key).Msg("failed to close shared socket")
		}
	}

	log.Info().Msg("all connections closed")
}
