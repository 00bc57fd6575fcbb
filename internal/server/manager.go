package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/a2s"
	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/connector"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/network"
	"github.com/energizer-project/srcquery/internal/rcon"
	"github.com/energizer-project/srcquery/internal/util"
)

var (
	// ErrServerExists is returned by Add for an address already monitored.
	ErrServerExists = errors.New("server already monitored")
	// ErrServerNotFound is returned for an address that is not monitored.
	ErrServerNotFound = errors.New("server not found")
)

// maxConcurrentPolls bounds how many servers RefreshAll queries at once.
const maxConcurrentPolls = 16

// Manager is the top-level orchestrator. It owns the UDP registry shared
// by every query client and the master server connector, and tracks the
// monitored server instances.
type Manager struct {
	mu sync.RWMutex

	cfg      *config.Config
	eventBus *events.EventBus
	registry *network.Registry

	// Instances indexed by query address and by RCON address.
	servers map[string]*Instance
	byRCON  map[string]*Instance

	queryOpts a2s.Config
	rconOpts  rcon.Config

	pollSemaphore chan struct{}

	masterMu sync.Mutex
	master   *connector.MasterServerConnector
	resolver func(ctx context.Context, host string) (netip.Addr, error)
}

// NewManager creates the manager and its registry from configuration. No
// server is added until LoadServers or Add.
func NewManager(cfg *config.Config, eventBus *events.EventBus) *Manager {
	q := cfg.GetQuery()
	r := cfg.GetRCON()

	sinks := network.MultiSink{network.BusSink{Bus: eventBus}}
	if q.LogPackets {
		sinks = append(sinks, network.LogSink{Logger: util.ComponentLogger("packets")})
	}

	family, err := network.ParseFamily(q.Family)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to ipv4")
		family = network.IPv4
	}

	m := &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		registry: network.NewRegistry(network.RegistryConfig{
			QueryTimeout: q.QueryTimeout(),
			Sink:         sinks,
			Decompressor: network.Bzip2Decompressor{},
		}),
		servers: make(map[string]*Instance),
		byRCON:  make(map[string]*Instance),
		queryOpts: a2s.Config{
			Timeout:   q.QueryTimeout(),
			InfoGrace: q.InfoGrace(),
			Family:    family,
		},
		rconOpts: rcon.Config{
			Timeout:    r.Timeout(),
			Backoff:    r.Backoff(),
			Bus:        eventBus,
			LogPackets: r.LogAuth,
		},
		pollSemaphore: make(chan struct{}, maxConcurrentPolls),
		resolver:      resolveIPv4,
	}

	m.subscribeEvents()
	return m
}

func (m *Manager) subscribeEvents() {
	m.eventBus.Subscribe(events.EventRCONPasswordChanged, "manager.rconPasswordChanged", m.onPasswordChanged)
	m.eventBus.Subscribe(events.EventShutdown, "manager.shutdown", m.onShutdown)
	m.eventBus.Subscribe(events.EventConfigChanged, "manager.configChanged", m.onConfigChanged)
	log.Debug().Msg("manager event subscriptions registered")
}

// Registry returns the UDP registry shared by all query clients.
func (m *Manager) Registry() *network.Registry {
	return m.registry
}

// LoadServers adds every server from the configuration. Failing entries
// are logged and skipped.
func (m *Manager) LoadServers(ctx context.Context) int {
	servers := m.cfg.GetServers()
	log.Info().Int("count", len(servers)).Msg("loading monitored servers")

	added := 0
	for _, sc := range servers {
		if _, err := m.Add(ctx, sc, false); err != nil {
			log.Warn().Err(err).Str("server", sc.Address()).Msg("failed to add configured server")
			continue
		}
		added++
	}
	return added
}

// Add starts monitoring a server. An RCON session is opened when a
// password is set; failing to open it is logged, not returned, and the
// keepalive retries later. With persist the configuration is saved.
func (m *Manager) Add(ctx context.Context, sc config.ServerConfig, persist bool) (*Instance, error) {
	inst, err := newInstance(m.registry, m.eventBus, sc, m.queryOpts, m.rconOpts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.servers[inst.Address()]; exists {
		m.mu.Unlock()
		inst.Close()
		return nil, fmt.Errorf("%w: %s", ErrServerExists, inst.Address())
	}
	m.servers[inst.Address()] = inst
	if sc.RCONPassword != "" {
		m.byRCON[sc.RCONAddress()] = inst
	}
	m.mu.Unlock()

	log.Info().Str("server", inst.Address()).Str("name", sc.Name).Bool("rcon", inst.HasRCON()).Msg("server added")
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventServerAdded,
		Source:  "manager",
		Payload: events.ServerPayload{Address: inst.Address(), Name: sc.Name},
	})

	if inst.HasRCON() {
		if err := inst.StartRCON(ctx); err != nil {
			log.Warn().Err(err).Str("server", inst.Address()).Msg("rcon session not started")
		}
	}

	if persist {
		m.cfg.AddServer(sc)
		if err := m.cfg.Save(); err != nil {
			return inst, fmt.Errorf("server added but config not saved: %w", err)
		}
	}
	return inst, nil
}

// Remove stops monitoring the server at addr.
func (m *Manager) Remove(ctx context.Context, addr string, persist bool) error {
	m.mu.Lock()
	inst, ok := m.servers[addr]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, addr)
	}
	delete(m.servers, addr)
	for k, v := range m.byRCON {
		if v == inst {
			delete(m.byRCON, k)
		}
	}
	m.mu.Unlock()

	if err := inst.Close(); err != nil {
		log.Debug().Err(err).Str("server", addr).Msg("close after remove failed")
	}

	log.Info().Str("server", addr).Msg("server removed")
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventServerRemoved,
		Source:  "manager",
		Payload: events.ServerPayload{Address: addr, Name: inst.Config().Name},
	})

	if persist && m.cfg.RemoveServer(inst.Config().Address()) {
		if err := m.cfg.Save(); err != nil {
			return fmt.Errorf("server removed but config not saved: %w", err)
		}
	}
	return nil
}

// Get returns the instance monitoring addr.
func (m *Manager) Get(addr string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.servers[addr]
	return inst, ok
}

// Lookup accepts "ip:port" in any notation netip understands and returns
// the instance for its canonical form.
func (m *Manager) Lookup(addr string) (*Instance, error) {
	if inst, ok := m.Get(addr); ok {
		return inst, nil
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, addr)
	}
	canonical := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
	if inst, ok := m.Get(canonical); ok {
		return inst, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrServerNotFound, addr)
}

// SetRCONPassword changes the RCON password of a monitored server and
// reconnects with it. An empty password disables RCON.
func (m *Manager) SetRCONPassword(ctx context.Context, addr, password string, persist bool) error {
	inst, err := m.Lookup(addr)
	if err != nil {
		return err
	}

	rconAddr := inst.Config().RCONAddress()
	m.mu.Lock()
	delete(m.byRCON, rconAddr)
	if password != "" {
		m.byRCON[rconAddr] = inst
	}
	m.mu.Unlock()

	startErr := inst.SetRCONPassword(ctx, password)

	if persist {
		m.cfg.AddServer(inst.Config())
		if err := m.cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}
	return startErr
}

// List returns all instances sorted by address.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	list := make([]*Instance, 0, len(m.servers))
	for _, inst := range m.servers {
		list = append(list, inst)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Address() < list[j].Address()
	})
	return list
}

// InstanceInfo is the summary of one server served by the API and CLI.
type InstanceInfo struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RCON    string `json:"rcon"`
	StateSnapshot
}

// GetAllInfo returns status information for all servers, sorted by
// address.
func (m *Manager) GetAllInfo() []InstanceInfo {
	list := m.List()
	info := make([]InstanceInfo, 0, len(list))
	for _, inst := range list {
		info = append(info, InstanceInfo{
			Address:       inst.Address(),
			Name:          inst.Name(),
			RCON:          inst.RCONState(),
			StateSnapshot: inst.State().Snapshot(),
		})
	}
	return info
}

// RefreshAll polls every server with bounded concurrency.
func (m *Manager) RefreshAll(ctx context.Context, full bool) []events.ServerStatusPayload {
	list := m.List()
	results := make([]events.ServerStatusPayload, len(list))

	var wg sync.WaitGroup
	for idx, inst := range list {
		select {
		case m.pollSemaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return results[:idx]
		}

		wg.Add(1)
		go func(idx int, inst *Instance) {
			defer wg.Done()
			defer func() { <-m.pollSemaphore }()
			results[idx] = inst.Refresh(ctx, full)
		}(idx, inst)
	}
	wg.Wait()

	return results
}

// KeepAliveRCON restarts RCON sessions that are down and returns how many
// were attempted.
func (m *Manager) KeepAliveRCON(ctx context.Context) int {
	attempted := 0
	for _, inst := range m.List() {
		tried, err := inst.EnsureRCON(ctx)
		if !tried {
			continue
		}
		attempted++
		if err != nil {
			log.Debug().Err(err).Str("server", inst.Address()).Msg("rcon keepalive failed")
		} else {
			log.Info().Str("server", inst.Address()).Msg("rcon session restored")
		}
	}
	return attempted
}

// Probe queries INFO from a server that is not monitored. The connection
// is released afterwards.
func (m *Manager) Probe(ctx context.Context, addr netip.AddrPort) (*a2s.InfoResult, error) {
	opts := m.queryOpts
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		opts.Family = network.IPv6
	}
	client, err := a2s.Dial(m.registry, addr, opts)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Info(ctx)
}

// QueryMaster lists servers from the configured master server.
func (m *Manager) QueryMaster(ctx context.Context, q connector.MasterQuery) (*connector.MasterResult, error) {
	conn, err := m.masterConnector(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, q)
}

// MasterQueryFromConfig builds a query from the master section.
func (m *Manager) MasterQueryFromConfig() (connector.MasterQuery, error) {
	mc := m.cfg.GetMaster()
	region, err := connector.ParseRegion(mc.Region)
	if err != nil {
		return connector.MasterQuery{}, err
	}
	return connector.MasterQuery{Region: region, Filter: mc.Filter, Quantity: mc.Quantity}, nil
}

// masterConnector resolves the master server once. The connector only
// accepts an IP literal, so name resolution happens here.
func (m *Manager) masterConnector(ctx context.Context) (*connector.MasterServerConnector, error) {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	if m.master != nil {
		return m.master, nil
	}

	mc := m.cfg.GetMaster()
	ip, err := netip.ParseAddr(mc.Address)
	if err != nil {
		ip, err = m.resolver(ctx, mc.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve master server %s: %w", mc.Address, err)
		}
	}

	addr := netip.AddrPortFrom(ip.Unmap(), uint16(mc.Port))
	log.Info().Str("master", mc.Address).Str("addr", addr.String()).Msg("master server resolved")
	m.master = connector.NewMasterServerConnector(m.registry, addr, 0)
	return m.master, nil
}

func resolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	return addrs[0], nil
}

// Counts returns the number of servers, how many are online, and how many
// RCON sessions are authenticated.
func (m *Manager) Counts() (total, online, rconSessions int) {
	for _, inst := range m.List() {
		total++
		if s := inst.State().GetStatus(); s == events.StatusOnline || s == events.StatusDegraded {
			online++
		}
		if inst.RCONState() == rcon.StateAuthenticated.String() {
			rconSessions++
		}
	}
	return total, online, rconSessions
}

// Heartbeat summarizes the fleet.
func (m *Manager) Heartbeat() events.HeartbeatPayload {
	total, online, sessions := m.Counts()
	return events.HeartbeatPayload{
		Servers:      total,
		Online:       online,
		Offline:      total - online,
		RCONSessions: sessions,
		Sockets:      m.registry.SocketRefs(network.IPv4) + m.registry.SocketRefs(network.IPv6),
	}
}

// Shutdown closes every instance and the shared sockets.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	list := make([]*Instance, 0, len(m.servers))
	for _, inst := range m.servers {
		list = append(list, inst)
	}
	m.servers = make(map[string]*Instance)
	m.byRCON = make(map[string]*Instance)
	m.mu.Unlock()

	log.Info().Int("servers", len(list)).Msg("closing monitored servers")

	var wg sync.WaitGroup
	for _, inst := range list {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			inst.Close()
		}(inst)
	}
	wg.Wait()

	m.registry.CloseAll()
}

// --- Event Handlers ---

func (m *Manager) onPasswordChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.RCONPasswordChangedPayload)
	if !ok {
		return fmt.Errorf("invalid password changed payload")
	}

	m.mu.RLock()
	inst, ok := m.byRCON[payload.Address]
	m.mu.RUnlock()
	if ok {
		inst.markRejected()
	}
	return nil
}

// onConfigChanged drops the cached master connector so the next listing
// resolves the new address.
func (m *Manager) onConfigChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ConfigChangedPayload)
	if !ok || payload.Section != "master" {
		return nil
	}
	m.masterMu.Lock()
	m.master = nil
	m.masterMu.Unlock()
	return nil
}

func (m *Manager) onShutdown(ctx context.Context, event events.Event) error {
	m.Shutdown()
	return nil
}

// ParseServerAddress splits "ip:port" into a ServerConfig. Hostnames are
// rejected.
func ParseServerAddress(s string) (config.ServerConfig, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return config.ServerConfig{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return config.ServerConfig{}, fmt.Errorf("not an IP literal: %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return config.ServerConfig{}, fmt.Errorf("invalid port %q", portStr)
	}
	family := "ipv4"
	if !ip.Unmap().Is4() {
		family = "ipv6"
	}
	return config.ServerConfig{IP: ip.Unmap().String(), Port: port, Family: family}, nil
}

// PollTimeout bounds one full refresh of a server: INFO plus the
// challenged PLAYER and RULES exchanges, each up to two round trips.
func (m *Manager) PollTimeout() time.Duration {
	return 6 * m.queryOpts.Timeout
}
