package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/a2s"
	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/network"
	"github.com/energizer-project/srcquery/internal/rcon"
)

// ErrNoRCON is returned for RCON operations on a server configured
// without a password.
var ErrNoRCON = errors.New("server has no rcon configured")

// Instance is one monitored game server.
type Instance struct {
	cfg    config.ServerConfig
	addr   netip.AddrPort
	logger zerolog.Logger
	bus    *events.EventBus

	query *a2s.Client
	state *ServerState

	mu         sync.Mutex
	rcon       *rcon.Client
	rconOpts   rcon.Config
	rconCancel context.CancelFunc
	maintained chan struct{}
	rejected   bool
}

// newInstance registers the server's query connection on reg. No packet
// is sent until the first poll.
func newInstance(reg *network.Registry, bus *events.EventBus, sc config.ServerConfig, queryOpts a2s.Config, rconOpts rcon.Config) (*Instance, error) {
	ip, err := netip.ParseAddr(sc.IP)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", sc.IP, err)
	}
	if sc.Port < 1 || sc.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", sc.Port)
	}
	addr := netip.AddrPortFrom(ip.Unmap(), uint16(sc.Port))

	if sc.Family != "" {
		fam, err := network.ParseFamily(sc.Family)
		if err != nil {
			return nil, err
		}
		queryOpts.Family = fam
	} else if addr.Addr().Is6() {
		queryOpts.Family = network.IPv6
	}

	client, err := a2s.Dial(reg, addr, queryOpts)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		cfg:   sc,
		addr:  addr,
		bus:   bus,
		query: client,
		state: NewServerState(),
		logger: log.With().
			Str("component", "server").
			Str("server", addr.String()).
			Logger(),
		rconOpts: rconOpts,
	}
	if sc.RCONPassword != "" {
		inst.rcon = rcon.NewClient(sc.RCONAddress(), rconOpts)
	}
	return inst, nil
}

// Address returns the query "ip:port".
func (i *Instance) Address() string { return i.addr.String() }

// Name returns the configured display name, falling back to the name the
// server reports.
func (i *Instance) Name() string {
	if name := i.Config().Name; name != "" {
		return name
	}
	return i.state.Snapshot().Name
}

// Config returns the server's configuration entry.
func (i *Instance) Config() config.ServerConfig {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cfg
}

// State returns the server's observed state.
func (i *Instance) State() *ServerState { return i.state }

// Refresh polls the server and records the outcome. With full set it also
// fetches players and rules; their failures are logged but do not mark the
// server down.
func (i *Instance) Refresh(ctx context.Context, full bool) events.ServerStatusPayload {
	payload := events.ServerStatusPayload{Address: i.Address()}

	info, err := i.query.Info(ctx)
	if err != nil {
		payload.Previous = i.state.RecordFailure(err)
		payload.Status = i.state.GetStatus()
		payload.Error = err.Error()
		i.logStatus(payload)
		i.emit(ctx, events.EventServerStatus, payload)
		return payload
	}
	ping := i.query.LastPing()

	var players *a2s.PlayersResult
	var rules *a2s.RulesResult
	if full {
		if players, err = i.query.Players(ctx); err != nil {
			i.logger.Warn().Err(err).Msg("player query failed")
		}
		if rules, err = i.query.Rules(ctx); err != nil {
			i.logger.Warn().Err(err).Msg("rules query failed")
		}
	}

	payload.Previous = i.state.RecordSuccess(info, players, rules, ping)
	payload.Status = i.state.GetStatus()
	payload.Name = info.Info.ServerName()
	payload.Map = info.Info.MapName()
	payload.Players = info.Info.PlayerCount()
	payload.MaxPlayers = info.Info.MaxPlayerCount()
	payload.Ping = ping

	i.logStatus(payload)
	i.emit(ctx, events.EventServerStatus, payload)
	return payload
}

func (i *Instance) logStatus(p events.ServerStatusPayload) {
	if p.Status == p.Previous {
		i.logger.Debug().Str("status", p.Status.String()).Dur("ping", p.Ping).Msg("polled")
		return
	}
	ev := i.logger.Info()
	if p.Status == events.StatusOffline {
		ev = i.logger.Warn()
	}
	ev.Str("status", p.Status.String()).
		Str("previous", p.Previous.String()).
		Str("error", p.Error).
		Msg("server status changed")
}

// Info queries INFO directly.
func (i *Instance) Info(ctx context.Context) (*a2s.InfoResult, error) {
	info, err := i.query.Info(ctx)
	if err != nil {
		i.state.RecordFailure(err)
		return nil, err
	}
	i.state.RecordSuccess(info, nil, nil, i.query.LastPing())
	return info, nil
}

// Players queries the player list and caches it.
func (i *Instance) Players(ctx context.Context) (*a2s.PlayersResult, error) {
	players, err := i.query.Players(ctx)
	if err != nil {
		return nil, err
	}
	i.state.SetPlayers(players)
	return players, nil
}

// Rules queries the server rules and caches them.
func (i *Instance) Rules(ctx context.Context) (*a2s.RulesResult, error) {
	rules, err := i.query.Rules(ctx)
	if err != nil {
		return nil, err
	}
	i.state.SetRules(rules)
	return rules, nil
}

// Ping measures the round trip to the server.
func (i *Instance) Ping(ctx context.Context) (time.Duration, error) {
	return i.query.Ping(ctx)
}

// HasRCON reports whether the server has an RCON password configured.
func (i *Instance) HasRCON() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rcon != nil
}

// RCONState describes the RCON session for display.
func (i *Instance) RCONState() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case i.rcon == nil:
		return "none"
	case i.rejected:
		return "password rejected"
	default:
		return i.rcon.State().String()
	}
}

// StartRCON opens and authenticates the RCON session, then keeps it alive
// in the background until the instance is closed.
func (i *Instance) StartRCON(ctx context.Context) error {
	i.mu.Lock()
	client := i.rcon
	password := i.cfg.RCONPassword
	i.mu.Unlock()

	if client == nil {
		return ErrNoRCON
	}

	err := client.Connect(ctx, password)
	if errors.Is(err, rcon.ErrWrongPassword) {
		client.Close()
		i.markRejected()
		return err
	}
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.rejected = false
	if i.rconCancel != nil {
		i.rconCancel()
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	i.rconCancel = cancel
	i.maintained = done
	i.mu.Unlock()

	go func() {
		defer close(done)
		client.Maintain(maintainCtx)
	}()
	return nil
}

// EnsureRCON starts the RCON session when it is down and nothing is
// reconnecting it. Sessions whose password was rejected stay down until
// SetRCONPassword.
func (i *Instance) EnsureRCON(ctx context.Context) (bool, error) {
	i.mu.Lock()
	client := i.rcon
	skip := client == nil || i.rejected
	if i.maintained != nil {
		select {
		case <-i.maintained:
		default:
			skip = true
		}
	}
	i.mu.Unlock()

	if skip || client.State() != rcon.StateDisconnected {
		return false, nil
	}
	return true, i.StartRCON(ctx)
}

// SetRCONPassword replaces the password and reconnects.
func (i *Instance) SetRCONPassword(ctx context.Context, password string) error {
	i.stopRCON()

	i.mu.Lock()
	i.cfg.RCONPassword = password
	i.rejected = false
	if password == "" {
		i.rcon = nil
		i.mu.Unlock()
		return nil
	}
	i.rcon = rcon.NewClient(i.cfg.RCONAddress(), i.rconOpts)
	i.mu.Unlock()

	return i.StartRCON(ctx)
}

// Exec runs an RCON command.
func (i *Instance) Exec(ctx context.Context, command string) (string, error) {
	i.mu.Lock()
	client := i.rcon
	i.mu.Unlock()

	if client == nil {
		return "", ErrNoRCON
	}
	return client.Exec(ctx, command)
}

// markRejected is called when the server refused the cached password.
func (i *Instance) markRejected() {
	i.mu.Lock()
	i.rejected = true
	client := i.rcon
	i.mu.Unlock()

	i.logger.Warn().Msg("rcon password rejected, session parked until the password is updated")
	if client != nil && client.State() != rcon.StateDisconnected {
		client.Close()
	}
}

func (i *Instance) stopRCON() {
	i.mu.Lock()
	client := i.rcon
	cancel := i.rconCancel
	i.rconCancel = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
}

// Close ends the RCON session and releases the query connection.
func (i *Instance) Close() error {
	i.stopRCON()
	return i.query.Close()
}

func (i *Instance) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if i.bus == nil {
		return
	}
	i.bus.Emit(ctx, events.Event{Type: t, Source: "server:" + i.Address(), Payload: payload})
}
