// Package health runs the periodic checks that keep the monitored fleet's
// state current: server polling, RCON keepalive, latency alerts and the
// heartbeat.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/server"
)

// fullRefreshEvery makes every Nth poll also fetch players and rules.
const fullRefreshEvery = 4

// Manager runs periodic checks on all monitored servers.
type Manager struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	serverMgr *server.Manager
	latency   *server.LatencyMonitor

	polls int
}

// NewManager creates a new health check manager. latency may be nil.
func NewManager(
	cfg *config.Config,
	eventBus *events.EventBus,
	serverMgr *server.Manager,
	latency *server.LatencyMonitor,
) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		serverMgr: serverMgr,
		latency:   latency,
	}
}

type check struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

func (m *Manager) checks() []check {
	timers := m.cfg.GetTimers()
	return []check{
		{"poll_servers", seconds(timers.PollInterval), m.pollServers},
		{"rcon_keepalive", seconds(timers.RCONKeepaliveInterval), m.keepAliveRCON},
		{"heartbeat", seconds(timers.HeartbeatInterval), m.heartbeat},
	}
}

// Start launches every check on its own ticker and blocks until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	checks := m.checks()

	for _, c := range checks {
		if c.interval <= 0 {
			continue
		}

		c := c
		go func() {
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()

			log.Debug().Str("check", c.name).Msg("running initial health check")
			c.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.fn(ctx)
				}
			}
		}()
	}

	if m.latency != nil {
		interval := seconds(m.cfg.GetTimers().PollInterval) * fullRefreshEvery
		if interval > 0 {
			go m.latency.Start(ctx, interval)
		}
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// pollServers refreshes every server. Players and rules are only fetched
// on every fullRefreshEvery-th sweep.
func (m *Manager) pollServers(ctx context.Context) {
	full := m.polls%fullRefreshEvery == 0
	m.polls++

	pollCtx, cancel := context.WithTimeout(ctx, m.serverMgr.PollTimeout())
	defer cancel()

	start := time.Now()
	results := m.serverMgr.RefreshAll(pollCtx, full)

	online := 0
	for _, r := range results {
		if r.Status == events.StatusOnline || r.Status == events.StatusDegraded {
			online++
		}
	}
	log.Debug().
		Int("servers", len(results)).
		Int("online", online).
		Bool("full", full).
		Dur("took", time.Since(start)).
		Msg("poll complete")
}

func (m *Manager) keepAliveRCON(ctx context.Context) {
	if n := m.serverMgr.KeepAliveRCON(ctx); n > 0 {
		log.Debug().Int("attempted", n).Msg("rcon keepalive")
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "heartbeat",
		Payload: m.serverMgr.Heartbeat(),
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
