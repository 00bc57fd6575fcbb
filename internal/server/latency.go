package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/events"
)

const (
	// TimeoutWarningThreshold is the number of failed polls in an hour
	// before a warning alert.
	TimeoutWarningThreshold = 5
	// TimeoutCriticalThreshold is the number of failed polls in an hour
	// before a critical alert.
	TimeoutCriticalThreshold = 20
	// PingWarningThreshold is the average round trip that raises a warning.
	PingWarningThreshold = 250 * time.Millisecond

	maxLatencySamples = 1000
)

// LatencyMonitor tracks round trips and failed polls per server from the
// poller's status events.
type LatencyMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	now      func() time.Time

	servers map[string]*ServerLatency
}

// ServerLatency holds latency data for a single server.
type ServerLatency struct {
	Address          string          `json:"address"`
	Samples          int             `json:"samples"`
	Timeouts         int             `json:"timeouts"`
	TimeoutsLastHour int             `json:"timeouts_last_hour"`
	MaxPing          time.Duration   `json:"max_ping"`
	AvgPing          time.Duration   `json:"avg_ping"`
	LastSample       time.Time       `json:"last_sample"`
	History          []LatencySample `json:"history"`
}

// LatencySample is one poll outcome.
type LatencySample struct {
	Timestamp time.Time     `json:"timestamp"`
	Ping      time.Duration `json:"ping"`
	Timeout   bool          `json:"timeout,omitempty"`
}

// LatencyAlert represents a threshold alert.
type LatencyAlert struct {
	Address  string        `json:"address"`
	Level    string        `json:"level"`
	Timeouts int           `json:"timeouts"`
	AvgPing  time.Duration `json:"avg_ping"`
	Message  string        `json:"message"`
}

// NewLatencyMonitor creates a monitor subscribed to status and removal
// events on eventBus.
func NewLatencyMonitor(eventBus *events.EventBus) *LatencyMonitor {
	lm := &LatencyMonitor{
		eventBus: eventBus,
		now:      time.Now,
		servers:  make(map[string]*ServerLatency),
	}

	eventBus.Subscribe(events.EventServerStatus, "latency_monitor", lm.handleStatus)
	eventBus.Subscribe(events.EventServerRemoved, "latency_monitor", lm.handleRemoved)

	return lm
}

func (lm *LatencyMonitor) handleStatus(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerStatusPayload)
	if !ok {
		return nil
	}
	lm.record(payload.Address, payload.Ping, payload.Error != "")
	return nil
}

func (lm *LatencyMonitor) handleRemoved(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerPayload)
	if !ok {
		return nil
	}
	lm.mu.Lock()
	delete(lm.servers, payload.Address)
	lm.mu.Unlock()
	return nil
}

func (lm *LatencyMonitor) record(addr string, ping time.Duration, timeout bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	data, ok := lm.servers[addr]
	if !ok {
		data = &ServerLatency{
			Address: addr,
			History: make([]LatencySample, 0, 64),
		}
		lm.servers[addr] = data
	}

	now := lm.now()
	data.History = append(data.History, LatencySample{Timestamp: now, Ping: ping, Timeout: timeout})
	if len(data.History) > maxLatencySamples {
		data.History = data.History[len(data.History)-maxLatencySamples:]
	}
	data.LastSample = now
	if timeout {
		data.Timeouts++
	} else {
		data.Samples++
		if ping > data.MaxPing {
			data.MaxPing = ping
		}
	}

	var total time.Duration
	answered := 0
	recentTimeouts := 0
	oneHourAgo := now.Add(-time.Hour)
	for _, s := range data.History {
		if s.Timeout {
			if s.Timestamp.After(oneHourAgo) {
				recentTimeouts++
			}
			continue
		}
		total += s.Ping
		answered++
	}
	if answered > 0 {
		data.AvgPing = total / time.Duration(answered)
	}
	data.TimeoutsLastHour = recentTimeouts
}

// Get returns latency data for one server.
func (lm *LatencyMonitor) Get(addr string) (*ServerLatency, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	data, ok := lm.servers[addr]
	if !ok {
		return nil, false
	}
	c := *data
	c.History = append([]LatencySample(nil), data.History...)
	return &c, true
}

// GetAll returns latency data for all servers without history.
func (lm *LatencyMonitor) GetAll() map[string]*ServerLatency {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	result := make(map[string]*ServerLatency, len(lm.servers))
	for k, v := range lm.servers {
		c := *v
		c.History = nil
		result[k] = &c
	}
	return result
}

// CheckThresholds evaluates every server against the alert thresholds.
func (lm *LatencyMonitor) CheckThresholds() []LatencyAlert {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var alerts []LatencyAlert
	for addr, data := range lm.servers {
		switch {
		case data.TimeoutsLastHour >= TimeoutCriticalThreshold:
			alerts = append(alerts, LatencyAlert{
				Address:  addr,
				Level:    "critical",
				Timeouts: data.TimeoutsLastHour,
				AvgPing:  data.AvgPing,
				Message:  fmt.Sprintf("%s: %d failed polls in the last hour", addr, data.TimeoutsLastHour),
			})
		case data.TimeoutsLastHour >= TimeoutWarningThreshold:
			alerts = append(alerts, LatencyAlert{
				Address:  addr,
				Level:    "warning",
				Timeouts: data.TimeoutsLastHour,
				AvgPing:  data.AvgPing,
				Message:  fmt.Sprintf("%s: %d failed polls in the last hour", addr, data.TimeoutsLastHour),
			})
		case data.AvgPing >= PingWarningThreshold:
			alerts = append(alerts, LatencyAlert{
				Address:  addr,
				Level:    "warning",
				Timeouts: data.TimeoutsLastHour,
				AvgPing:  data.AvgPing,
				Message:  fmt.Sprintf("%s: average ping %s", addr, data.AvgPing.Round(time.Millisecond)),
			})
		}
	}
	return alerts
}

// Start runs periodic threshold checks until ctx ends.
func (lm *LatencyMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, alert := range lm.CheckThresholds() {
				log.Warn().
					Str("server", alert.Address).
					Str("level", alert.Level).
					Int("timeouts", alert.Timeouts).
					Dur("avg_ping", alert.AvgPing).
					Msg("latency threshold alert")

				lm.eventBus.Emit(ctx, events.Event{
					Type:   events.EventLatencyAlert,
					Source: "latency_monitor",
					Payload: events.LatencyAlertPayload{
						Address:  alert.Address,
						Level:    alert.Level,
						Timeouts: alert.Timeouts,
						AvgPing:  alert.AvgPing,
						Message:  alert.Message,
					},
				})
			}
		}
	}
}
