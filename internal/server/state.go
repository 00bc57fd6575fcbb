// Package server tracks the game servers being monitored: one Instance per
// address, each with its query client, optional RCON session and the last
// observed state, coordinated by a Manager.
package server

import (
	"sync"
	"time"

	"github.com/energizer-project/srcquery/internal/a2s"
	"github.com/energizer-project/srcquery/internal/events"
)

// offlineAfter is the number of consecutive failed polls before a server
// that answered before is reported offline rather than degraded.
const offlineAfter = 3

// ServerState is the last observed state of a server. It is thread-safe.
type ServerState struct {
	mu sync.RWMutex

	status          events.ServerStatus
	statusChangedAt time.Time
	lastSeen        time.Time
	failures        int
	lastError       string

	info    *a2s.InfoResult
	players *a2s.PlayersResult
	rules   *a2s.RulesResult
	ping    time.Duration
}

// NewServerState creates a state in the unknown status.
func NewServerState() *ServerState {
	return &ServerState{
		status:          events.StatusUnknown,
		statusChangedAt: time.Now(),
	}
}

// RecordSuccess stores a successful poll and returns the previous status.
// players and rules may be nil when they were not requested.
func (s *ServerState) RecordSuccess(info *a2s.InfoResult, players *a2s.PlayersResult, rules *a2s.RulesResult, ping time.Duration) events.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info = info
	if players != nil {
		s.players = players
	}
	if rules != nil {
		s.rules = rules
	}
	s.ping = ping
	s.failures = 0
	s.lastError = ""
	s.lastSeen = time.Now()

	status := events.StatusOnline
	if len(info.Warnings) > 0 {
		status = events.StatusDegraded
	}
	return s.setStatusLocked(status)
}

// RecordFailure stores a failed poll and returns the previous status.
func (s *ServerState) RecordFailure(err error) events.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.lastError = err.Error()

	status := events.StatusOffline
	if !s.lastSeen.IsZero() && s.failures < offlineAfter {
		status = events.StatusDegraded
	}
	return s.setStatusLocked(status)
}

// SetPlayers replaces the cached player list.
func (s *ServerState) SetPlayers(p *a2s.PlayersResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = p
}

// SetRules replaces the cached rules.
func (s *ServerState) SetRules(r *a2s.RulesResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = r
}

func (s *ServerState) setStatusLocked(status events.ServerStatus) events.ServerStatus {
	old := s.status
	if old != status {
		s.status = status
		s.statusChangedAt = time.Now()
	}
	return old
}

// GetStatus returns the current status.
func (s *ServerState) GetStatus() events.ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a read-only copy of the state.
func (s *ServerState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		Status:          s.status,
		StatusChangedAt: s.statusChangedAt,
		LastSeen:        s.lastSeen,
		Failures:        s.failures,
		LastError:       s.lastError,
		PingMS:          float64(s.ping.Microseconds()) / 1000,
		Info:            s.info,
		Players:         s.players,
		Rules:           s.rules,
	}
	if s.info != nil && s.info.Info != nil {
		snap.Name = s.info.Info.ServerName()
		snap.Map = s.info.Info.MapName()
		snap.PlayerCount = s.info.Info.PlayerCount()
		snap.MaxPlayers = s.info.Info.MaxPlayerCount()
		snap.Engine = s.info.Info.Engine().String()
		snap.AppID = s.info.AppID()
	}
	return snap
}

// StateSnapshot is an immutable view of a ServerState.
type StateSnapshot struct {
	Status          events.ServerStatus `json:"status"`
	StatusChangedAt time.Time           `json:"status_changed_at"`
	LastSeen        time.Time           `json:"last_seen"`
	Failures        int                 `json:"failures"`
	LastError       string              `json:"last_error,omitempty"`
	PingMS          float64             `json:"ping_ms"`

	Name        string `json:"name"`
	Map         string `json:"map"`
	Engine      string `json:"engine"`
	AppID       uint32 `json:"app_id"`
	PlayerCount int    `json:"players"`
	MaxPlayers  int    `json:"max_players"`

	Info    *a2s.InfoResult    `json:"-"`
	Players *a2s.PlayersResult `json:"-"`
	Rules   *a2s.RulesResult   `json:"-"`
}
