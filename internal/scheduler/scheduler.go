// Package scheduler runs the daily background tasks: log file rotation and
// the fleet statistics summary.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/server"
	"github.com/energizer-project/srcquery/internal/util"
)

// Scheduler manages daily background tasks.
type Scheduler struct {
	logCfg  util.LogConfig
	manager *server.Manager
	latency *server.LatencyMonitor
	now     func() time.Time
}

// NewScheduler creates a new task scheduler. latency may be nil.
func NewScheduler(logCfg util.LogConfig, manager *server.Manager, latency *server.LatencyMonitor) *Scheduler {
	return &Scheduler{
		logCfg:  logCfg,
		manager: manager,
		latency: latency,
		now:     time.Now,
	}
}

// Start runs the daily tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.logCfg.Directory != "" {
		go s.runDaily(ctx, "log_rotation", 0, 0, s.rotateLogs)
	}
	go s.runDaily(ctx, "daily_stats", 23, 59, s.collectStats)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runDaily calls fn every day at hour:minute local time.
func (s *Scheduler) runDaily(ctx context.Context, name string, hour, minute int, fn func()) {
	for {
		nextRun := nextRunAt(s.now(), hour, minute)
		sleepDuration := nextRun.Sub(s.now())

		log.Debug().
			Str("task", name).
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("task scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn()
		}
	}
}

// rotateLogs reopens the logger so it writes to today's file and prunes
// old files beyond the backup limit.
func (s *Scheduler) rotateLogs() {
	if err := util.InitLogger(s.logCfg); err != nil {
		log.Warn().Err(err).Msg("log rotation failed")
		return
	}

	size := dirSize(s.logCfg.Directory, ".log")
	log.Info().
		Str("directory", s.logCfg.Directory).
		Str("size", formatBytes(size)).
		Msg("log files rotated")
}

// collectStats logs a summary of the fleet and its latency.
func (s *Scheduler) collectStats() {
	total, online, sessions := s.manager.Counts()

	ev := log.Info().
		Int("servers", total).
		Int("online", online).
		Int("rcon_sessions", sessions)

	if s.latency != nil {
		var worst string
		var worstPing time.Duration
		timeouts := 0
		for addr, l := range s.latency.GetAll() {
			timeouts += l.TimeoutsLastHour
			if l.AvgPing > worstPing {
				worst, worstPing = addr, l.AvgPing
			}
		}
		ev = ev.Int("timeouts_last_hour", timeouts)
		if worst != "" {
			ev = ev.Str("slowest", worst).Dur("slowest_avg_ping", worstPing)
		}
	}

	ev.Msg("daily stats collected")
}

// nextRunAt returns the next hour:minute strictly after now.
func nextRunAt(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func dirSize(dir, ext string) int64 {
	var total int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(info.Name()), ext) {
			total += info.Size()
		}
		return nil
	})
	return total
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
