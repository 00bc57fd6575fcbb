package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/server"
	"github.com/energizer-project/srcquery/internal/util"
)

func TestNextRunAt(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", time.Date(2024, 3, 1, 10, 0, 0, 0, loc), time.Date(2024, 3, 1, 23, 59, 0, 0, loc)},
		{"exactly now", time.Date(2024, 3, 1, 23, 59, 0, 0, loc), time.Date(2024, 3, 2, 23, 59, 0, 0, loc)},
		{"month end", time.Date(2024, 2, 29, 23, 59, 30, 0, loc), time.Date(2024, 3, 1, 23, 59, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextRunAt(tt.now, 23, 59); !got.Equal(tt.want) {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.00 KB",
		5 * 1024 * 1024: "5.00 MB",
		3 << 30:         "3.00 GB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRotateLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"srcquery_2020-01-01.log", "srcquery_2020-01-02.log", "srcquery_2020-01-03.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write: %s", err)
		}
	}

	logCfg := util.LogConfig{Level: "info", Directory: dir, MaxBackups: 2, Out: os.Stderr}
	s := NewScheduler(logCfg, nil, nil)
	s.rotateLogs()
	defer util.InitLogger(util.LogConfig{Level: "info", Console: true})

	today := "srcquery_" + time.Now().Format("2006-01-02") + ".log"
	if _, err := os.Stat(filepath.Join(dir, today)); err != nil {
		t.Fatalf("today's log file missing: %s", err)
	}

	// Pruning runs in the background.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := os.ReadDir(dir)
		if len(entries) <= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 log files, got %d", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if size := dirSize(dir, ".log"); size <= 0 {
		t.Fatalf("expected non-empty log directory")
	}
}

func TestCollectStats(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	mgr := server.NewManager(config.DefaultConfig(), bus)
	defer mgr.Shutdown()

	s := NewScheduler(util.LogConfig{}, mgr, server.NewLatencyMonitor(bus))
	s.collectStats()

	s.latency = nil
	s.collectStats()
}
