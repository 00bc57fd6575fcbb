package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/energizer-project/srcquery/internal/events"
)

type staticFleet events.HeartbeatPayload

func (f staticFleet) Heartbeat() events.HeartbeatPayload { return events.HeartbeatPayload(f) }

func TestMetricsCountsEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	m := NewMetrics(bus, staticFleet{Servers: 3, Online: 2, RCONSessions: 1, Sockets: 1})
	m.Subscribe()
	defer m.Unsubscribe()

	ctx := context.Background()
	emit := func(t events.EventType, payload interface{}) {
		bus.EmitSync(ctx, events.Event{Type: t, Payload: payload})
	}

	emit(events.EventServerStatus, events.ServerStatusPayload{
		Address: "10.0.0.1:27015", Status: events.StatusOnline, Previous: events.StatusUnknown, Ping: 20 * time.Millisecond,
	})
	emit(events.EventServerStatus, events.ServerStatusPayload{
		Address: "10.0.0.1:27015", Status: events.StatusOnline, Previous: events.StatusOnline, Ping: 25 * time.Millisecond,
	})
	emit(events.EventServerStatus, events.ServerStatusPayload{
		Address: "10.0.0.2:27015", Status: events.StatusOffline, Previous: events.StatusOnline, Error: "timeout",
	})
	emit(events.EventRCONCommand, events.RCONCommandPayload{Address: "10.0.0.1:27015", Command: "status"})
	emit(events.EventRCONDisconnected, events.RCONDisconnectedPayload{Address: "10.0.0.1:27015"})
	emit(events.EventRCONPasswordChanged, events.RCONPasswordChangedPayload{Address: "10.0.0.1:27015"})
	emit(events.EventLatencyAlert, events.LatencyAlertPayload{Address: "10.0.0.2:27015", Level: "critical"})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"online transitions", testutil.ToFloat64(m.statusChanges.WithLabelValues("online")), 1},
		{"offline transitions", testutil.ToFloat64(m.statusChanges.WithLabelValues("offline")), 1},
		{"rcon commands", testutil.ToFloat64(m.rconCommands), 1},
		{"rcon disconnects", testutil.ToFloat64(m.rconDisconnects), 1},
		{"password changes", testutil.ToFloat64(m.passwordChanges), 1},
		{"critical alerts", testutil.ToFloat64(m.latencyAlerts.WithLabelValues("critical")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	m := NewMetrics(bus, staticFleet{Servers: 3, Online: 2})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{"srcquery_servers 3", "srcquery_servers_online 2", "srcquery_rcon_sessions 0"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
