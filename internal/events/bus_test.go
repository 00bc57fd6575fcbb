package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitSyncRunsHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls int32
	bus.Subscribe(EventServerStatus, "a", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Subscribe(EventServerStatus, "b", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventServerStatus})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestUnsubscribeByName(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	noop := func(ctx context.Context, e Event) error { return nil }
	bus.Subscribe(EventRCONCommand, "x", noop)
	bus.Subscribe(EventRCONCommand, "y", noop)
	if n := bus.HandlerCount(EventRCONCommand); n != 2 {
		t.Fatalf("handler count = %d", n)
	}
	bus.Unsubscribe(EventRCONCommand, "x")
	if n := bus.HandlerCount(EventRCONCommand); n != 1 {
		t.Fatalf("handler count = %d", n)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventShutdown, "panics", func(ctx context.Context, e Event) error {
		panic("handler bug")
	})
	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestWatchFiltersTypes(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Watch(ctx, 4, EventRCONDisconnected)

	bus.Emit(ctx, Event{Type: EventPacket})
	bus.Emit(ctx, Event{Type: EventRCONDisconnected, Payload: RCONDisconnectedPayload{Address: "a", Reason: "eof"}})

	select {
	case e := <-ch:
		if e.Type != EventRCONDisconnected {
			t.Fatalf("got %s", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("event time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected extra event")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestStopClosesWatchers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Watch(context.Background(), 1)
	bus.Stop()

	if _, ok := <-ch; ok {
		t.Fatal("watcher still open after stop")
	}
	bus.Emit(context.Background(), Event{Type: EventPacket})
}

func TestServerStatusJSON(t *testing.T) {
	data, err := json.Marshal(map[string]ServerStatus{"s": StatusDegraded})
	if err != nil {
		t.Fatalf("marshal failed: %s", err)
	}
	if string(data) != `{"s":"degraded"}` {
		t.Fatalf("got %s", data)
	}
	if ServerStatus(42).String() != "unknown" {
		t.Fatal("unknown status not mapped")
	}
}
