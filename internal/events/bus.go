package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Handlers run in their
// own goroutines; watchers receive events on buffered channels.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	watchers map[*watcher]struct{}
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

type watcher struct {
	types map[EventType]bool
	ch    chan Event
}

func (w *watcher) wants(t EventType) bool {
	return len(w.types) == 0 || w.types[t]
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		watchers: make(map[*watcher]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a named handler for an event type.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from an event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers := eb.handlers[eventType]
	filtered := handlers[:0:0]
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered
}

// Watch returns a channel receiving events of the given types (all types
// when none are given) until ctx ends. Events are dropped for a watcher
// whose buffer is full.
func (eb *EventBus) Watch(ctx context.Context, buffer int, types ...EventType) <-chan Event {
	w := &watcher{
		types: make(map[EventType]bool, len(types)),
		ch:    make(chan Event, buffer),
	}
	for _, t := range types {
		w.types[t] = true
	}

	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		close(w.ch)
		return w.ch
	}
	eb.watchers[w] = struct{}{}
	eb.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-eb.stopCh:
		}
		eb.mu.Lock()
		if _, ok := eb.watchers[w]; ok {
			delete(eb.watchers, w)
			close(w.ch)
		}
		eb.mu.Unlock()
	}()

	return w.ch
}

// Emit publishes an event to all handlers and watchers without blocking.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	for w := range eb.watchers {
		if !w.wants(event.Type) {
			continue
		}
		select {
		case w.ch <- event:
		default:
			log.Trace().Str("event", string(event.Type)).Msg("watcher buffer full, event dropped")
		}
	}

	for _, h := range eb.handlers[event.Type] {
		h := h
		eb.wg.Add(1)
		go func() {
			defer eb.wg.Done()
			eb.run(ctx, h, event)
		}()
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	handlers := append([]handlerEntry(nil), eb.handlers[event.Type]...)
	eb.mu.RUnlock()

	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eb.run(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}

	wg.Wait()
	return firstErr
}

func (eb *EventBus) run(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting events, closes watchers and waits for in-flight
// handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for w := range eb.watchers {
		delete(eb.watchers, w)
		close(w.ch)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
