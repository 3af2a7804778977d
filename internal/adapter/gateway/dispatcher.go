package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"clawdeck/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// dispatcher fans out server-pushed event frames to per-event subscriber
// lists and wildcard subscribers. Handlers run synchronously on the read
// loop so delivery order matches frame-arrival order; a panicking handler is
// recovered and never stops the remaining handlers.
type dispatcher struct {
	mu     sync.RWMutex
	named  map[domain.EventName][]subscription
	all    []subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		named:  make(map[domain.EventName][]subscription),
		logger: logger,
	}
}

// dispatch invokes handlers for ev.Name, then the wildcard handlers.
func (d *dispatcher) dispatch(ctx context.Context, ev domain.Event) {
	d.mu.RLock()
	named := make([]subscription, len(d.named[ev.Name]))
	copy(named, d.named[ev.Name])
	all := make([]subscription, len(d.all))
	copy(all, d.all)
	d.mu.RUnlock()

	for _, sub := range named {
		d.invoke(ctx, ev, sub)
	}
	for _, sub := range all {
		d.invoke(ctx, ev, sub)
	}
}

func (d *dispatcher) invoke(ctx context.Context, ev domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event", string(ev.Name),
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, ev)
}

// subscribe registers a handler for one event name; domain.EventWildcard
// subscribes to every event. The returned unsubscribe function is idempotent.
func (d *dispatcher) subscribe(name domain.EventName, handler domain.EventHandler) func() {
	if name == domain.EventWildcard {
		return d.subscribeAll(handler)
	}

	id := d.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	d.mu.Lock()
	d.named[name] = append(d.named[name], sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.named[name]
		for i, s := range subs {
			if s.id == id {
				d.named[name] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// subscribeAll registers a handler that receives every event.
func (d *dispatcher) subscribeAll(handler domain.EventHandler) func() {
	id := d.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	d.mu.Lock()
	d.all = append(d.all, sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.all {
			if s.id == id {
				d.all = append(d.all[:i], d.all[i+1:]...)
				return
			}
		}
	}
}

// subscriberCount reports registered handlers for a name (wildcard included
// for EventWildcard).
func (d *dispatcher) subscriberCount(name domain.EventName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name == domain.EventWildcard {
		return len(d.all)
	}
	return len(d.named[name])
}
