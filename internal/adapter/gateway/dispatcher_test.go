package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"clawdeck/internal/domain"
)

func newTestDispatcher() *dispatcher {
	return newDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchNamedThenWildcard(t *testing.T) {
	d := newTestDispatcher()
	var order []string

	d.subscribe(domain.EventChat, func(_ context.Context, ev domain.Event) {
		order = append(order, "named:"+string(ev.Name))
	})
	d.subscribeAll(func(_ context.Context, ev domain.Event) {
		order = append(order, "wild:"+string(ev.Name))
	})

	d.dispatch(context.Background(), domain.Event{Name: domain.EventChat})
	d.dispatch(context.Background(), domain.Event{Name: domain.EventPresence})

	assert.Equal(t, []string{"named:chat.event", "wild:chat.event", "wild:presence"}, order)
}

func TestDispatchArrivalOrder(t *testing.T) {
	d := newTestDispatcher()
	var got []string
	d.subscribe(domain.EventLog, func(_ context.Context, ev domain.Event) {
		got = append(got, string(ev.Payload))
	})

	for _, p := range []string{`"a"`, `"b"`, `"c"`} {
		d.dispatch(context.Background(), domain.Event{Name: domain.EventLog, Payload: json.RawMessage(p)})
	}
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, got)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	d := newTestDispatcher()
	calls := 0
	unsub := d.subscribe(domain.EventTick, func(_ context.Context, _ domain.Event) { calls++ })

	d.dispatch(context.Background(), domain.Event{Name: domain.EventTick})
	unsub()
	unsub() // second call is a no-op
	d.dispatch(context.Background(), domain.Event{Name: domain.EventTick})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, d.subscriberCount(domain.EventTick))
}

func TestWildcardViaSubscribe(t *testing.T) {
	d := newTestDispatcher()
	calls := 0
	unsub := d.subscribe(domain.EventWildcard, func(_ context.Context, _ domain.Event) { calls++ })

	d.dispatch(context.Background(), domain.Event{Name: domain.EventHealth})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, d.subscriberCount(domain.EventWildcard))

	unsub()
	d.dispatch(context.Background(), domain.Event{Name: domain.EventHealth})
	assert.Equal(t, 1, calls)
}

func TestPanickingHandlerIsolated(t *testing.T) {
	d := newTestDispatcher()
	survived := false

	d.subscribe(domain.EventChat, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	d.subscribe(domain.EventChat, func(_ context.Context, _ domain.Event) {
		survived = true
	})

	d.dispatch(context.Background(), domain.Event{Name: domain.EventChat})
	assert.True(t, survived, "handler after the panicking one must still run")
}
