package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventName identifies a server-pushed gateway event.
type EventName string

// Well-known gateway events. The wildcard subscribes to every event; payloads
// stay opaque except where a use case (chat streaming) decodes them.
const (
	EventWildcard EventName = "*"

	EventTick     EventName = "tick"
	EventLog      EventName = "log"
	EventPresence EventName = "presence"
	EventHealth   EventName = "health"

	EventChat  EventName = "chat.event"
	EventAgent EventName = "agent.event"

	EventCronUpdated    EventName = "cron.updated"
	EventChannelUpdated EventName = "channel.updated"
)

// StateVersion is the monotonic version block attached to some event frames.
// The gateway guarantees in-order delivery on one socket, so versions are
// recorded for display but never used to reorder.
type StateVersion struct {
	Presence int64 `json:"presence,omitempty"`
	Health   int64 `json:"health,omitempty"`
}

// Event is a server-pushed frame after envelope decoding.
type Event struct {
	Name         EventName       `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	StateVersion *StateVersion   `json:"stateVersion,omitempty"`
	ReceivedAt   time.Time       `json:"-"`
}

// EventHandler processes a single gateway event. Handlers run in frame-arrival
// order; a panicking handler is recovered and must not stop the others.
type EventHandler func(ctx context.Context, ev Event)

// EventSink receives every dispatched event, used for cross-cutting consumers
// such as the local journal.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}
