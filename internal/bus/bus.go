// Package bus is the typed event surface of the control plane. It layers
// domain events over the generic pubsub broker and feeds the SSE stream.
// Consumers that miss events re-read state over HTTP; nothing is persisted.
package bus

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lemoz/project-control-center-sub001/internal/log"
	"github.com/lemoz/project-control-center-sub001/internal/pubsub"
)

// Type identifies a domain event.
type Type string

const (
	TypeMessageNew       Type = "message.new"
	TypeRunStatus        Type = "run.status"
	TypeActionApplied    Type = "action.applied"
	TypeActionUndone     Type = "action.undone"
	TypeThreadUpdated    Type = "thread.updated"
	TypeAttentionUpdated Type = "attention.updated"
	TypeRunLog           Type = "run.log"
)

// Event is one domain event. Payload carries the type-specific body as
// raw JSON so the SSE handler can forward it untouched.
type Event struct {
	Type      Type            `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	RunID     int64           `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus fans events out to subscribers. Owned by the server; callers must
// Close it on shutdown.
type Bus struct {
	broker *pubsub.Broker[Event]

	// attention remembers the last attention payload per thread so
	// consecutive identical states are suppressed.
	attention *gocache.Cache
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		broker:    pubsub.NewBroker[Event](),
		attention: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.broker.Close()
}

// Publish stamps and delivers an event to every subscriber.
func (b *Bus) Publish(ev Event) {
	ev.Timestamp = time.Now()
	b.broker.Publish(pubsub.EventType(ev.Type), ev)
}

// publishJSON marshals payload into the event body. Marshal failures are
// logged and the event is dropped; payloads are internal types and a
// failure indicates a programming error, not a runtime condition.
func (b *Bus) publishJSON(t Type, threadID string, runID int64, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.ErrorErr(log.CatBus, "failed to marshal event payload", err, "type", string(t))
			return
		}
		raw = data
	}
	b.Publish(Event{Type: t, ThreadID: threadID, RunID: runID, Payload: raw})
}

// MessageNew announces a persisted message.
func (b *Bus) MessageNew(threadID string, payload any) {
	b.publishJSON(TypeMessageNew, threadID, 0, payload)
}

// RunStatus announces a run status transition.
func (b *Bus) RunStatus(threadID string, runID int64, status string) {
	b.publishJSON(TypeRunStatus, threadID, runID, map[string]string{"status": status})
}

// ActionApplied announces a ledger application.
func (b *Bus) ActionApplied(threadID string, payload any) {
	b.publishJSON(TypeActionApplied, threadID, 0, payload)
}

// ActionUndone announces a ledger undo.
func (b *Bus) ActionUndone(threadID string, payload any) {
	b.publishJSON(TypeActionUndone, threadID, 0, payload)
}

// ThreadUpdated announces thread metadata changes.
func (b *Bus) ThreadUpdated(threadID string, payload any) {
	b.publishJSON(TypeThreadUpdated, threadID, 0, payload)
}

// RunLog forwards one mirrored log line of a running agent.
func (b *Bus) RunLog(threadID string, runID int64, line string) {
	b.publishJSON(TypeRunLog, threadID, runID, map[string]string{"line": line})
}

// AttentionUpdated announces a thread's attention state. Consecutive
// identical states for the same thread are suppressed.
func (b *Bus) AttentionUpdated(threadID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.ErrorErr(log.CatBus, "failed to marshal attention payload", err, "thread", threadID)
		return
	}
	if prev, found := b.attention.Get(threadID); found && prev.(string) == string(data) {
		return
	}
	b.attention.Set(threadID, string(data), gocache.DefaultExpiration)
	b.Publish(Event{Type: TypeAttentionUpdated, ThreadID: threadID, Payload: data})
}

// Subscribe returns a channel of events. With a non-empty threadID only
// events for that thread (plus thread-agnostic events) are delivered.
// The channel closes when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, threadID string) <-chan Event {
	src := b.broker.Subscribe(ctx)
	if threadID == "" {
		return flatten(src)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for ev := range src {
			if ev.Payload.ThreadID != "" && ev.Payload.ThreadID != threadID {
				continue
			}
			select {
			case out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// flatten unwraps the broker envelope; Event already carries its own
// type and timestamp.
func flatten(src <-chan pubsub.Event[Event]) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for ev := range src {
			out <- ev.Payload
		}
	}()
	return out
}
