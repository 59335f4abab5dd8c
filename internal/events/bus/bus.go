// Package bus provides the event fan-out between the flow runtime, the
// supervisor, and the delivery surfaces. Subjects are dotted with NATS-style
// wildcards (* one token, > the remaining tokens). The in-memory bus is the
// default and the semantic reference; the NATS bus serves multi-process
// deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscription bounded queue capacity.
const DefaultQueueSize = 256

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh UUID and the current timestamp.
func NewEvent(eventType, runID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subscription is one subscriber's view of a subject. Events arrive on C in
// FIFO order per publisher. When the subscriber falls behind its queue
// capacity the oldest events are dropped and an events_dropped marker
// precedes the next delivery. C closes after Unsubscribe.
type Subscription interface {
	C() <-chan *Event
	Unsubscribe()
}

// EventBus is the fan-out shared by every component that emits or consumes
// events. Publish never blocks on slow subscribers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(ctx context.Context, subject string, opts ...SubscribeOption) (Subscription, error)
	Close()
	IsConnected() bool
}

type subscribeOptions struct {
	queueSize int
}

// SubscribeOption tunes one subscription.
type SubscribeOption func(*subscribeOptions)

// WithQueueSize overrides the subscription's bounded queue capacity.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func applyOptions(opts []SubscribeOption) subscribeOptions {
	o := subscribeOptions{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
