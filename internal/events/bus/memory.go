package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
)

// MemoryEventBus is the in-process bus. Each subscription owns a bounded
// queue drained by its own goroutine, so a stalled consumer slows nobody
// else: overflow drops that subscriber's oldest events and surfaces an
// events_dropped marker before the next delivery.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	ch      chan *Event

	mu      sync.Mutex
	queue   []*Event
	cap     int
	dropped int

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish enqueues the event for every matching subscription and returns
// without waiting for consumers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errs.Internal("event bus is closed", nil)
	}

	for pattern, subs := range b.subscriptions {
		if len(subs) == 0 || !matches(subject, pattern, subs[0].pattern) {
			continue
		}
		for _, sub := range subs {
			sub.enqueue(event)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a subscription for a subject pattern. The context
// bounds the subscription's lifetime: cancellation unsubscribes.
func (b *MemoryEventBus) Subscribe(ctx context.Context, subject string, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.Internal("event bus is closed", nil)
	}
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		ch:      make(chan *Event),
		cap:     o.queueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	go sub.pump()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
			case <-sub.done:
			}
		}()
	}

	b.logger.Debug("subscribed", zap.String("subject", subject), zap.Int("queue_size", o.queueSize))
	return sub, nil
}

// Close unsubscribes everything. Pending queues are discarded.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string][]*memorySubscription)
	b.closed = true
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.stop()
		}
	}
	b.logger.Debug("memory event bus closed")
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// C returns the delivery channel. It closes after Unsubscribe.
func (s *memorySubscription) C() <-chan *Event { return s.ch }

// Unsubscribe detaches from the bus and closes the channel. Idempotent.
func (s *memorySubscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s)
	}
	s.stop()
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscriptions[target.subject]
	for i, sub := range subs {
		if sub == target {
			b.subscriptions[target.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[target.subject]) == 0 {
		delete(b.subscriptions, target.subject)
	}
}

// enqueue appends to the bounded queue, dropping the oldest entry on
// overflow. Never blocks.
func (s *memorySubscription) enqueue(event *Event) {
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		drop := len(s.queue) - s.cap + 1
		s.queue = append(s.queue[:0], s.queue[drop:]...)
		s.dropped += drop
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the delivery channel, injecting a marker for
// any events dropped since the last delivery.
func (s *memorySubscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		dropped := s.dropped
		s.dropped = 0
		s.mu.Unlock()

		if dropped > 0 {
			marker := NewEvent(events.EventsDropped, next.RunID, map[string]any{
				"dropped_n": dropped,
			})
			if !s.deliver(marker) {
				return
			}
		}
		if !s.deliver(next) {
			return
		}
	}
}

func (s *memorySubscription) deliver(event *Event) bool {
	select {
	case s.ch <- event:
		return true
	case <-s.done:
		return false
	}
}

// matches checks a subject against a pattern, exact unless the pattern
// carries wildcards.
func matches(subject, pattern string, re *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	return re != nil && re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp: * matches one
// token, > matches the rest of the subject.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
