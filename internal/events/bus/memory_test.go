package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func recvEvent(t *testing.T, sub Subscription) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestMemoryBus_FIFOPerSubscriber(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "flow.run.01J0A")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ev := NewEvent(events.AgentStreamDelta, "01J0A", map[string]any{"i": i})
		if err := b.Publish(ctx, "flow.run.01J0A", ev); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		ev := recvEvent(t, sub)
		if got := ev.Data["i"].(int); got != i {
			t.Fatalf("out of order: got %d at position %d", got, i)
		}
	}
}

func TestMemoryBus_WildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()
	ctx := context.Background()

	star, err := b.Subscribe(ctx, "flow.run.*")
	if err != nil {
		t.Fatal(err)
	}
	tail, err := b.Subscribe(ctx, "flow.>")
	if err != nil {
		t.Fatal(err)
	}
	exact, err := b.Subscribe(ctx, "flow.run.01J0A")
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, "flow.run.01J0A", NewEvent(events.FlowStarted, "01J0A", nil)); err != nil {
		t.Fatal(err)
	}

	for name, sub := range map[string]Subscription{"star": star, "tail": tail, "exact": exact} {
		ev := recvEvent(t, sub)
		if ev.Type != events.FlowStarted {
			t.Errorf("%s: got %q", name, ev.Type)
		}
	}

	// A non-matching subject reaches only the tail wildcard.
	if err := b.Publish(ctx, "flow.other", NewEvent(events.TicketsChanged, "", nil)); err != nil {
		t.Fatal(err)
	}
	ev := recvEvent(t, tail)
	if ev.Type != events.TicketsChanged {
		t.Errorf("tail: got %q", ev.Type)
	}
	select {
	case ev := <-star.C():
		t.Errorf("star wildcard received %q for flow.other", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_OverflowDropsOldestWithMarker(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "flow.run.01J0B", WithQueueSize(4))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	// Publish without consuming. The pump takes the first event out of the
	// queue immediately and then blocks on the unread channel, so the queue
	// holds the rest; everything beyond its capacity drops oldest-first.
	const total = 20
	for i := 0; i < total; i++ {
		ev := NewEvent(events.AgentStreamDelta, "01J0B", map[string]any{"seq": i})
		if err := b.Publish(ctx, "flow.run.01J0B", ev); err != nil {
			t.Fatal(err)
		}
	}
	// Let the publisher side settle before draining.
	time.Sleep(50 * time.Millisecond)

	var got []*Event
	var droppedN int
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == events.EventsDropped {
				droppedN += ev.Data["dropped_n"].(int)
				continue
			}
			got = append(got, ev)
			if len(got) == total-droppedN {
				break drain
			}
		case <-deadline:
			break drain
		}
	}

	if droppedN == 0 {
		t.Fatal("expected an events_dropped marker")
	}
	if len(got)+droppedN != total {
		t.Fatalf("events lost without accounting: got %d + dropped %d != %d", len(got), droppedN, total)
	}
	// Survivors stay in order, and the newest event always survives.
	last := -1
	for _, ev := range got {
		seq := ev.Data["seq"].(int)
		if seq <= last {
			t.Fatalf("survivors out of order: %d after %d", seq, last)
		}
		last = seq
	}
	if last != total-1 {
		t.Errorf("newest event dropped: last survivor %d", last)
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "hub.notifications", WithQueueSize(2))
	if err != nil {
		t.Fatal(err)
	}
	defer slow.Unsubscribe()
	fast, err := b.Subscribe(ctx, "hub.notifications")
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = b.Publish(ctx, "hub.notifications", NewEvent(events.TicketsChanged, "", map[string]any{"i": i}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The fast subscriber sees everything.
	for i := 0; i < 100; i++ {
		ev := recvEvent(t, fast)
		if ev.Type == events.EventsDropped {
			t.Fatalf("fast subscriber dropped events at %d", i)
		}
	}
}

func TestMemoryBus_UnsubscribeIdempotentAndClosesChannel(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "pma.web")
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}

	// Publishing after unsubscribe must not reach the old subscription.
	if err := b.Publish(context.Background(), "pma.web", NewEvent(events.PMADelivery, "", nil)); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryBus_ContextCancelUnsubscribes(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "flow.run.01J0C")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("context cancel did not close the subscription")
	}
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	b.Close()
	err := b.Publish(context.Background(), "x", NewEvent("t", "", nil))
	if err == nil {
		t.Fatal("expected error publishing to a closed bus")
	}
	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}
}

func TestCompilePattern(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"flow.run.*", "flow.run.abc", true},
		{"flow.run.*", "flow.run.a.b", false},
		{"flow.>", "flow.run.a.b", true},
		{"flow.>", "flow", false},
		{"hub.notifications", "hub.notifications", true},
		{"hub.notifications", "hub.other", false},
	}
	for _, tc := range cases {
		got := matches(tc.subject, tc.pattern, compilePattern(tc.pattern))
		if got != tc.match {
			t.Errorf("matches(%q, %q) = %v, want %v", tc.subject, tc.pattern, got, tc.match)
		}
	}
}

func BenchmarkMemoryBusPublish(b *testing.B) {
	bus := NewMemoryEventBus(newTestLogger())
	defer bus.Close()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		sub, _ := bus.Subscribe(ctx, fmt.Sprintf("flow.run.%d", i))
		defer sub.Unsubscribe()
	}
	ev := NewEvent(events.AgentStreamDelta, "bench", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Publish(ctx, "flow.run.3", ev)
	}
}
