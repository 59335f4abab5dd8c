package flows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
)

func TestWatchTickets_DebouncedNotification(t *testing.T) {
	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	dir := t.TempDir()
	sub, err := eventBus.Subscribe(context.Background(), events.SubjectHubNotifications)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	w, err := WatchTickets("r1", dir, eventBus, log)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// A quick burst of writes should settle into notifications, and the
	// first one only after the debounce window.
	for i := 1; i <= 3; i++ {
		name := filepath.Join(dir, fmt.Sprintf("TICKET-%03d.md", i))
		if err := os.WriteFile(name, []byte("---\ntitle: t\n---\nbody"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-sub.C():
		if ev.Type != events.TicketsChanged {
			t.Fatalf("unexpected event type %s", ev.Type)
		}
		if ev.Data["repo_id"] != "r1" {
			t.Fatalf("unexpected repo_id %v", ev.Data["repo_id"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tickets_changed notification")
	}
}

func TestWatchTickets_CloseStopsLoop(t *testing.T) {
	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	dir := t.TempDir()
	w, err := WatchTickets("r1", dir, eventBus, log)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	w.Close()
	// Close twice must not panic or hang.
	w.Close()

	select {
	case <-w.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher loop did not exit")
	}
}
