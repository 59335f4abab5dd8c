package flows

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
)

// Debounce duration - wait this long after the last file change before
// notifying, so editors writing several files emit one event.
const ticketsDebounce = 300 * time.Millisecond

// TicketsWatcher publishes tickets_changed hub notifications when a repo's
// tickets directory changes on disk.
type TicketsWatcher struct {
	repoID  string
	watcher *fsnotify.Watcher
	bus     bus.EventBus
	logger  *logger.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// WatchTickets starts watching dir for the given repo.
func WatchTickets(repoID, dir string, eventBus bus.EventBus, log *logger.Logger) (*TicketsWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &TicketsWatcher{
		repoID:  repoID,
		watcher: fsw,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("repo_id", repoID)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *TicketsWatcher) loop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	var pending bool

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Permission changes don't affect ticket content and tools like
			// git touch them constantly.
			if event.Op == fsnotify.Chmod {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(ticketsDebounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(ticketsDebounce)
			}
			pending = true
		case <-func() <-chan time.Time {
			if debounceTimer != nil {
				return debounceTimer.C
			}
			return nil
		}():
			if pending {
				w.notify()
				pending = false
			}
			debounceTimer = nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("tickets watcher error", zap.Error(err))
		}
	}
}

func (w *TicketsWatcher) notify() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := bus.NewEvent(events.TicketsChanged, "", map[string]any{"repo_id": w.repoID})
	if err := w.bus.Publish(ctx, events.SubjectHubNotifications, ev); err != nil {
		w.logger.Warn("publish tickets_changed", zap.Error(err))
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *TicketsWatcher) Close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		<-w.doneCh
	})
}
