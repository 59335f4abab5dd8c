package delivery

import "sync"

const outboxLRUSize = 1024

// outboxLRU remembers recently sent outbox ids so a retried Send with the
// same id is a no-op. Only successful sends are remembered; a failed send
// stays retryable.
type outboxLRU struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newOutboxLRU(capacity int) *outboxLRU {
	return &outboxLRU{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

func (l *outboxLRU) contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

func (l *outboxLRU) remember(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)
	for len(l.order) > l.cap {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
}
