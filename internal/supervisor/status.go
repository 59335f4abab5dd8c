package supervisor

import (
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
)

// statusTracker feeds PTY output into a virtual terminal and derives the
// session's activity status from the visible screen. Checks are debounced to
// the configured interval so a chatty agent does not re-render constantly.
type statusTracker struct {
	logger    *logger.Logger
	sessionID string
	interval  time.Duration
	onChange  func(sessionID, status string)

	mu        sync.Mutex
	term      vt10x.Terminal
	rows      int
	cols      int
	lastCheck time.Time
	status    string
}

func newStatusTracker(sessionID string, cols, rows int, interval time.Duration, onChange func(string, string), log *logger.Logger) *statusTracker {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &statusTracker{
		logger:    log.WithFields(zap.String("component", "status-tracker"), zap.String("session_id", sessionID)),
		sessionID: sessionID,
		interval:  interval,
		onChange:  onChange,
		term:      vt10x.New(vt10x.WithSize(cols, rows)),
		rows:      rows,
		cols:      cols,
		status:    PTYStatusIdle,
	}
}

// Write feeds raw PTY output into the virtual terminal.
func (t *statusTracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
}

// Resize keeps the virtual terminal in step with the real one.
func (t *statusTracker) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cols = cols
	t.rows = rows
}

// ShouldCheck reports whether the debounce interval has elapsed.
func (t *statusTracker) ShouldCheck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastCheck) >= t.interval
}

// CheckAndUpdate derives the status from the visible screen and fires the
// change callback when it moved. Returns the current status.
func (t *statusTracker) CheckAndUpdate() string {
	t.mu.Lock()
	t.lastCheck = time.Now()
	lines := t.visibleLines()
	next := deriveStatus(lines)
	changed := next != t.status
	if changed {
		t.logger.Debug("pty status changed",
			zap.String("old", t.status),
			zap.String("new", next))
		t.status = next
	}
	current := t.status
	cb := t.onChange
	t.mu.Unlock()

	if changed && cb != nil {
		cb(t.sessionID, current)
	}
	return current
}

// Current returns the last derived status.
func (t *statusTracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *statusTracker) visibleLines() []string {
	lines := make([]string, t.rows)
	for row := 0; row < t.rows; row++ {
		chars := make([]rune, 0, t.cols)
		for col := 0; col < t.cols; col++ {
			g := t.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}

var busyMarkers = []string{
	"esc to interrupt",
	"working",
	"thinking",
	"running",
	"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
}

var waitingMarkers = []string{
	"(y/n)",
	"[y/n]",
	"press enter",
	"approve",
	"continue?",
}

// deriveStatus inspects the visible lines bottom-up. Busy markers win over
// prompt shapes: an agent reporting progress often leaves a prompt row on
// screen.
func deriveStatus(lines []string) string {
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			last = s
			break
		}
	}
	if last == "" {
		return PTYStatusIdle
	}

	lower := strings.ToLower(last)
	for _, m := range busyMarkers {
		if strings.Contains(lower, m) {
			return PTYStatusBusy
		}
	}
	for _, m := range waitingMarkers {
		if strings.Contains(lower, m) {
			return PTYStatusWaitingInput
		}
	}
	if strings.HasSuffix(last, "?") {
		return PTYStatusWaitingInput
	}
	switch last[len(last)-1] {
	case '$', '#', ':', '>':
		return PTYStatusWaitingInput
	}
	if strings.HasSuffix(last, "❯") {
		return PTYStatusWaitingInput
	}
	return PTYStatusIdle
}
