package state

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

// Handoff modes.
const (
	HandoffNotify  = "notify"
	HandoffPause   = "pause"
	HandoffResolve = "resolve"
)

var handoffNameRe = regexp.MustCompile(`^(\d+)\.json$`)

// HandoffDispatch is a user-visible notice the agent emitted during a run,
// stored as flows/<run_id>/handoffs/<seq>.json.
type HandoffDispatch struct {
	Seq         int       `json:"seq"`
	Mode        string    `json:"mode"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidHandoffMode reports whether mode is one of notify, pause, resolve.
func ValidHandoffMode(mode string) bool {
	switch mode {
	case HandoffNotify, HandoffPause, HandoffResolve:
		return true
	}
	return false
}

func handoffsDir(runID string) string {
	return filepath.Join(runDir(runID), "handoffs")
}

// AppendHandoff assigns the next dense seq (starting at 1) and persists the
// handoff. Seq assignment and the write happen under the run's handoff lock,
// so concurrent appends never leave gaps or collide.
func (s *Store) AppendHandoff(runID string, h HandoffDispatch) (int, error) {
	if !ValidHandoffMode(h.Mode) {
		return 0, errs.PreconditionFailed("invalid handoff mode %q", h.Mode)
	}
	dirAbs, err := s.Resolve(handoffsDir(runID))
	if err != nil {
		return 0, err
	}

	unlock := s.lockPath(dirAbs)
	defer unlock()

	if err := os.MkdirAll(dirAbs, 0755); err != nil {
		return 0, errs.Internal("create handoffs dir", err)
	}
	next, err := nextHandoffSeq(dirAbs)
	if err != nil {
		return 0, err
	}

	h.Seq = next
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	rel := filepath.Join(handoffsDir(runID), fmt.Sprintf("%d.json", next))
	if err := s.writeJSON(rel, h); err != nil {
		return 0, err
	}
	return next, nil
}

func nextHandoffSeq(dirAbs string) (int, error) {
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		return 0, errs.Internal("read handoffs dir", err)
	}
	max := 0
	for _, e := range entries {
		m := handoffNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// ListHandoffs returns a run's handoffs ordered by seq.
func (s *Store) ListHandoffs(runID string) ([]HandoffDispatch, error) {
	dirAbs, err := s.Resolve(handoffsDir(runID))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Internal("read handoffs dir", err)
	}

	var out []HandoffDispatch
	for _, e := range entries {
		if handoffNameRe.FindStringSubmatch(e.Name()) == nil {
			continue
		}
		var h HandoffDispatch
		if err := s.readJSON(filepath.Join(handoffsDir(runID), e.Name()), &h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
