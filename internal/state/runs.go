package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

const runFileVersion = 1

// Run statuses. Terminal statuses are irreversible.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunPaused    = "paused"
	RunStopping  = "stopping"
	RunStopped   = "stopped"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Flow types. TicketFlow is the canonical one.
const TicketFlow = "ticket_flow"

// FlowRun is the persisted record of one flow invocation, stored at
// flows/<run_id>/run.json under the repo's state dir.
type FlowRun struct {
	Version      int        `json:"version"`
	RunID        string     `json:"run_id"`
	FlowType     string     `json:"flow_type"`
	RepoID       string     `json:"repo_id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	State        RunState   `json:"state"`
}

// RunState is the flow-type-specific state blob.
type RunState struct {
	TicketEngine *TicketEngineState `json:"ticket_engine,omitempty"`
}

// TicketEngineState tracks the ticket engine's progress within a run.
type TicketEngineState struct {
	CurrentTicket string            `json:"current_ticket,omitempty"`
	TicketTurns   int               `json:"ticket_turns"`
	TotalTurns    int               `json:"total_turns"`
	Reason        string            `json:"reason,omitempty"`
	ReasonDetails string            `json:"reason_details,omitempty"`
	TicketErrors  map[string]string `json:"ticket_errors,omitempty"`
}

// TerminalStatus reports whether a status ends a run.
func TerminalStatus(status string) bool {
	switch status {
	case RunStopped, RunCompleted, RunFailed:
		return true
	}
	return false
}

// ActiveStatus reports whether a run still holds the repo+flow slot.
func ActiveStatus(status string) bool {
	return !TerminalStatus(status)
}

func runDir(runID string) string {
	return filepath.Join("flows", runID)
}

func runFile(runID string) string {
	return filepath.Join(runDir(runID), "run.json")
}

// CreateRun persists a new run record. The run directory must not exist yet.
func (s *Store) CreateRun(run *FlowRun) error {
	if run.RunID == "" {
		return errs.PreconditionFailed("run_id is required")
	}
	abs, err := s.Resolve(runFile(run.RunID))
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return errs.PreconditionFailed("run %s already exists", run.RunID)
	}
	run.Version = runFileVersion
	return s.writeJSON(runFile(run.RunID), run)
}

// SaveRun rewrites a run record atomically.
func (s *Store) SaveRun(run *FlowRun) error {
	run.Version = runFileVersion
	return s.writeJSON(runFile(run.RunID), run)
}

// LoadRun reads one run record. Legacy records without a version field are
// upgraded on read; a record that cannot be parsed is FileCorrupt.
func (s *Store) LoadRun(runID string) (*FlowRun, error) {
	var run FlowRun
	if err := s.readJSON(runFile(runID), &run); err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil, errs.NotFound("run %s", runID)
		}
		return nil, err
	}
	if run.Version == 0 {
		upgradeRunV0(&run)
	}
	return &run, nil
}

// upgradeRunV0 fills fields that legacy records lack. Readers never write
// the stale version back; the next SaveRun persists the current one.
func upgradeRunV0(run *FlowRun) {
	run.Version = runFileVersion
	if run.FlowType == "" {
		run.FlowType = TicketFlow
	}
	if run.Status == "" {
		run.Status = RunFailed
	}
	if run.State.TicketEngine == nil && run.FlowType == TicketFlow {
		run.State.TicketEngine = &TicketEngineState{}
	}
}

// ListRuns returns the repo's runs for a flow type, newest first. Run ids are
// ULIDs, so lexical order is creation order. An empty flowType lists all.
func (s *Store) ListRuns(flowType string) ([]*FlowRun, error) {
	flowsAbs, err := s.Resolve("flows")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(flowsAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Internal("read flows dir", err)
	}

	var runs []*FlowRun
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.LoadRun(e.Name())
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		if flowType != "" && run.FlowType != flowType {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID > runs[j].RunID })
	return runs, nil
}

// ActiveRun returns the repo's non-terminal run for a flow type, or nil.
func (s *Store) ActiveRun(flowType string) (*FlowRun, error) {
	runs, err := s.ListRuns(flowType)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if ActiveStatus(run.Status) {
			return run, nil
		}
	}
	return nil, nil
}

// RunEvidence is the hub-level audit record written on terminal transitions.
type RunEvidence struct {
	RunID      string    `json:"run_id"`
	FlowType   string    `json:"flow_type"`
	RepoID     string    `json:"repo_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	TotalTurns int       `json:"total_turns,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// AppendRunEvidence writes an evidence record under the hub runs/ directory
// and returns its absolute path.
func (s *Store) AppendRunEvidence(ev RunEvidence) (string, error) {
	if ev.FinishedAt.IsZero() {
		ev.FinishedAt = time.Now().UTC()
	}
	name := fmt.Sprintf("%s_%s.json", ev.FinishedAt.UTC().Format("20060102T150405Z"), ev.RunID)
	rel := filepath.Join("runs", name)
	if err := s.writeJSON(rel, ev); err != nil {
		return "", err
	}
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// FindRunEvidence returns the absolute path of a run's evidence record.
// NotFound until a terminal transition has written one.
func (s *Store) FindRunEvidence(runID string) (string, error) {
	dirAbs, err := s.Resolve("runs")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFound("evidence for run %s", runID)
		}
		return "", errs.Internal("read runs dir", err)
	}
	suffix := "_" + runID + ".json"
	for i := len(entries) - 1; i >= 0; i-- {
		if strings.HasSuffix(entries[i].Name(), suffix) {
			return filepath.Join(dirAbs, entries[i].Name()), nil
		}
	}
	return "", errs.NotFound("evidence for run %s", runID)
}
