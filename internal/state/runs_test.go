package state

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

func testRun(runID, status string) *FlowRun {
	return &FlowRun{
		RunID:     runID,
		FlowType:  TicketFlow,
		RepoID:    "repo-a",
		Status:    status,
		StartedAt: time.Now().UTC(),
		State:     RunState{TicketEngine: &TicketEngineState{}},
	}
}

func TestCreateRun_DuplicateFails(t *testing.T) {
	s := newTestStore(t)
	run := testRun("01J0DUP", RunPending)
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateRun(run); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
}

func TestLoadRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadRun("01J0MISSING"); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestLoadRun_UpgradesV0(t *testing.T) {
	s := newTestStore(t)
	abs, err := s.Resolve(runFile("01J0LEGACY"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(strings.TrimSuffix(abs, "/run.json"), 0755); err != nil {
		t.Fatal(err)
	}
	legacy := []byte(`{"run_id":"01J0LEGACY","repo_id":"repo-a","status":"running"}`)
	if err := os.WriteFile(abs, legacy, 0644); err != nil {
		t.Fatal(err)
	}

	run, err := s.LoadRun("01J0LEGACY")
	if err != nil {
		t.Fatalf("load legacy: %v", err)
	}
	if run.Version != runFileVersion {
		t.Errorf("expected version %d, got %d", runFileVersion, run.Version)
	}
	if run.FlowType != TicketFlow {
		t.Errorf("expected flow type default, got %q", run.FlowType)
	}
	if run.State.TicketEngine == nil {
		t.Error("ticket engine state not seeded")
	}
}

func TestLoadRun_Corrupt(t *testing.T) {
	s := newTestStore(t)
	abs, err := s.Resolve(runFile("01J0BAD"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(strings.TrimSuffix(abs, "/run.json"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("}{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadRun("01J0BAD"); !errs.IsKind(err, errs.KindFileCorrupt) {
		t.Fatalf("expected file_corrupt, got %v", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"01J0AAA", "01J0BBB", "01J0CCC"} {
		if err := s.CreateRun(testRun(id, RunCompleted)); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(TicketFlow)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	want := []string{"01J0CCC", "01J0BBB", "01J0AAA"}
	for i := range want {
		if runs[i].RunID != want[i] {
			t.Errorf("run %d: got %s, want %s", i, runs[i].RunID, want[i])
		}
	}
}

func TestActiveRun(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateRun(testRun("01J0DONE", RunCompleted)); err != nil {
		t.Fatal(err)
	}
	active, err := s.ActiveRun(TicketFlow)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("expected no active run, got %+v", active)
	}

	if err := s.CreateRun(testRun("01J0LIVE", RunRunning)); err != nil {
		t.Fatal(err)
	}
	active, err = s.ActiveRun(TicketFlow)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.RunID != "01J0LIVE" {
		t.Fatalf("expected 01J0LIVE active, got %+v", active)
	}
}

func TestAppendRunEvidence(t *testing.T) {
	s := newTestStore(t)
	path, err := s.AppendRunEvidence(RunEvidence{
		RunID:    "01J0EV",
		FlowType: TicketFlow,
		RepoID:   "repo-a",
		Status:   RunCompleted,
	})
	if err != nil {
		t.Fatalf("append evidence: %v", err)
	}
	if !strings.Contains(path, "/runs/") || !strings.HasSuffix(path, "_01J0EV.json") {
		t.Errorf("unexpected evidence path %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("evidence file missing: %v", err)
	}
}
