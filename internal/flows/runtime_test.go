package flows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/state"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func testFlowConfig() config.FlowConfig {
	return config.FlowConfig{TurnCap: 3, StopTimeout: 1, TurnTimeout: 5}
}

type sessionFunc func(ctx context.Context, repoID, agent, model string) (agentTurns, error)

func (f sessionFunc) Open(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
	return f(ctx, repoID, agent, model)
}

// scriptedSession answers each turn with the events its script returns for
// that turn number, counting turns across the session's lifetime.
type scriptedSession struct {
	mu     sync.Mutex
	turn   int
	script func(turn int, req supervisor.TurnRequest) []supervisor.TurnEvent
}

func (s *scriptedSession) StartTurn(ctx context.Context, req supervisor.TurnRequest) (<-chan supervisor.TurnEvent, error) {
	s.mu.Lock()
	s.turn++
	n := s.turn
	s.mu.Unlock()

	ch := make(chan supervisor.TurnEvent, 16)
	go func() {
		defer close(ch)
		for _, ev := range s.script(n, req) {
			ev.ClientTurnID = req.ClientTurnID
			ch <- ev
		}
	}()
	return ch, nil
}

func (s *scriptedSession) Interrupt(ctx context.Context) error { return nil }

func (s *scriptedSession) turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// blockingSession parks every turn until Interrupt releases it, or forever
// when cooperative is false.
type blockingSession struct {
	cooperative bool
	release     chan struct{}
	once        sync.Once
}

func newBlockingSession(cooperative bool) *blockingSession {
	return &blockingSession{cooperative: cooperative, release: make(chan struct{})}
}

func (s *blockingSession) StartTurn(ctx context.Context, req supervisor.TurnRequest) (<-chan supervisor.TurnEvent, error) {
	ch := make(chan supervisor.TurnEvent, 1)
	go func() {
		defer close(ch)
		<-s.release
		ch <- supervisor.TurnEvent{Type: supervisor.TurnEventInterrupted, Time: time.Now().UTC()}
	}()
	return ch, nil
}

func (s *blockingSession) Interrupt(ctx context.Context) error {
	if s.cooperative {
		s.unblock()
	}
	return nil
}

func (s *blockingSession) unblock() {
	s.once.Do(func() { close(s.release) })
}

type testRig struct {
	rt      *Runtime
	hub     *state.Store
	repo    *state.Store
	repoDir string
	bus     *bus.MemoryEventBus
}

func newTestRig(t *testing.T, open sessionFunc) *testRig {
	t.Helper()
	log := newTestLogger()

	hub, err := state.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open hub store: %v", err)
	}
	repoDir := t.TempDir()
	repo, err := state.Open(repoDir, log)
	if err != nil {
		t.Fatalf("open repo store: %v", err)
	}
	if err := hub.UpsertRepo(state.RepoEntry{RepoID: "r1", Path: repoDir, Kind: state.RepoKindBase}); err != nil {
		t.Fatalf("upsert repo: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	rt := New(hub, nil, eventBus, testFlowConfig(), nil, log)
	if open != nil {
		rt.sessions = open
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return &testRig{rt: rt, hub: hub, repo: repo, repoDir: repoDir, bus: eventBus}
}

func (r *testRig) writeTicket(t *testing.T, index int, title, body string) string {
	t.Helper()
	dir, err := r.repo.TicketsDir()
	if err != nil {
		t.Fatal(err)
	}
	name := fmt.Sprintf("TICKET-%03d.md", index)
	content := fmt.Sprintf("---\ntitle: %s\ndone: false\n---\n\n%s\n", title, body)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return name
}

func (r *testRig) waitStatus(t *testing.T, runID string, statuses ...string) *state.FlowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := r.repo.LoadRun(runID)
		if err != nil {
			t.Fatalf("load run: %v", err)
		}
		for _, want := range statuses {
			if run.Status == want {
				return run
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := r.repo.LoadRun(runID)
	t.Fatalf("run %s never reached %v, last status %s", runID, statuses, run.Status)
	return nil
}

func completeReply(summary string) string {
	return "Done with the change.\n\n```json\n" +
		fmt.Sprintf(`{"ticket_complete": true, "summary": %q}`, summary) +
		"\n```\n"
}

func progressReply() string {
	return "Still working.\n\n```json\n{\"ticket_complete\": false}\n```\n"
}

func handoffReplyMsg(complete bool, mode, title, body string) string {
	return fmt.Sprintf("Checkpoint.\n\n```json\n{\"ticket_complete\": %t, \"handoff\": {\"mode\": %q, \"title\": %q, \"body\": %q}}\n```\n",
		complete, mode, title, body)
}

func alwaysComplete() sessionFunc {
	return func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return &scriptedSession{script: func(turn int, req supervisor.TurnRequest) []supervisor.TurnEvent {
			return []supervisor.TurnEvent{
				{Type: supervisor.TurnEventToken, Text: "editing files\n"},
				{Type: supervisor.TurnEventDone, FinalMessage: completeReply("ticket finished")},
			}
		}}, nil
	}
}

func TestBootstrap_RunsEveryTicketToCompletion(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Add parser", "Implement the parser.")
	rig.writeTicket(t, 2, "Add encoder", "Implement the encoder.")

	run, hint, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if hint != "" {
		t.Fatalf("unexpected hint %q", hint)
	}

	final := rig.waitStatus(t, run.RunID, state.RunCompleted)
	if final.State.TicketEngine.TotalTurns != 2 {
		t.Fatalf("expected 2 turns, got %d", final.State.TicketEngine.TotalTurns)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", final.ExitCode)
	}

	tickets, _, err := rig.repo.ListTickets()
	if err != nil {
		t.Fatal(err)
	}
	for _, tk := range tickets {
		if !tk.Done {
			t.Fatalf("ticket %s not marked done", tk.Name)
		}
	}
}

func TestBootstrap_ConcurrentCallersShareOneRun(t *testing.T) {
	// Sessions that never finish keep the run active while callers race.
	sess := newBlockingSession(true)
	rig := newTestRig(t, func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return sess, nil
	})
	rig.writeTicket(t, 1, "Long task", "Keep going.")

	const callers = 8
	type result struct {
		runID string
		hint  string
		err   error
	}
	results := make(chan result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, hint, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{runID: run.RunID, hint: hint}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	fresh := 0
	for res := range results {
		if res.err != nil {
			t.Fatalf("bootstrap: %v", res.err)
		}
		ids[res.runID] = true
		if res.hint == "" {
			fresh++
		} else if res.hint != HintActiveRunReused {
			t.Fatalf("unexpected hint %q", res.hint)
		}
	}
	if len(ids) != 1 {
		t.Fatalf("expected one run id, got %v", ids)
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh bootstrap, got %d", fresh)
	}

	var runID string
	for id := range ids {
		runID = id
	}
	if err := rig.rt.Stop(context.Background(), runID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rig.waitStatus(t, runID, state.RunStopped, state.RunFailed)
}

func TestBootstrap_NoTicketsFails(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	_, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
}

func TestBootstrap_UnknownRepoFails(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	_, _, err := rig.rt.Bootstrap(context.Background(), "ghost", state.TicketFlow)
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestBootstrap_DestinationUnavailableFailsRun(t *testing.T) {
	rig := newTestRig(t, func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return nil, errs.DestinationUnavailable("docker daemon unreachable", nil)
	})
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	final := rig.waitStatus(t, run.RunID, state.RunFailed)
	if final.State.TicketEngine.Reason != "destination_unavailable" {
		t.Fatalf("expected destination_unavailable, got %q", final.State.TicketEngine.Reason)
	}
	if final.ExitCode == nil || *final.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %v", final.ExitCode)
	}
}

func TestStop_CooperativeInterruptStopsRun(t *testing.T) {
	sess := newBlockingSession(true)
	rig := newTestRig(t, func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return sess, nil
	})
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunRunning)

	if err := rig.rt.Stop(context.Background(), run.RunID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	final := rig.waitStatus(t, run.RunID, state.RunStopped)
	if final.State.TicketEngine.Reason != "stop requested" {
		t.Fatalf("unexpected reason %q", final.State.TicketEngine.Reason)
	}
}

func TestStop_DeadlineEscalatesToFailed(t *testing.T) {
	sess := newBlockingSession(false)
	defer sess.unblock()
	rig := newTestRig(t, func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return sess, nil
	})
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunRunning)

	if err := rig.rt.Stop(context.Background(), run.RunID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	final := rig.waitStatus(t, run.RunID, state.RunFailed)
	if final.State.TicketEngine.Reason != "stop_timeout" {
		t.Fatalf("expected stop_timeout, got %q", final.State.TicketEngine.Reason)
	}
}

func TestStop_TerminalRunFails(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunCompleted)

	if err := rig.rt.Stop(context.Background(), run.RunID); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
}

func TestPauseHandoffAndResume(t *testing.T) {
	// Turn 1 pauses for operator input, turn 2 finishes the ticket. The
	// session is shared so the turn counter survives the resume reopen.
	sess := &scriptedSession{script: func(turn int, req supervisor.TurnRequest) []supervisor.TurnEvent {
		if turn == 1 {
			return []supervisor.TurnEvent{{
				Type:         supervisor.TurnEventDone,
				FinalMessage: handoffReplyMsg(false, "pause", "Need credentials", "Set the API key before I continue."),
			}}
		}
		return []supervisor.TurnEvent{{
			Type:         supervisor.TurnEventDone,
			FinalMessage: completeReply("finished after resume"),
		}}
	}}
	rig := newTestRig(t, func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return sess, nil
	})
	rig.writeTicket(t, 1, "Deploy", "Ship it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	paused := rig.waitStatus(t, run.RunID, state.RunPaused)
	if paused.FinishedAt != nil {
		t.Fatal("paused run must not be finished")
	}

	handoffs, err := rig.repo.ListHandoffs(run.RunID)
	if err != nil {
		t.Fatalf("list handoffs: %v", err)
	}
	if len(handoffs) != 1 || handoffs[0].Mode != state.HandoffPause {
		t.Fatalf("expected one pause handoff, got %+v", handoffs)
	}
	if handoffs[0].Seq != 1 {
		t.Fatalf("expected seq 1, got %d", handoffs[0].Seq)
	}

	resumed, err := rig.rt.Resume(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RunID != run.RunID {
		t.Fatalf("resume changed run id: %s vs %s", resumed.RunID, run.RunID)
	}
	rig.waitStatus(t, run.RunID, state.RunCompleted)
}

func TestResume_OnlyFromPaused(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunCompleted)

	if _, err := rig.rt.Resume(context.Background(), run.RunID); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
	if _, err := rig.rt.Resume(context.Background(), "01JMISSINGRUN0000000000000"); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestArchive_MovesTicketsForTerminalRun(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task A", "Do A.")
	rig.writeTicket(t, 2, "Task B", "Do B.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunCompleted)

	moved, err := rig.rt.Archive(context.Background(), run.RunID, false)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 tickets moved, got %d", moved)
	}
	tickets, _, err := rig.repo.ListTickets()
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 0 {
		t.Fatalf("tickets dir not empty after archive: %v", tickets)
	}
}

func TestArchive_ActiveRunNeedsForce(t *testing.T) {
	sess := newBlockingSession(true)
	rig := newTestRig(t, func(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
		return sess, nil
	})
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunRunning)

	if _, err := rig.rt.Archive(context.Background(), run.RunID, false); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
	if _, err := rig.rt.Archive(context.Background(), run.RunID, true); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("running runs cannot be force archived, got %v", err)
	}
}

func TestRuns_ListsNewestFirstAcrossRepos(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task", "Do it.")

	first, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, first.RunID, state.RunCompleted)

	rig.writeTicket(t, 2, "Task 2", "Do more.")
	second, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap second: %v", err)
	}
	rig.waitStatus(t, second.RunID, state.RunCompleted)

	runs, err := rig.rt.Runs(state.TicketFlow)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != second.RunID || runs[1].RunID != first.RunID {
		t.Fatalf("runs not newest first: %s, %s", runs[0].RunID, runs[1].RunID)
	}
}

func TestFindRun_SurvivesRestart(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunCompleted)

	// A fresh runtime has an empty index and must fall back to the manifest
	// scan.
	fresh := New(rig.hub, nil, rig.bus, testFlowConfig(), nil, newTestLogger())
	got, err := fresh.Run(run.RunID)
	if err != nil {
		t.Fatalf("run lookup after restart: %v", err)
	}
	if got.RunID != run.RunID || got.Status != state.RunCompleted {
		t.Fatalf("unexpected run %+v", got)
	}
}

func TestRunEventStream_OrderedWithStreamEnd(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task", "Do it.")

	sub, err := rig.bus.Subscribe(context.Background(), events.SubjectAllRuns)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	var types []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.RunID != run.RunID {
				continue
			}
			types = append(types, ev.Type)
			if ev.Type == events.StreamEnd {
				goto done
			}
		case <-deadline:
			t.Fatalf("no stream_end, saw %v", types)
		}
	}
done:
	want := []string{
		events.FlowStarted,
		events.StepStarted,
		events.AgentStreamDelta,
		events.FlowCompleted,
		events.StreamEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("event sequence %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, types[i], want[i], types)
		}
	}
}

func TestHubEvidenceWrittenOnTerminal(t *testing.T) {
	rig := newTestRig(t, alwaysComplete())
	rig.writeTicket(t, 1, "Task", "Do it.")

	run, _, err := rig.rt.Bootstrap(context.Background(), "r1", state.TicketFlow)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rig.waitStatus(t, run.RunID, state.RunCompleted)

	deadline := time.Now().Add(5 * time.Second)
	for {
		dir, err := rig.hub.Resolve("runs")
		if err != nil {
			t.Fatal(err)
		}
		entries, _ := os.ReadDir(dir)
		found := false
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
				found = true
			}
		}
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no evidence file written under hub runs/")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
