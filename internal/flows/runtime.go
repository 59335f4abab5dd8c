// Package flows owns flow runs: bootstrap, the ticket engine loop, pause and
// resume, cooperative stop with a hard deadline, and archiving. One engine
// goroutine per active run is the only writer of that run's state.
package flows

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/state"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

// HintActiveRunReused is returned by Bootstrap when the repo already holds
// an active run for the flow type.
const HintActiveRunReused = "active_run_reused"

// agentTurns is the slice of a supervisor session the engine drives.
type agentTurns interface {
	StartTurn(ctx context.Context, req supervisor.TurnRequest) (<-chan supervisor.TurnEvent, error)
	Interrupt(ctx context.Context) error
}

// sessionOpener opens or reuses the agent session for a repo.
type sessionOpener interface {
	Open(ctx context.Context, repoID, agent, model string) (agentTurns, error)
}

type supervisorSessions struct {
	sup *supervisor.Supervisor
}

func (s supervisorSessions) Open(ctx context.Context, repoID, agent, model string) (agentTurns, error) {
	sess, err := s.sup.OpenAppServerSession(ctx, repoID, agent, model)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Dispatcher forwards hub dispatches produced by handoffs to the PMA
// delivery targets. mirrorStore and runID identify the originating run so
// chat deliveries can land in its outbound mirror. Nil disables forwarding;
// the dispatch file still lands on disk.
type Dispatcher interface {
	DeliverDispatch(ctx context.Context, d *state.Dispatch, mirrorStore *state.Store, runID string)
}

// Runtime manages every flow run across the hub's repos.
type Runtime struct {
	hub        *state.Store
	sessions   sessionOpener
	bus        bus.EventBus
	cfg        config.FlowConfig
	dispatcher Dispatcher
	logger     *logger.Logger

	slots sync.Map // repoID/flowType -> *sync.Mutex

	mu         sync.Mutex
	repoStores map[string]*state.Store
	runIndex   map[string]string // runID -> repoID
	engines    map[string]*engine
	watchers   map[string]*TicketsWatcher
}

// New builds the runtime. dispatcher may be nil.
func New(hub *state.Store, sup *supervisor.Supervisor, eventBus bus.EventBus, cfg config.FlowConfig, dispatcher Dispatcher, log *logger.Logger) *Runtime {
	return &Runtime{
		hub:        hub,
		sessions:   supervisorSessions{sup: sup},
		bus:        eventBus,
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "flow-runtime")),
		repoStores: make(map[string]*state.Store),
		runIndex:   make(map[string]string),
		engines:    make(map[string]*engine),
		watchers:   make(map[string]*TicketsWatcher),
	}
}

func (r *Runtime) repoStore(repoID string) (*state.Store, error) {
	r.mu.Lock()
	if s, ok := r.repoStores[repoID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	repo, err := r.hub.RepoByID(repoID)
	if err != nil {
		return nil, err
	}
	s, err := state.Open(repo.Path, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.repoStores[repoID]; ok {
		return existing, nil
	}
	r.repoStores[repoID] = s
	return s, nil
}

func (r *Runtime) slot(repoID, flowType string) *sync.Mutex {
	key := repoID + "/" + flowType
	actual, _ := r.slots.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Bootstrap starts a run for (repo, flow type), or returns the active one
// with hint active_run_reused. A repo with no pending tickets cannot start a
// ticket flow.
func (r *Runtime) Bootstrap(ctx context.Context, repoID, flowType string) (*state.FlowRun, string, error) {
	if flowType != state.TicketFlow {
		return nil, "", errs.PreconditionFailed("unknown flow type %q", flowType)
	}
	store, err := r.repoStore(repoID)
	if err != nil {
		return nil, "", err
	}

	lock := r.slot(repoID, flowType)
	lock.Lock()
	defer lock.Unlock()

	active, err := store.ActiveRun(flowType)
	if err != nil {
		return nil, "", err
	}
	if active != nil {
		r.rememberRun(active.RunID, repoID)
		return active, HintActiveRunReused, nil
	}

	tickets, _, err := store.ListTickets()
	if err != nil {
		return nil, "", err
	}
	if state.NextTicket(tickets, nil) == nil {
		return nil, "", errs.PreconditionFailed("repo %s has no pending tickets", repoID)
	}

	run := &state.FlowRun{
		RunID:     ulid.Make().String(),
		FlowType:  flowType,
		RepoID:    repoID,
		Status:    state.RunPending,
		StartedAt: time.Now().UTC(),
		State:     state.RunState{TicketEngine: &state.TicketEngineState{}},
	}
	if err := store.CreateRun(run); err != nil {
		return nil, "", err
	}
	r.rememberRun(run.RunID, repoID)
	snapshot := cloneRun(run)
	r.startEngine(store, run, false)

	r.logger.Info("run bootstrapped",
		zap.String("run_id", run.RunID),
		zap.String("repo_id", repoID),
		zap.String("flow_type", flowType))
	return snapshot, "", nil
}

// Resume restarts a paused run's engine under the same run id.
func (r *Runtime) Resume(ctx context.Context, runID string) (*state.FlowRun, error) {
	store, run, err := r.findRun(runID)
	if err != nil {
		return nil, err
	}

	lock := r.slot(run.RepoID, run.FlowType)
	lock.Lock()
	defer lock.Unlock()

	run, err = store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != state.RunPaused {
		return nil, errs.PreconditionFailed("run %s is %s, only paused runs resume", runID, run.Status)
	}
	snapshot := cloneRun(run)
	r.startEngine(store, run, true)
	return snapshot, nil
}

// Stop requests cooperative shutdown. With a live engine the in-flight turn
// is interrupted and a watchdog escalates to failed/stop_timeout past the
// deadline; a run without an engine is finalized as stopped directly.
func (r *Runtime) Stop(ctx context.Context, runID string) error {
	store, run, err := r.findRun(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	eng := r.engines[runID]
	r.mu.Unlock()

	if eng != nil {
		eng.requestStop()
		go r.stopWatchdog(eng)
		return nil
	}

	run, err = store.LoadRun(runID)
	if err != nil {
		return err
	}
	if state.TerminalStatus(run.Status) {
		return errs.PreconditionFailed("run %s is already %s", runID, run.Status)
	}
	r.finalizeOrphan(store, run, state.RunStopped, "stop requested")
	return nil
}

func (r *Runtime) stopWatchdog(eng *engine) {
	select {
	case <-eng.doneCh:
	case <-time.After(r.cfg.StopTimeoutDuration()):
		r.logger.Warn("stop deadline exceeded, forcing failure",
			zap.String("run_id", eng.run.RunID))
		eng.forceFail("stop_timeout", "engine did not stop within the deadline")
	}
}

// Archive moves the run's tickets into its tickets_archive directory.
// Allowed for terminal runs, and for paused or stopping runs with force,
// which are stopped first.
func (r *Runtime) Archive(ctx context.Context, runID string, force bool) (int, error) {
	store, run, err := r.findRun(runID)
	if err != nil {
		return 0, err
	}
	run, err = store.LoadRun(runID)
	if err != nil {
		return 0, err
	}

	if !state.TerminalStatus(run.Status) {
		if !force || (run.Status != state.RunPaused && run.Status != state.RunStopping) {
			return 0, errs.PreconditionFailed("run %s is %s, archive needs a terminal run or force on paused/stopping", runID, run.Status)
		}
		r.mu.Lock()
		eng := r.engines[runID]
		r.mu.Unlock()
		if eng != nil {
			eng.requestStop()
			select {
			case <-eng.doneCh:
			case <-time.After(r.cfg.StopTimeoutDuration()):
				eng.forceFail("stop_timeout", "engine did not stop before forced archive")
			}
		} else {
			r.finalizeOrphan(store, run, state.RunStopped, "archived")
		}
	}

	moved, err := store.ArchiveTickets(runID)
	if err != nil {
		return 0, err
	}
	r.publish(runID, events.FlowArchived, map[string]any{"tickets_moved": moved})
	r.logger.Info("run archived", zap.String("run_id", runID), zap.Int("tickets_moved", moved))
	return moved, nil
}

// Run returns one run record by id.
func (r *Runtime) Run(runID string) (*state.FlowRun, error) {
	store, _, err := r.findRun(runID)
	if err != nil {
		return nil, err
	}
	return store.LoadRun(runID)
}

// Runs lists runs across every manifest repo, newest first.
func (r *Runtime) Runs(flowType string) ([]*state.FlowRun, error) {
	m, err := r.hub.Manifest()
	if err != nil {
		return nil, err
	}
	var all []*state.FlowRun
	for _, repo := range m.Repos {
		store, err := r.repoStore(repo.RepoID)
		if err != nil {
			r.logger.Warn("skipping repo with unreadable store",
				zap.String("repo_id", repo.RepoID), zap.Error(err))
			continue
		}
		runs, err := store.ListRuns(flowType)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			r.rememberRun(run.RunID, repo.RepoID)
		}
		all = append(all, runs...)
	}
	sortRunsNewestFirst(all)
	return all, nil
}

// ActiveRunStore returns a repo's store and its active ticket flow run.
// The run is nil when none is active. Inbound chat uses this to mirror
// repo-addressed messages into the run they belong to.
func (r *Runtime) ActiveRunStore(repoID string) (*state.Store, *state.FlowRun, error) {
	store, err := r.repoStore(repoID)
	if err != nil {
		return nil, nil, err
	}
	run, err := store.ActiveRun(state.TicketFlow)
	if err != nil {
		return nil, nil, err
	}
	return store, run, nil
}

// Handoffs lists a run's handoff dispatches in seq order.
func (r *Runtime) Handoffs(runID string) ([]state.HandoffDispatch, error) {
	store, _, err := r.findRun(runID)
	if err != nil {
		return nil, err
	}
	return store.ListHandoffs(runID)
}

// LiveTail returns the live output ring of a running engine: recent token
// lines and classified events. ok is false when no engine is live.
func (r *Runtime) LiveTail(runID string) (lines, eventTitles []string, ok bool) {
	r.mu.Lock()
	eng := r.engines[runID]
	r.mu.Unlock()
	if eng == nil {
		return nil, nil, false
	}
	lines, eventTitles = eng.ring.snapshot()
	return lines, eventTitles, true
}

// WatchRepo starts the debounced tickets watcher for a repo. Watching the
// same repo twice is a no-op.
func (r *Runtime) WatchRepo(repoID string) error {
	r.mu.Lock()
	if _, ok := r.watchers[repoID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	store, err := r.repoStore(repoID)
	if err != nil {
		return err
	}
	dir, err := store.TicketsDir()
	if err != nil {
		return err
	}
	w, err := WatchTickets(repoID, dir, r.bus, r.logger)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watchers[repoID]; ok {
		w.Close()
		return nil
	}
	r.watchers[repoID] = w
	return nil
}

// Shutdown stops every live engine and watcher, waiting up to the stop
// deadline for engines to finish.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	engines := make([]*engine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	watchers := make([]*TicketsWatcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
	for _, eng := range engines {
		eng.requestStop()
	}
	for _, eng := range engines {
		select {
		case <-eng.doneCh:
		case <-ctx.Done():
			eng.forceFail("stop_timeout", "hub shutdown deadline reached")
		}
	}
}

func (r *Runtime) rememberRun(runID, repoID string) {
	r.mu.Lock()
	r.runIndex[runID] = repoID
	r.mu.Unlock()
}

// findRun resolves a run id to its repo store, scanning manifest repos when
// the in-memory index misses (hub restarts lose the index, runs survive).
func (r *Runtime) findRun(runID string) (*state.Store, *state.FlowRun, error) {
	r.mu.Lock()
	repoID, ok := r.runIndex[runID]
	r.mu.Unlock()
	if ok {
		store, err := r.repoStore(repoID)
		if err != nil {
			return nil, nil, err
		}
		run, err := store.LoadRun(runID)
		if err != nil {
			return nil, nil, err
		}
		return store, run, nil
	}

	m, err := r.hub.Manifest()
	if err != nil {
		return nil, nil, err
	}
	for _, repo := range m.Repos {
		store, err := r.repoStore(repo.RepoID)
		if err != nil {
			continue
		}
		run, err := store.LoadRun(runID)
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				continue
			}
			return nil, nil, err
		}
		r.rememberRun(runID, repo.RepoID)
		return store, run, nil
	}
	return nil, nil, errs.NotFound("run %s", runID)
}

func (r *Runtime) startEngine(store *state.Store, run *state.FlowRun, resumed bool) {
	eng := newEngine(r, store, run, resumed)
	r.mu.Lock()
	r.engines[run.RunID] = eng
	r.mu.Unlock()
	go eng.loop()
}

func (r *Runtime) engineDone(eng *engine) {
	r.mu.Lock()
	if r.engines[eng.run.RunID] == eng {
		delete(r.engines, eng.run.RunID)
	}
	r.mu.Unlock()
}

// finalizeOrphan terminates a run that has no live engine, e.g. one left
// running on disk by a previous hub process.
func (r *Runtime) finalizeOrphan(store *state.Store, run *state.FlowRun, status, reason string) {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	code := 0
	if status == state.RunFailed {
		code = 1
		run.ErrorMessage = reason
	}
	run.ExitCode = &code
	if run.State.TicketEngine == nil {
		run.State.TicketEngine = &state.TicketEngineState{}
	}
	run.State.TicketEngine.Reason = reason
	if err := store.SaveRun(run); err != nil {
		r.logger.Error("finalize orphan run", zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	r.publish(run.RunID, flowEventType(status), map[string]any{"reason": reason})
	r.publish(run.RunID, events.StreamEnd, nil)
	r.appendEvidence(run, reason)
}

func (r *Runtime) appendEvidence(run *state.FlowRun, reason string) {
	totalTurns := 0
	if run.State.TicketEngine != nil {
		totalTurns = run.State.TicketEngine.TotalTurns
	}
	path, err := r.hub.AppendRunEvidence(state.RunEvidence{
		RunID:      run.RunID,
		FlowType:   run.FlowType,
		RepoID:     run.RepoID,
		Status:     run.Status,
		Reason:     reason,
		TotalTurns: totalTurns,
	})
	if err != nil {
		r.logger.Warn("append run evidence", zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	r.logger.Info("run evidence written",
		zap.String("run_id", run.RunID),
		zap.String("path", path))
}

func (r *Runtime) publish(runID, eventType string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := bus.NewEvent(eventType, runID, data)
	if err := r.bus.Publish(ctx, events.RunSubject(runID), ev); err != nil {
		r.logger.Warn("publish run event",
			zap.String("run_id", runID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func flowEventType(status string) string {
	switch status {
	case state.RunCompleted:
		return events.FlowCompleted
	case state.RunFailed:
		return events.FlowFailed
	case state.RunStopped:
		return events.FlowStopped
	case state.RunPaused:
		return events.FlowPaused
	default:
		return events.FlowStarted
	}
}

// ULIDs sort lexicographically by creation time, so descending run id is
// newest first.
func sortRunsNewestFirst(runs []*state.FlowRun) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID > runs[j].RunID })
}

// cloneRun copies a run deeply enough that callers can read it while the
// engine keeps mutating the original.
func cloneRun(run *state.FlowRun) *state.FlowRun {
	c := *run
	if run.State.TicketEngine != nil {
		te := *run.State.TicketEngine
		if te.TicketErrors != nil {
			errsCopy := make(map[string]string, len(te.TicketErrors))
			for k, v := range te.TicketErrors {
				errsCopy[k] = v
			}
			te.TicketErrors = errsCopy
		}
		c.State.TicketEngine = &te
	}
	return &c
}
