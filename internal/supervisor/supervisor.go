package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/destination"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// Supervisor owns the hub's agent children: app-server sessions shared by
// key and interactive PTY sessions by id. App-server children run on the
// repo's destination; PTY sessions always run on the hub host, since the
// terminal the user types into is the hub's own.
type Supervisor struct {
	store  *state.Store
	bus    bus.EventBus
	docker *destination.DockerClient
	cfg    config.SupervisorConfig
	logger *logger.Logger

	// execFactory builds the executor for a repo; tests swap it out.
	execFactory func(repoID string) (destination.Executor, error)

	// openMu serializes app-server spawns so two opens for the same key
	// cannot race past the reuse check.
	openMu sync.Mutex

	mu       sync.Mutex
	appByKey map[string]*AppServerSession
	ptys     map[string]*PTYSession
}

// New builds the supervisor and clears PTY registry records left over from
// a previous hub process. Registry entries describe live children, and none
// survive a restart.
func New(store *state.Store, eventBus bus.EventBus, docker *destination.DockerClient, cfg config.SupervisorConfig, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		store:    store,
		bus:      eventBus,
		docker:   docker,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		appByKey: make(map[string]*AppServerSession),
		ptys:     make(map[string]*PTYSession),
	}
	s.execFactory = s.executorFor
	s.purgeStalePTYs()
	return s
}

func (s *Supervisor) purgeStalePTYs() {
	reg, err := s.store.LoadPTYRegistry()
	if err != nil {
		s.logger.Warn("load pty registry", zap.Error(err))
		return
	}
	if len(reg.Sessions) == 0 {
		return
	}
	s.logger.Info("clearing stale pty registry entries", zap.Int("count", len(reg.Sessions)))
	if err := s.store.SavePTYRegistry(&state.PTYRegistry{}); err != nil {
		s.logger.Warn("reset pty registry", zap.Error(err))
	}
}

func sessionKey(repoID, agent, model string) string {
	return repoID + "/" + agent + "/" + model
}

func (s *Supervisor) executorFor(repoID string) (destination.Executor, error) {
	repo, err := s.store.RepoByID(repoID)
	if err != nil {
		return nil, err
	}
	dest, err := s.store.ResolveDestination(repoID)
	if err != nil {
		return nil, err
	}
	return destination.ForDestination(repoID, repo.Path, dest, s.docker, s.logger)
}

// OpenAppServerSession returns the live session for (repo, agent, model),
// spawning one when none exists. Dead and exiting sessions are replaced.
func (s *Supervisor) OpenAppServerSession(ctx context.Context, repoID, agent, model string) (*AppServerSession, error) {
	if agent == "" {
		agent = DefaultAgent
	}
	key := sessionKey(repoID, agent, model)

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if existing, ok := s.appByKey[key]; ok {
		switch existing.State() {
		case StateDead, StateExiting:
			delete(s.appByKey, key)
		default:
			s.mu.Unlock()
			return existing, nil
		}
	}
	s.mu.Unlock()

	exec, err := s.execFactory(repoID)
	if err != nil {
		return nil, err
	}

	sess, err := startAppServerSession(ctx, exec, key, repoID, agent, model, s.logger, s.notifySessionState)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.appByKey[key] = sess
	s.mu.Unlock()

	s.logger.Info("app-server session opened",
		zap.String("session_id", sess.ID),
		zap.String("repo_id", repoID),
		zap.String("agent", agent),
		zap.String("model", model))
	return sess, nil
}

// StartPTY spawns an interactive terminal session on the hub host. When the
// request names a repo and no cwd, the repo path becomes the cwd.
func (s *Supervisor) StartPTY(ctx context.Context, req PTYRequest) (*PTYSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled("start pty")
	}
	if req.RepoID != "" && req.Cwd == "" {
		repo, err := s.store.RepoByID(req.RepoID)
		if err != nil {
			return nil, err
		}
		req.Cwd = repo.Path
	}

	sess, err := startPTYSession(req, s.cfg.RingBytes, s.cfg.StatusIntervalDuration(), s.logger, s.notifyPTYStatus, s.onPTYExit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ptys[sess.ID] = sess
	s.mu.Unlock()

	if err := s.store.UpsertPTYSession(state.PTYSessionRecord{
		SessionID: sess.ID,
		RepoID:    sess.RepoID,
		Agent:     sess.Agent,
		Argv:      sess.Argv,
		Cwd:       sess.Cwd,
		CreatedAt: sess.CreatedAt,
	}); err != nil {
		s.logger.Warn("persist pty session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return sess, nil
}

// AttachPTY returns the live PTY session with the given id.
func (s *Supervisor) AttachPTY(sessionID string) (*PTYSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.ptys[sessionID]
	if !ok {
		return nil, errs.NotFound("pty session %s", sessionID)
	}
	return sess, nil
}

// StopPTY stops the terminal child and drops the session.
func (s *Supervisor) StopPTY(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.ptys[sessionID]
	s.mu.Unlock()
	if !ok {
		return errs.NotFound("pty session %s", sessionID)
	}
	return sess.Stop()
}

func (s *Supervisor) onPTYExit(sessionID string) {
	s.mu.Lock()
	delete(s.ptys, sessionID)
	s.mu.Unlock()

	if err := s.store.RemovePTYSession(sessionID); err != nil {
		s.logger.Warn("remove pty session record", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.publishNotification(map[string]any{
		"session_id": sessionID,
		"kind":       string(SessionKindPTY),
		"status":     "exited",
	})
}

func (s *Supervisor) notifySessionState(sessionID string, st SessionState) {
	s.publishNotification(map[string]any{
		"session_id": sessionID,
		"kind":       string(SessionKindAppServer),
		"status":     string(st),
	})
}

func (s *Supervisor) notifyPTYStatus(sessionID, status string) {
	s.publishNotification(map[string]any{
		"session_id": sessionID,
		"kind":       string(SessionKindPTY),
		"status":     status,
	})
}

func (s *Supervisor) publishNotification(data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := bus.NewEvent(events.SessionStatusChanged, "", data)
	if err := s.bus.Publish(ctx, events.SubjectHubNotifications, ev); err != nil {
		s.logger.Warn("publish session notification", zap.Error(err))
	}
}

// Sessions lists every live session, oldest first.
func (s *Supervisor) Sessions() []AgentSession {
	s.mu.Lock()
	views := make([]AgentSession, 0, len(s.appByKey)+len(s.ptys))
	for _, sess := range s.appByKey {
		views = append(views, sess.View())
	}
	for _, sess := range s.ptys {
		views = append(views, sess.View())
	}
	s.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Shutdown closes every session. App-server children get a graceful stop,
// PTY children a close-then-kill.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	apps := make([]*AppServerSession, 0, len(s.appByKey))
	for _, sess := range s.appByKey {
		apps = append(apps, sess)
	}
	ptys := make([]*PTYSession, 0, len(s.ptys))
	for _, sess := range s.ptys {
		ptys = append(ptys, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range apps {
		wg.Add(1)
		go func(sess *AppServerSession) {
			defer wg.Done()
			sess.Close()
		}(sess)
	}
	for _, sess := range ptys {
		wg.Add(1)
		go func(sess *PTYSession) {
			defer wg.Done()
			_ = sess.Stop()
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached before all sessions closed")
	}
}
