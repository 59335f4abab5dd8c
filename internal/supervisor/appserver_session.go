package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/destination"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/pkg/appserver"
)

const (
	turnQueueCap    = 32
	turnEventsCap   = 64
	notificationCap = 256
)

// notification is one raw agent → client message routed to the turn loop.
type notification struct {
	method string
	params json.RawMessage
}

// turnTicket pairs a queued request with its event stream.
type turnTicket struct {
	ctx    context.Context
	req    TurnRequest
	events chan TurnEvent
}

// AppServerSession drives one agent child over the app-server protocol.
// Exactly one turn is in flight at a time; extra requests queue.
type AppServerSession struct {
	ID     string
	Key    string
	RepoID string
	Agent  string
	Model  string

	logger *logger.Logger
	proc   destination.Process
	client *appserver.Client

	threadID string

	notifCh chan notification
	queue   chan *turnTicket
	closing chan struct{}

	mu                 sync.Mutex
	state              SessionState
	current            *turnTicket
	currentTurnID      string
	interruptRequested bool
	createdAt          time.Time
	lastActivity       time.Time

	closeOnce  sync.Once
	workerDone chan struct{}

	// onStateChange is invoked outside the session lock on every state
	// transition; the supervisor publishes it as a hub notification.
	onStateChange func(sessionID string, state SessionState)
}

// startAppServerSession spawns the agent, completes the protocol handshake,
// opens a thread, and starts the turn worker.
func startAppServerSession(ctx context.Context, exec destination.Executor, key, repoID, agent, model string, log *logger.Logger, onStateChange func(string, SessionState)) (*AppServerSession, error) {
	argv, ok := agentArgv[agent]
	if !ok {
		return nil, errs.PreconditionFailed("unknown agent %q", agent)
	}

	s := &AppServerSession{
		ID:            uuid.New().String(),
		Key:           key,
		RepoID:        repoID,
		Agent:         agent,
		Model:         model,
		notifCh:       make(chan notification, notificationCap),
		queue:         make(chan *turnTicket, turnQueueCap),
		closing:       make(chan struct{}),
		workerDone:    make(chan struct{}),
		state:         StateStarting,
		createdAt:     time.Now().UTC(),
		lastActivity:  time.Now().UTC(),
		onStateChange: onStateChange,
	}
	s.logger = log.WithFields(
		zap.String("component", "app-server-session"),
		zap.String("session_id", s.ID),
		zap.String("session_key", key),
	)

	if err := exec.Preflight(ctx); err != nil {
		return nil, err
	}
	proc, err := exec.Spawn(ctx, destination.SpawnSpec{Argv: argv})
	if err != nil {
		return nil, err
	}
	s.proc = proc
	go s.drainStderr()

	s.client = appserver.NewClient(proc.Stdin(), proc.Stdout(), log)
	s.client.SetNotificationHandler(s.handleNotification)
	s.client.SetRequestHandler(s.handleAgentRequest)
	s.client.Start(context.Background())

	if err := s.handshake(ctx); err != nil {
		s.teardown()
		return nil, err
	}
	if err := s.startThread(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	s.setState(StateIdle)
	go s.worker()

	s.logger.Info("session started",
		zap.String("agent", agent),
		zap.String("thread_id", s.threadID),
		zap.Int("pid", proc.PID()),
	)
	return s, nil
}

func (s *AppServerSession) handshake(ctx context.Context) error {
	resp, err := s.client.Call(ctx, appserver.MethodInitialize, &appserver.InitializeParams{
		ClientInfo: &appserver.ClientInfo{
			Name:    "codex-autorunner",
			Title:   "Codex AutoRunner",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return errs.AgentProtocol("initialize handshake", err)
	}
	if resp.Error != nil {
		return errs.AgentProtocol("initialize rejected: "+resp.Error.Message, nil)
	}
	if err := s.client.Notify(appserver.MethodInitialized, nil); err != nil {
		return errs.AgentProtocol("initialized notification", err)
	}
	return nil
}

func (s *AppServerSession) startThread(ctx context.Context) error {
	resp, err := s.client.Call(ctx, appserver.MethodThreadStart, &appserver.ThreadStartParams{
		Model:          s.Model,
		ApprovalPolicy: "never",
		Sandbox:        "workspace-write",
	})
	if err != nil {
		return errs.AgentProtocol("thread start", err)
	}
	if resp.Error != nil {
		return errs.AgentProtocol("thread start rejected: "+resp.Error.Message, nil)
	}
	var result appserver.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return errs.AgentProtocol("thread start returned no thread", err)
	}
	s.threadID = result.Thread.ID
	return nil
}

// State returns the session state.
func (s *AppServerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View renders the API representation.
func (s *AppServerSession) View() AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AgentSession{
		SessionID:    s.ID,
		Kind:         string(SessionKindAppServer),
		RepoID:       s.RepoID,
		Agent:        s.Agent,
		State:        string(s.state),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

func (s *AppServerSession) setState(next SessionState) {
	s.mu.Lock()
	if s.state == next || s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.lastActivity = time.Now().UTC()
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(s.ID, next)
	}
}

// StartTurn queues one turn. The returned channel carries the turn's events
// and is closed after its terminal event.
func (s *AppServerSession) StartTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateDead || st == StateExiting {
		return nil, errs.PreconditionFailed("session %s is %s", s.ID, st)
	}

	t := &turnTicket{ctx: ctx, req: req, events: make(chan TurnEvent, turnEventsCap)}
	select {
	case s.queue <- t:
		return t.events, nil
	default:
		return nil, errs.PreconditionFailed("session %s turn queue is full", s.ID)
	}
}

// Interrupt cancels the in-flight turn. It is idempotent: interrupting an
// idle session is a no-op, and the pending turn resolves as interrupted.
func (s *AppServerSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateBusy {
		s.mu.Unlock()
		return nil
	}
	s.state = StateInterrupting
	s.interruptRequested = true
	threadID := s.threadID
	current := s.current
	cb := s.onStateChange
	s.mu.Unlock()

	if cb != nil {
		cb(s.ID, StateInterrupting)
	}
	if current != nil {
		s.emit(current, TurnEvent{Type: TurnEventStatus, Status: string(StateInterrupting)})
	}

	_, err := s.client.Call(ctx, appserver.MethodTurnInterrupt, &appserver.TurnInterruptParams{ThreadID: threadID})
	if err != nil {
		return errs.AgentProtocol("turn interrupt", err)
	}
	return nil
}

// Close shuts the session down: exiting state, stdin EOF, then a hard kill
// after five seconds.
func (s *AppServerSession) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateExiting)
		close(s.closing)
		s.proc.Stdin().Close()
		s.client.Stop()

		select {
		case <-s.workerDone:
		case <-time.After(5 * time.Second):
			s.logger.Warn("session close timeout, killing agent")
			s.proc.Kill()
		}
		go s.proc.Wait()
		s.setStateDead()
	})
}

func (s *AppServerSession) setStateDead() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(s.ID, StateDead)
	}
}

func (s *AppServerSession) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.closing:
			s.failQueued("session closed")
			return
		case <-s.client.Done():
			s.setStateDead()
			s.failQueued("agent process exited")
			return
		case t := <-s.queue:
			s.runTurn(t)
			s.mu.Lock()
			dead := s.state == StateDead
			s.mu.Unlock()
			if dead {
				s.failQueued("agent process exited")
				return
			}
		}
	}
}

// failQueued resolves every queued-but-unstarted turn with an error.
func (s *AppServerSession) failQueued(reason string) {
	for {
		select {
		case t := <-s.queue:
			s.emit(t, TurnEvent{Type: TurnEventError, Reason: reason})
			close(t.events)
		default:
			return
		}
	}
}

func (s *AppServerSession) runTurn(t *turnTicket) {
	defer close(t.events)

	if t.ctx.Err() != nil {
		s.emit(t, TurnEvent{Type: TurnEventError, Reason: "cancelled before start"})
		return
	}

	// Late notifications from a previous turn are stale by definition:
	// turns are strictly sequential.
	s.drainNotifications()

	s.mu.Lock()
	s.current = t
	s.interruptRequested = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.currentTurnID = ""
		s.mu.Unlock()
	}()

	s.setState(StateBusy)
	s.emit(t, TurnEvent{Type: TurnEventStatus, Status: string(StateBusy)})

	turnID, err := s.callTurnStart(t)
	if err != nil {
		s.emit(t, TurnEvent{Type: TurnEventError, Reason: err.Error()})
		s.setState(StateIdle)
		return
	}
	s.mu.Lock()
	s.currentTurnID = turnID
	s.mu.Unlock()
	s.emit(t, TurnEvent{Type: TurnEventUpdate, TurnID: turnID, Text: "turn started"})

	var timeout <-chan time.Time
	if t.req.Timeout > 0 {
		timer := time.NewTimer(t.req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var finalMessage strings.Builder
	for {
		select {
		case n := <-s.notifCh:
			ev, terminal := s.turnEventFor(t, n, &finalMessage)
			if ev != nil {
				ev.TurnID = turnID
				s.emit(t, *ev)
			}
			if terminal {
				s.setState(StateIdle)
				return
			}

		case <-timeout:
			s.interruptBestEffort()
			s.emit(t, TurnEvent{Type: TurnEventError, TurnID: turnID, Reason: "turn_timeout"})
			s.setState(StateIdle)
			return

		case <-t.ctx.Done():
			s.mu.Lock()
			s.interruptRequested = true
			s.mu.Unlock()
			s.interruptBestEffort()
			s.emit(t, TurnEvent{Type: TurnEventInterrupted, TurnID: turnID})
			s.setState(StateIdle)
			return

		case <-s.client.Done():
			s.setStateDead()
			s.emit(t, TurnEvent{Type: TurnEventError, TurnID: turnID, Reason: "agent process exited unexpectedly"})
			return

		case <-s.closing:
			s.emit(t, TurnEvent{Type: TurnEventInterrupted, TurnID: turnID})
			return
		}
	}
}

func (s *AppServerSession) callTurnStart(t *turnTicket) (string, error) {
	resp, err := s.client.Call(t.ctx, appserver.MethodTurnStart, &appserver.TurnStartParams{
		ThreadID: s.threadID,
		Input:    []appserver.UserInput{{Type: "text", Text: t.req.Message}},
	})
	if err != nil {
		return "", errs.AgentProtocol("turn start", err)
	}
	if resp.Error != nil {
		return "", errs.AgentProtocol("turn start rejected: "+resp.Error.Message, nil)
	}
	var result appserver.TurnStartResult
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.Turn != nil {
		return result.Turn.ID, nil
	}
	// Some agents answer with an empty result and report the id via
	// turn/started instead.
	return t.req.ClientTurnID, nil
}

// turnEventFor translates one notification into at most one turn event and
// reports whether it is terminal.
func (s *AppServerSession) turnEventFor(t *turnTicket, n notification, finalMessage *strings.Builder) (*TurnEvent, bool) {
	switch n.method {
	case appserver.NotifyItemAgentMessageDelta:
		var p struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(n.params, &p); err != nil {
			s.logger.Warn("bad agent message delta", zap.Error(err))
			return nil, false
		}
		finalMessage.WriteString(p.Delta)
		return &TurnEvent{Type: TurnEventToken, Text: p.Delta}, false

	case appserver.NotifyTokenCount:
		var p appserver.TokenCountParams
		if err := json.Unmarshal(n.params, &p); err != nil || p.Usage == nil {
			return nil, false
		}
		return &TurnEvent{Type: TurnEventTokenUsage, Usage: p.Usage}, false

	case appserver.NotifyTurnCompleted:
		var p appserver.TurnCompletedParams
		if err := json.Unmarshal(n.params, &p); err != nil {
			s.logger.Warn("bad turn completed", zap.Error(err))
			return &TurnEvent{Type: TurnEventError, Reason: "malformed turn completion"}, true
		}
		s.mu.Lock()
		interrupted := s.interruptRequested
		s.mu.Unlock()
		if interrupted {
			return &TurnEvent{Type: TurnEventInterrupted}, true
		}
		if !p.Success && p.Error != "" {
			return &TurnEvent{Type: TurnEventError, Reason: p.Error}, true
		}
		return &TurnEvent{Type: TurnEventDone, FinalMessage: finalMessage.String()}, true

	case appserver.NotifyError:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(n.params, &p)
		s.mu.Lock()
		interrupted := s.interruptRequested
		s.mu.Unlock()
		if interrupted {
			return &TurnEvent{Type: TurnEventInterrupted}, true
		}
		return &TurnEvent{Type: TurnEventError, Reason: p.Message}, true

	case appserver.NotifyThreadStarted, appserver.NotifyTurnStarted:
		return &TurnEvent{Type: TurnEventUpdate, Text: n.method}, false

	default:
		classified := events.Classify(n.method, n.params, time.Now().UTC())
		return &TurnEvent{Type: TurnEventAppServer, AppServer: classified}, false
	}
}

func (s *AppServerSession) interruptBestEffort() {
	s.mu.Lock()
	s.interruptRequested = true
	threadID := s.threadID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.client.Call(ctx, appserver.MethodTurnInterrupt, &appserver.TurnInterruptParams{ThreadID: threadID}); err != nil {
		s.logger.Debug("interrupt call failed", zap.Error(err))
	}
}

// emit delivers an event without ever blocking the session worker.
func (s *AppServerSession) emit(t *turnTicket, ev TurnEvent) {
	ev.SessionID = s.ID
	ev.ClientTurnID = t.req.ClientTurnID
	if ev.TurnID == "" {
		s.mu.Lock()
		ev.TurnID = s.currentTurnID
		s.mu.Unlock()
	}
	ev.Time = time.Now().UTC()

	s.mu.Lock()
	s.lastActivity = ev.Time
	s.mu.Unlock()

	select {
	case t.events <- ev:
	default:
		s.logger.Warn("turn event channel full, dropping event", zap.String("event_type", string(ev.Type)))
	}
}

func (s *AppServerSession) handleNotification(method string, params json.RawMessage) {
	select {
	case s.notifCh <- notification{method: method, params: params}:
	default:
		s.logger.Warn("notification channel full, dropping", zap.String("method", method))
	}
}

// handleAgentRequest answers reverse requests. Approval requests are
// accepted: sessions run headless and the sandbox policy is the guard rail.
func (s *AppServerSession) handleAgentRequest(id interface{}, method string, params json.RawMessage) {
	if strings.Contains(method, "requestApproval") {
		if err := s.client.SendResponse(id, map[string]string{"decision": "accept"}, nil); err != nil {
			s.logger.Warn("approval response failed", zap.Error(err))
		}
		return
	}
	err := s.client.SendResponse(id, nil, &appserver.Error{
		Code:    appserver.MethodNotFound,
		Message: "method not found",
	})
	if err != nil {
		s.logger.Warn("request response failed", zap.Error(err))
	}
}

func (s *AppServerSession) drainNotifications() {
	for {
		select {
		case <-s.notifCh:
		default:
			return
		}
	}
}

func (s *AppServerSession) drainStderr() {
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Stderr().Read(buf)
		if n > 0 {
			s.logger.Debug("agent stderr", zap.String("output", strings.TrimRight(string(buf[:n]), "\n")))
		}
		if err != nil {
			return
		}
	}
}

func (s *AppServerSession) teardown() {
	s.client.Stop()
	s.proc.Stdin().Close()
	s.proc.Kill()
	go s.proc.Wait()
	s.setStateDead()
}
