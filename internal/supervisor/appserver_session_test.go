package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/destination"
	"github.com/codex-autorunner/autorunner/pkg/appserver"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type agentHandler func(a *scriptedAgent, id, params json.RawMessage)

// scriptedAgent speaks the app-server line protocol over a fake process's
// pipes. Requests without a scripted handler get an empty result, which
// covers the initialize and turn/interrupt calls most tests do not care
// about.
type scriptedAgent struct {
	stdin    io.Reader
	out      io.Writer
	mu       sync.Mutex
	handlers map[string]agentHandler
}

type agentLine struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (a *scriptedAgent) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.Write(append(data, '\n'))
}

func (a *scriptedAgent) respond(id json.RawMessage, result any) {
	a.writeLine(map[string]any{"id": id, "result": result})
}

func (a *scriptedAgent) respondErr(id json.RawMessage, code int, msg string) {
	a.writeLine(map[string]any{"id": id, "error": map[string]any{"code": code, "message": msg}})
}

func (a *scriptedAgent) notify(method string, params any) {
	a.writeLine(map[string]any{"method": method, "params": params})
}

func (a *scriptedAgent) loop() {
	scanner := bufio.NewScanner(a.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line agentLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Method == "" {
			continue
		}
		if h, ok := a.handlers[line.Method]; ok {
			h(a, line.ID, line.Params)
			continue
		}
		if line.ID != nil {
			a.respond(line.ID, map[string]any{})
		}
	}
}

// fakeAgentProc is an in-memory destination.Process wired to a scriptedAgent.
type fakeAgentProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done chan struct{}
	once sync.Once
}

func (p *fakeAgentProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeAgentProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeAgentProc) Stderr() io.Reader     { return p.stderrR }
func (p *fakeAgentProc) PID() int              { return 4242 }

func (p *fakeAgentProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeAgentProc) ExitCode() int {
	select {
	case <-p.done:
		return 0
	default:
		return -1
	}
}

func (p *fakeAgentProc) Kill() error {
	p.die()
	return nil
}

// die simulates the child exiting: the session's reader hits EOF.
func (p *fakeAgentProc) die() {
	p.once.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.done)
	})
}

type fakeExecutor struct {
	handlers     map[string]agentHandler
	preflightErr error

	proc  *fakeAgentProc
	agent *scriptedAgent
}

func (e *fakeExecutor) Kind() string { return "local" }

func (e *fakeExecutor) Preflight(ctx context.Context) error { return e.preflightErr }

func (e *fakeExecutor) Spawn(ctx context.Context, spec destination.SpawnSpec) (destination.Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	e.proc = &fakeAgentProc{
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
		stderrR: stderrR, stderrW: stderrW,
		done: make(chan struct{}),
	}
	e.agent = &scriptedAgent{stdin: stdinR, out: stdoutW, handlers: e.handlers}
	go e.agent.loop()
	return e.proc, nil
}

func defaultAgentHandlers() map[string]agentHandler {
	return map[string]agentHandler{
		appserver.MethodThreadStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respond(id, appserver.ThreadStartResult{Thread: &appserver.Thread{ID: "th-test"}})
		},
	}
}

func startFakeSession(t *testing.T, overrides map[string]agentHandler) (*AppServerSession, *fakeExecutor) {
	t.Helper()
	handlers := defaultAgentHandlers()
	for method, h := range overrides {
		handlers[method] = h
	}
	exec := &fakeExecutor{handlers: handlers}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := startAppServerSession(ctx, exec, "r1/codex/", "r1", "codex", "", newTestLogger(), nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() {
		sess.Close()
		exec.proc.die()
	})
	return sess, exec
}

func collectTurn(t *testing.T, ch <-chan TurnEvent) []TurnEvent {
	t.Helper()
	var out []TurnEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out collecting turn events, got %d so far", len(out))
		}
	}
}

func waitForEvent(t *testing.T, ch <-chan TurnEvent, typ TurnEventType) TurnEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("turn channel closed before %s event", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitForState(t *testing.T, sess *AppServerSession, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session state %s, want %s", sess.State(), want)
}

func TestAppServerSession_TurnProducesTokensAndDone(t *testing.T) {
	sess, _ := startFakeSession(t, map[string]agentHandler{
		appserver.MethodTurnStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respond(id, appserver.TurnStartResult{Turn: &appserver.Turn{ID: "turn-1"}})
			a.notify(appserver.NotifyItemAgentMessageDelta, map[string]string{"delta": "hel"})
			a.notify(appserver.NotifyItemAgentMessageDelta, map[string]string{"delta": "lo"})
			a.notify(appserver.NotifyTokenCount, appserver.TokenCountParams{
				Usage: &appserver.TokenUsage{InputTokens: 7, OutputTokens: 2, TotalTokens: 9},
			})
			a.notify(appserver.NotifyTurnCompleted, appserver.TurnCompletedParams{TurnID: "turn-1", Success: true})
		},
	})

	ch, err := sess.StartTurn(context.Background(), TurnRequest{Message: "say hello", ClientTurnID: "c-1"})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	evs := collectTurn(t, ch)
	if len(evs) == 0 {
		t.Fatal("no turn events")
	}
	final := evs[len(evs)-1]
	if final.Type != TurnEventDone {
		t.Fatalf("final event %s (reason %q), want done", final.Type, final.Reason)
	}
	if final.FinalMessage != "hello" {
		t.Errorf("final message %q, want hello", final.FinalMessage)
	}

	var tokens string
	var sawUsage bool
	for _, ev := range evs {
		if ev.SessionID != sess.ID {
			t.Errorf("event session id %q, want %q", ev.SessionID, sess.ID)
		}
		if ev.ClientTurnID != "c-1" {
			t.Errorf("event client turn id %q, want c-1", ev.ClientTurnID)
		}
		switch ev.Type {
		case TurnEventToken:
			tokens += ev.Text
		case TurnEventTokenUsage:
			if ev.Usage != nil && ev.Usage.TotalTokens == 9 {
				sawUsage = true
			}
		}
	}
	if tokens != "hello" {
		t.Errorf("accumulated tokens %q, want hello", tokens)
	}
	if !sawUsage {
		t.Error("no token_usage event with the reported totals")
	}

	waitForState(t, sess, StateIdle)
}

func TestAppServerSession_QueuedTurnsRunInOrder(t *testing.T) {
	var mu sync.Mutex
	turn := 0
	sess, _ := startFakeSession(t, map[string]agentHandler{
		appserver.MethodTurnStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			mu.Lock()
			turn++
			n := turn
			mu.Unlock()
			a.respond(id, appserver.TurnStartResult{Turn: &appserver.Turn{ID: fmt.Sprintf("turn-%d", n)}})
			a.notify(appserver.NotifyItemAgentMessageDelta, map[string]string{"delta": fmt.Sprintf("reply-%d", n)})
			a.notify(appserver.NotifyTurnCompleted, appserver.TurnCompletedParams{Success: true})
		},
	})

	ch1, err := sess.StartTurn(context.Background(), TurnRequest{Message: "one"})
	if err != nil {
		t.Fatalf("turn one: %v", err)
	}
	ch2, err := sess.StartTurn(context.Background(), TurnRequest{Message: "two"})
	if err != nil {
		t.Fatalf("turn two: %v", err)
	}

	evs1 := collectTurn(t, ch1)
	if final := evs1[len(evs1)-1]; final.Type != TurnEventDone || final.FinalMessage != "reply-1" {
		t.Fatalf("turn one final %s %q", final.Type, final.FinalMessage)
	}
	evs2 := collectTurn(t, ch2)
	if final := evs2[len(evs2)-1]; final.Type != TurnEventDone || final.FinalMessage != "reply-2" {
		t.Fatalf("turn two final %s %q", final.Type, final.FinalMessage)
	}
}

func TestAppServerSession_InterruptResolvesInterrupted(t *testing.T) {
	sess, _ := startFakeSession(t, map[string]agentHandler{
		appserver.MethodTurnStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respond(id, appserver.TurnStartResult{Turn: &appserver.Turn{ID: "turn-1"}})
			a.notify(appserver.NotifyItemAgentMessageDelta, map[string]string{"delta": "thinking"})
		},
		appserver.MethodTurnInterrupt: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respond(id, map[string]any{})
			a.notify(appserver.NotifyTurnCompleted, appserver.TurnCompletedParams{
				TurnID: "turn-1", Success: false, Error: "interrupted",
			})
		},
	})

	// Interrupting an idle session is a no-op.
	if err := sess.Interrupt(context.Background()); err != nil {
		t.Fatalf("idle interrupt: %v", err)
	}

	ch, err := sess.StartTurn(context.Background(), TurnRequest{Message: "work"})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitForEvent(t, ch, TurnEventToken)

	if err := sess.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	rest := collectTurn(t, ch)
	if len(rest) == 0 {
		t.Fatal("no events after interrupt")
	}
	final := rest[len(rest)-1]
	if final.Type != TurnEventInterrupted {
		t.Fatalf("final event %s (reason %q), want interrupted", final.Type, final.Reason)
	}
	waitForState(t, sess, StateIdle)
}

func TestAppServerSession_ChildExitMidTurnFailsTurn(t *testing.T) {
	sess, exec := startFakeSession(t, map[string]agentHandler{
		appserver.MethodTurnStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respond(id, appserver.TurnStartResult{Turn: &appserver.Turn{ID: "turn-1"}})
			a.notify(appserver.NotifyItemAgentMessageDelta, map[string]string{"delta": "par"})
		},
	})

	ch, err := sess.StartTurn(context.Background(), TurnRequest{Message: "work"})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitForEvent(t, ch, TurnEventToken)

	exec.proc.die()

	evs := collectTurn(t, ch)
	final := evs[len(evs)-1]
	if final.Type != TurnEventError {
		t.Fatalf("final event %s, want error", final.Type)
	}
	if final.Reason != "agent process exited unexpectedly" {
		t.Errorf("reason %q", final.Reason)
	}
	waitForState(t, sess, StateDead)

	if _, err := sess.StartTurn(context.Background(), TurnRequest{Message: "again"}); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("turn on dead session: %v", err)
	}
}

func TestAppServerSession_TurnTimeout(t *testing.T) {
	sess, _ := startFakeSession(t, map[string]agentHandler{
		appserver.MethodTurnStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respond(id, appserver.TurnStartResult{Turn: &appserver.Turn{ID: "turn-slow"}})
			// Then silence: the turn budget has to fire.
		},
	})

	ch, err := sess.StartTurn(context.Background(), TurnRequest{Message: "work", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	evs := collectTurn(t, ch)
	final := evs[len(evs)-1]
	if final.Type != TurnEventError || final.Reason != "turn_timeout" {
		t.Fatalf("final event %s reason %q, want error/turn_timeout", final.Type, final.Reason)
	}
	waitForState(t, sess, StateIdle)
}

func TestStartAppServerSession_UnknownAgent(t *testing.T) {
	_, err := startAppServerSession(context.Background(), nil, "k", "r1", "aider", "", newTestLogger(), nil)
	if !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("unknown agent error: %v", err)
	}
}

func TestStartAppServerSession_ThreadStartRejected(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]agentHandler{
		appserver.MethodThreadStart: func(a *scriptedAgent, id, _ json.RawMessage) {
			a.respondErr(id, appserver.MethodNotFound, "threads unsupported")
		},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := startAppServerSession(ctx, exec, "k", "r1", "codex", "", newTestLogger(), nil)
	if !errs.IsKind(err, errs.KindAgentProtocolError) {
		t.Fatalf("thread start rejection: %v", err)
	}
	exec.proc.die()
}
