package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/state"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

const (
	ringLineCap  = 200
	ringEventCap = 50
)

// replyContract tells the agent how to report ticket progress. The engine
// reads the last fenced json block of the final message; anything else means
// the ticket is not done yet.
const replyContract = `When you finish responding, end your message with a fenced json block:

` + "```json" + `
{"ticket_complete": <true|false>, "summary": "<one line>", "handoff": {"mode": "<notify|pause|resolve>", "title": "...", "body": "..."}}
` + "```" + `

Set ticket_complete to true only when the ticket's work is fully done.
Include handoff only when you need to notify the operator, pause the run for
input, or resolve a dispatch (put its dispatch_id in the body).`

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

var dispatchIDRe = regexp.MustCompile(`dispatch_id:\s*([0-9A-HJKMNP-TV-Z]{26})`)

// Reply is the structured tail of a final agent message. The PMA chat
// surface shares the contract with the ticket engine.
type Reply struct {
	TicketComplete bool          `json:"ticket_complete"`
	Summary        string        `json:"summary,omitempty"`
	Handoff        *ReplyHandoff `json:"handoff,omitempty"`
}

// ReplyHandoff asks the hub to notify, pause, or resolve.
type ReplyHandoff struct {
	Mode  string `json:"mode"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ParseReply extracts the reply contract from a final agent message: the
// last fenced json block wins, then a whole-message JSON object. nil means
// no parseable reply.
func ParseReply(msg string) *Reply {
	var raw string
	if matches := fencedJSONRe.FindAllStringSubmatch(msg, -1); len(matches) > 0 {
		raw = matches[len(matches)-1][1]
	} else {
		trimmed := strings.TrimSpace(msg)
		if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
			return nil
		}
		raw = trimmed
	}
	var reply Reply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil
	}
	return &reply
}

// liveRing buffers recent turn output for attach-while-running surfaces.
type liveRing struct {
	mu      sync.Mutex
	partial string
	lines   []string
	events  []string
}

func (r *liveRing) addText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			r.partial += text
			return
		}
		r.lines = append(r.lines, r.partial+text[:nl])
		r.partial = ""
		text = text[nl+1:]
		if len(r.lines) > ringLineCap {
			r.lines = r.lines[len(r.lines)-ringLineCap:]
		}
	}
}

func (r *liveRing) addEvent(title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, title)
	if len(r.events) > ringEventCap {
		r.events = r.events[len(r.events)-ringEventCap:]
	}
}

func (r *liveRing) snapshot() (lines, eventTitles []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines = append([]string(nil), r.lines...)
	if r.partial != "" {
		lines = append(lines, r.partial)
	}
	eventTitles = append([]string(nil), r.events...)
	return lines, eventTitles
}

// engine drives one run: it is the sole writer of the run's state file
// while alive, and exits after writing a terminal or paused status.
type engine struct {
	rt      *Runtime
	store   *state.Store
	repoID  string
	resumed bool
	logger  *logger.Logger

	mu      sync.Mutex
	run     *state.FlowRun
	session agentTurns

	ring liveRing

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newEngine(rt *Runtime, store *state.Store, run *state.FlowRun, resumed bool) *engine {
	if run.State.TicketEngine == nil {
		run.State.TicketEngine = &state.TicketEngineState{}
	}
	return &engine{
		rt:      rt,
		store:   store,
		repoID:  run.RepoID,
		resumed: resumed,
		logger: rt.logger.WithFields(
			zap.String("run_id", run.RunID),
			zap.String("repo_id", run.RepoID)),
		run:    run,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (e *engine) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// requestStop flips the run to stopping and interrupts the in-flight turn.
// Safe to call more than once.
func (e *engine) requestStop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		if !state.TerminalStatus(e.run.Status) && e.run.Status != state.RunPaused {
			e.run.Status = state.RunStopping
			if err := e.store.SaveRun(e.run); err != nil {
				e.logger.Error("persist stopping status", zap.Error(err))
			}
		}
		sess := e.session
		e.mu.Unlock()

		if sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sess.Interrupt(ctx); err != nil {
				e.logger.Warn("interrupt in-flight turn", zap.Error(err))
			}
		}
	})
}

// forceFail terminates the run from outside the engine goroutine when the
// stop deadline passes. The terminal guard in finalize keeps the engine's
// own late writes from resurrecting the run.
func (e *engine) forceFail(reason, details string) {
	e.finalize(state.RunFailed, reason, details)
}

func (e *engine) loop() {
	defer func() {
		e.rt.engineDone(e)
		close(e.doneCh)
	}()

	e.mu.Lock()
	e.run.Status = state.RunRunning
	if err := e.store.SaveRun(e.run); err != nil {
		e.mu.Unlock()
		e.logger.Error("persist running status", zap.Error(err))
		e.finalize(state.RunFailed, "state_write_failed", err.Error())
		return
	}
	e.mu.Unlock()

	startEvent := events.FlowStarted
	if e.resumed {
		startEvent = events.FlowResumed
	}
	e.publish(startEvent, nil)
	e.logger.Info("engine started", zap.Bool("resumed", e.resumed))

	for {
		if e.finished() {
			return
		}
		if e.stopRequested() {
			e.finalize(state.RunStopped, "stop requested", "")
			return
		}
		if done := e.tick(); done {
			return
		}
	}
}

// finished reports whether an outside writer (the stop watchdog) already
// terminated the run.
func (e *engine) finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return state.TerminalStatus(e.run.Status)
}

// tick loads the ticket list, picks the next ticket, and runs one turn
// against it. Returns true when the run reached a terminal or paused state.
func (e *engine) tick() bool {
	tickets, parseErrors, err := e.store.ListTickets()
	if err != nil {
		e.finalize(state.RunFailed, "tickets_unreadable", err.Error())
		return true
	}
	e.recordParseErrors(parseErrors)

	if len(tickets) == 0 {
		e.finalize(state.RunCompleted, "no tickets", "")
		return true
	}

	e.mu.Lock()
	skip := e.run.State.TicketEngine.TicketErrors
	e.mu.Unlock()

	ticket := state.NextTicket(tickets, skip)
	if ticket == nil {
		e.finalize(state.RunCompleted, "all tickets done", "")
		return true
	}

	e.mu.Lock()
	te := e.run.State.TicketEngine
	if te.CurrentTicket != ticket.Name {
		te.CurrentTicket = ticket.Name
		te.TicketTurns = 0
		if err := e.store.SaveRun(e.run); err != nil {
			e.mu.Unlock()
			e.finalize(state.RunFailed, "state_write_failed", err.Error())
			return true
		}
		e.mu.Unlock()
		e.publish(events.StepStarted, map[string]any{
			"ticket":       ticket.Name,
			"ticket_index": ticket.Index,
			"title":        ticket.Title,
		})
	} else {
		e.mu.Unlock()
	}

	if e.turnsFor(ticket) >= e.rt.cfg.TurnCap {
		e.markTicketError(ticket, "turn_cap_exceeded",
			fmt.Sprintf("ticket hit the %d turn cap", e.rt.cfg.TurnCap))
		return false
	}

	return e.runTurn(ticket)
}

func (e *engine) turnsFor(t *state.Ticket) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.State.TicketEngine.TicketTurns
}

func (e *engine) recordParseErrors(parseErrors []state.TicketError) {
	if len(parseErrors) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	te := e.run.State.TicketEngine
	changed := false
	for _, pe := range parseErrors {
		if te.TicketErrors == nil {
			te.TicketErrors = make(map[string]string)
		}
		if _, ok := te.TicketErrors[pe.Name]; !ok {
			te.TicketErrors[pe.Name] = "parse_error: " + pe.Err
			changed = true
			e.logger.Warn("skipping unparseable ticket",
				zap.String("ticket", pe.Name),
				zap.String("error", pe.Err))
		}
	}
	if changed {
		if err := e.store.SaveRun(e.run); err != nil {
			e.logger.Error("persist ticket parse errors", zap.Error(err))
		}
	}
}

// markTicketError flags a ticket so the rest of this run skips it, and
// keeps going with the next ticket.
func (e *engine) markTicketError(t *state.Ticket, reason, details string) {
	e.mu.Lock()
	te := e.run.State.TicketEngine
	if te.TicketErrors == nil {
		te.TicketErrors = make(map[string]string)
	}
	te.TicketErrors[t.Name] = reason
	te.Reason = reason
	te.ReasonDetails = details
	err := e.store.SaveRun(e.run)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("persist ticket error marker", zap.Error(err))
	}
	e.logger.Warn("ticket marked errored",
		zap.String("ticket", t.Name),
		zap.String("reason", reason))
}

// recordTurnFailure notes a failed turn attempt. The attempt still counts
// against the ticket's turn cap so repeated failures cannot loop forever.
func (e *engine) recordTurnFailure(t *state.Ticket, reason, details string) {
	e.mu.Lock()
	te := e.run.State.TicketEngine
	te.TicketTurns++
	te.TotalTurns++
	te.Reason = reason
	te.ReasonDetails = details
	err := e.store.SaveRun(e.run)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("persist turn failure", zap.Error(err))
	}
	e.logger.Warn("turn failed",
		zap.String("ticket", t.Name),
		zap.String("reason", reason),
		zap.String("details", details))
}

// runTurn opens the repo's agent session and drives one turn for the
// ticket. Returns true when the run reached a terminal or paused state.
func (e *engine) runTurn(t *state.Ticket) bool {
	sess, err := e.openSession(t)
	if err != nil {
		if errs.IsKind(err, errs.KindDestinationUnavailable) {
			e.finalize(state.RunFailed, "destination_unavailable", err.Error())
			return true
		}
		e.recordTurnFailure(t, "session_open_failed", err.Error())
		return false
	}

	e.mu.Lock()
	te := e.run.State.TicketEngine
	te.TicketTurns++
	te.TotalTurns++
	turnSeq := te.TotalTurns
	clientTurnID := fmt.Sprintf("%s-%s-%d", e.run.RunID, t.Name, te.TicketTurns)
	if err := e.store.SaveRun(e.run); err != nil {
		e.mu.Unlock()
		e.finalize(state.RunFailed, "state_write_failed", err.Error())
		return true
	}
	e.mu.Unlock()

	req := supervisor.TurnRequest{
		Message:      e.promptFor(t),
		Agent:        t.Agent,
		ClientTurnID: clientTurnID,
		Timeout:      e.rt.cfg.TurnTimeoutDuration(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sess.StartTurn(ctx, req)
	if err != nil {
		e.recordTurnFailure(t, "turn_start_failed", err.Error())
		return false
	}
	e.logger.Debug("turn started",
		zap.String("ticket", t.Name),
		zap.Int("turn", turnSeq))

	for ev := range ch {
		switch ev.Type {
		case supervisor.TurnEventToken:
			e.ring.addText(ev.Text)
			e.publish(events.AgentStreamDelta, map[string]any{
				"text":         ev.Text,
				"ticket":       t.Name,
				"ticket_index": t.Index,
			})
		case supervisor.TurnEventAppServer:
			if ev.AppServer == nil {
				continue
			}
			e.ring.addEvent(ev.AppServer.Title)
			e.publish(events.AppServerEventMsg, map[string]any{
				"kind":         ev.AppServer.Kind,
				"title":        ev.AppServer.Title,
				"summary":      ev.AppServer.Summary,
				"method":       ev.AppServer.Method,
				"ticket":       t.Name,
				"ticket_index": t.Index,
			})
		case supervisor.TurnEventDone:
			return e.handleTurnDone(t, ev)
		case supervisor.TurnEventInterrupted:
			if e.stopRequested() {
				e.finalize(state.RunStopped, "stop requested", "")
				return true
			}
			e.recordTurnFailure(t, "turn_interrupted", "")
			return false
		case supervisor.TurnEventError:
			e.recordTurnFailure(t, ev.Reason, "")
			return false
		}
	}
	// Channel closed without a terminal event: the session died under us.
	e.recordTurnFailure(t, "session_closed", "turn stream ended without a result")
	return false
}

func (e *engine) handleTurnDone(t *state.Ticket, ev supervisor.TurnEvent) bool {
	reply := ParseReply(ev.FinalMessage)
	if reply == nil {
		e.logger.Debug("final message without structured reply",
			zap.String("ticket", t.Name))
		return false
	}

	var paused bool
	if reply.Handoff != nil {
		paused = e.applyHandoff(t, ev.TurnID, reply.Handoff)
	}

	if reply.TicketComplete {
		if err := e.store.MarkTicketDone(t.Name); err != nil {
			e.markTicketError(t, "ticket_write_failed", err.Error())
			return false
		}
		e.mu.Lock()
		te := e.run.State.TicketEngine
		te.Reason = ""
		te.ReasonDetails = ""
		if reply.Summary != "" {
			te.ReasonDetails = reply.Summary
		}
		err := e.store.SaveRun(e.run)
		e.mu.Unlock()
		if err != nil {
			e.logger.Error("persist ticket completion", zap.Error(err))
		}
		e.logger.Info("ticket done",
			zap.String("ticket", t.Name),
			zap.String("summary", reply.Summary))
	}

	if paused {
		e.finalize(state.RunPaused, "handoff pause", "")
		return true
	}
	return false
}

// applyHandoff persists the handoff, emits handoff_dispatched, and carries
// out the mode's side effect. Returns true when the run should pause.
func (e *engine) applyHandoff(t *state.Ticket, turnID string, h *ReplyHandoff) bool {
	if !state.ValidHandoffMode(h.Mode) {
		e.logger.Warn("ignoring handoff with unknown mode",
			zap.String("mode", h.Mode),
			zap.String("ticket", t.Name))
		return false
	}

	seq, err := e.store.AppendHandoff(e.run.RunID, state.HandoffDispatch{
		Mode:  h.Mode,
		Title: h.Title,
		Body:  h.Body,
	})
	if err != nil {
		e.logger.Error("persist handoff", zap.Error(err))
		return false
	}
	e.publish(events.HandoffDispatched, map[string]any{
		"seq":    seq,
		"mode":   h.Mode,
		"title":  h.Title,
		"ticket": t.Name,
	})

	switch h.Mode {
	case state.HandoffNotify:
		e.dispatchNotify(turnID, h)
	case state.HandoffResolve:
		e.resolveDispatch(h)
	case state.HandoffPause:
		return true
	}
	return false
}

// dispatchNotify lands the handoff in the hub PMA inbox and hands it to the
// delivery router when one is wired.
func (e *engine) dispatchNotify(turnID string, h *ReplyHandoff) {
	d := &state.Dispatch{
		ID:           ulid.Make().String(),
		Title:        h.Title,
		Priority:     state.DispatchInfo,
		CreatedAt:    time.Now().UTC(),
		SourceTurnID: turnID,
		Links:        []string{"run:" + e.run.RunID},
		Body:         h.Body,
	}
	if _, err := e.rt.hub.WriteDispatch(d); err != nil {
		e.logger.Error("write dispatch", zap.Error(err))
		return
	}
	e.logger.Info("dispatch written", zap.String("dispatch_id", d.ID))
	if e.rt.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.rt.dispatcher.DeliverDispatch(ctx, d, e.store, e.run.RunID)
	}
}

// resolveDispatch acknowledges the dispatch the handoff body names. An
// unknown id is logged, not fatal; agents restate ids imperfectly.
func (e *engine) resolveDispatch(h *ReplyHandoff) {
	m := dispatchIDRe.FindStringSubmatch(h.Body)
	if m == nil {
		e.logger.Warn("resolve handoff without dispatch_id", zap.String("title", h.Title))
		return
	}
	id := m[1]
	if _, err := e.rt.hub.ResolveDispatch(id, time.Now().UTC()); err != nil {
		e.logger.Warn("resolve dispatch",
			zap.String("dispatch_id", id),
			zap.Error(err))
		return
	}
	e.logger.Info("dispatch resolved", zap.String("dispatch_id", id))
}

func (e *engine) openSession(t *state.Ticket) (agentTurns, error) {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	sess, err := e.rt.sessions.Open(ctx, e.repoID, t.Agent, "")
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.session = sess
	e.mu.Unlock()
	return sess, nil
}

func (e *engine) promptFor(t *state.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working ticket %s", t.Name)
	if t.Title != "" {
		fmt.Fprintf(&b, ": %s", t.Title)
	}
	b.WriteString(".\n\n")
	b.WriteString(strings.TrimSpace(t.Body))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "This is turn %d of at most %d for this ticket.\n\n",
		e.turnsFor(t), e.rt.cfg.TurnCap)
	b.WriteString(replyContract)
	return b.String()
}

// finalize writes the run's end state exactly once. Whoever gets here first
// wins; late callers see a terminal status and leave it alone. Paused is not
// terminal, so a paused run can still be stopped or resumed afterwards.
func (e *engine) finalize(status, reason, details string) {
	e.mu.Lock()
	if state.TerminalStatus(e.run.Status) {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	e.run.Status = status
	te := e.run.State.TicketEngine
	te.Reason = reason
	te.ReasonDetails = details
	if status != state.RunPaused {
		e.run.FinishedAt = &now
		code := 0
		if status == state.RunFailed {
			code = 1
			e.run.ErrorMessage = reason
			if details != "" {
				e.run.ErrorMessage = reason + ": " + details
			}
		}
		e.run.ExitCode = &code
	}
	runCopy := cloneRun(e.run)
	err := e.store.SaveRun(e.run)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("persist final run state",
			zap.String("status", status),
			zap.Error(err))
	}

	e.publish(flowEventType(status), map[string]any{"reason": reason})
	if status != state.RunPaused {
		e.publish(events.StreamEnd, nil)
		e.rt.appendEvidence(runCopy, reason)
	}
	e.logger.Info("run finished",
		zap.String("status", status),
		zap.String("reason", reason))
}

func (e *engine) publish(eventType string, data map[string]any) {
	e.rt.publish(e.run.RunID, eventType, data)
}
