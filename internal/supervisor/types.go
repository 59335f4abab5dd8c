// Package supervisor owns agent child processes: app-server sessions driven
// over line-delimited JSON and raw PTY sessions, both launched through a
// destination executor.
package supervisor

import (
	"time"

	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/pkg/appserver"
)

// SessionKind distinguishes the two session flavors.
type SessionKind string

const (
	SessionKindAppServer SessionKind = "app_server"
	SessionKindPTY       SessionKind = "pty"
)

// SessionState is the app-server session lifecycle. Transitions are linear
// and single-threaded per session.
type SessionState string

const (
	StateStarting     SessionState = "starting"
	StateIdle         SessionState = "idle"
	StateBusy         SessionState = "busy"
	StateInterrupting SessionState = "interrupting"
	StateExiting      SessionState = "exiting"
	StateDead         SessionState = "dead"
)

// PTY activity statuses derived from the virtual terminal.
const (
	PTYStatusIdle         = "idle"
	PTYStatusBusy         = "busy"
	PTYStatusWaitingInput = "waiting_input"
)

// AgentSession is the read-only session view served over the API.
type AgentSession struct {
	SessionID    string    `json:"session_id"`
	Kind         string    `json:"kind"`
	RepoID       string    `json:"repo_id"`
	Agent        string    `json:"agent"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// TurnRequest asks a session to run one agent turn.
type TurnRequest struct {
	Message      string
	Agent        string
	Model        string
	Reasoning    string
	ClientTurnID string
	// Timeout is the soft per-turn budget. Zero means no budget.
	Timeout time.Duration
}

// TurnEventType enumerates the events a turn emits.
type TurnEventType string

const (
	TurnEventStatus      TurnEventType = "status"
	TurnEventToken       TurnEventType = "token"
	TurnEventAppServer   TurnEventType = "app-server"
	TurnEventTokenUsage  TurnEventType = "token_usage"
	TurnEventUpdate      TurnEventType = "update"
	TurnEventError       TurnEventType = "error"
	TurnEventInterrupted TurnEventType = "interrupted"
	TurnEventDone        TurnEventType = "done"
)

// Terminal reports whether the event ends its turn.
func (t TurnEventType) Terminal() bool {
	return t == TurnEventError || t == TurnEventInterrupted || t == TurnEventDone
}

// TurnEvent is one entry in a turn's event stream. Exactly one terminal
// event (done, error, or interrupted) closes the stream.
type TurnEvent struct {
	Type         TurnEventType          `json:"type"`
	SessionID    string                 `json:"session_id"`
	TurnID       string                 `json:"turn_id,omitempty"`
	ClientTurnID string                 `json:"client_turn_id,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Text         string                 `json:"text,omitempty"`
	AppServer    *events.AppServerEvent `json:"app_server,omitempty"`
	Usage        *appserver.TokenUsage  `json:"usage,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	FinalMessage string                 `json:"final_message,omitempty"`
	Time         time.Time              `json:"time"`
}

// agentArgv maps an agent name to the command that speaks the app-server
// protocol on stdio.
var agentArgv = map[string][]string{
	"codex":    {"codex", "app-server"},
	"opencode": {"opencode", "app-server"},
}

// DefaultAgent is used when a turn request names none.
const DefaultAgent = "codex"
