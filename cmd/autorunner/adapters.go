package main

import (
	"context"

	"github.com/codex-autorunner/autorunner/internal/server"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

// supervisorSessions adapts the supervisor's app-server sessions to the
// HTTP surface's AgentSessions interface.
type supervisorSessions struct {
	sup *supervisor.Supervisor
}

func (a *supervisorSessions) Open(ctx context.Context, repoID, agent, model string) (server.TurnSession, error) {
	return a.sup.OpenAppServerSession(ctx, repoID, agent, model)
}

// supervisorTerminals adapts PTY sessions for the terminal websocket.
type supervisorTerminals struct {
	sup *supervisor.Supervisor
}

func (a *supervisorTerminals) Attach(sessionID string) (server.TerminalSession, error) {
	return a.sup.AttachPTY(sessionID)
}

func (a *supervisorTerminals) Sessions() []supervisor.AgentSession {
	return a.sup.Sessions()
}
