// Package server exposes the hub over HTTP: flow control and run event
// streams, ad-hoc agent chat, PMA targets and dispatches, session listing,
// and terminal websockets.
package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/httpmw"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/delivery"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/state"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

// FlowRuntime is the slice of the flow runtime the HTTP surface drives.
type FlowRuntime interface {
	Bootstrap(ctx context.Context, repoID, flowType string) (*state.FlowRun, string, error)
	Resume(ctx context.Context, runID string) (*state.FlowRun, error)
	Stop(ctx context.Context, runID string) error
	Archive(ctx context.Context, runID string, force bool) (int, error)
	Run(runID string) (*state.FlowRun, error)
	Runs(flowType string) ([]*state.FlowRun, error)
	Handoffs(runID string) ([]state.HandoffDispatch, error)
}

// TurnSession runs sequential agent turns.
type TurnSession interface {
	StartTurn(ctx context.Context, req supervisor.TurnRequest) (<-chan supervisor.TurnEvent, error)
}

// AgentSessions opens app-server sessions for ad-hoc chat turns.
type AgentSessions interface {
	Open(ctx context.Context, repoID, agent, model string) (TurnSession, error)
}

// TerminalSession is the attachable side of a PTY session.
type TerminalSession interface {
	Subscribe() (replay []byte, ch <-chan []byte, cancel func())
	Write(data []byte) (int, error)
	Resize(cols, rows int) error
	Done() <-chan struct{}
}

// Terminals attaches terminal websockets to live sessions.
type Terminals interface {
	Attach(sessionID string) (TerminalSession, error)
	Sessions() []supervisor.AgentSession
}

// Deliverer fans PMA output out to the configured targets.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
	DeliverDispatch(ctx context.Context, d *state.Dispatch, mirrorStore *state.Store, runID string)
}

// Server wires the hub's HTTP surface.
type Server struct {
	hub       *state.Store
	flows     FlowRuntime
	sessions  AgentSessions
	terminals Terminals
	deliverer Deliverer
	bus       bus.EventBus
	logger    *logger.Logger
}

func New(hub *state.Store, flowRt FlowRuntime, sessions AgentSessions, terminals Terminals, deliverer Deliverer, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		hub:       hub,
		flows:     flowRt,
		sessions:  sessions,
		terminals: terminals,
		deliverer: deliverer,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "http")),
	}
}

// Router builds the gin engine with every route and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(s.logger, "hub"))
	router.Use(httpmw.OtelTracing("hub"))

	router.GET("/health", s.health)

	api := router.Group("/api")
	api.GET("/flows/runs", s.listRuns)
	api.POST("/flows/ticket_flow/bootstrap", s.bootstrapTicketFlow)
	api.POST("/flows/:run_id/resume", s.resumeRun)
	api.POST("/flows/:run_id/stop", s.stopRun)
	api.POST("/flows/:run_id/archive", s.archiveRun)
	api.GET("/flows/:run_id/events", s.streamRunEvents)
	api.GET("/flows/:run_id/handoff_history", s.handoffHistory)

	api.POST("/file-chat", s.fileChat)
	api.GET("/sessions", s.listSessions)

	api.GET("/pma/targets", s.listTargets)
	api.POST("/pma/targets", s.addTarget)
	// Target keys carry colons and slashes (local:notes/out.md), so the key
	// is a catch-all segment.
	api.DELETE("/pma/targets/*key", s.removeTarget)
	api.GET("/pma/dispatches", s.listDispatches)
	api.POST("/pma/dispatches/:id/resolve", s.resolveDispatch)

	router.POST("/hub/pma/chat", s.pmaChat)
	router.GET("/ws/terminal/:session_id", s.terminalWS)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "bus_connected": s.bus.IsConnected()})
}
