package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/state"
)

type bootstrapRequest struct {
	RepoID string `json:"repo_id" binding:"required"`
}

type archiveRequest struct {
	Force bool `json:"force"`
}

// listRuns handles GET /api/flows/runs.
func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.flows.Runs(c.Query("flow_type"))
	if err != nil {
		respondError(c, err)
		return
	}
	if runs == nil {
		runs = []*state.FlowRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// bootstrapTicketFlow handles POST /api/flows/ticket_flow/bootstrap.
func (s *Server) bootstrapTicketFlow(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "repo_id is required")
		return
	}
	run, hint, err := s.flows.Bootstrap(c.Request.Context(), req.RepoID, state.TicketFlow)
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"id": run.RunID, "state": run.State, "status": run.Status}
	if hint != "" {
		body["hint"] = hint
	}
	c.JSON(http.StatusOK, body)
}

// resumeRun handles POST /api/flows/:run_id/resume.
func (s *Server) resumeRun(c *gin.Context) {
	run, err := s.flows.Resume(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": run.RunID, "status": run.Status})
}

// stopRun handles POST /api/flows/:run_id/stop.
func (s *Server) stopRun(c *gin.Context) {
	runID := c.Param("run_id")
	if err := s.flows.Stop(c.Request.Context(), runID); err != nil {
		respondError(c, err)
		return
	}
	run, err := s.flows.Run(runID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": run.RunID, "status": run.Status})
}

// archiveRun handles POST /api/flows/:run_id/archive.
func (s *Server) archiveRun(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = archiveRequest{}
	}
	runID := c.Param("run_id")
	moved, err := s.flows.Archive(c.Request.Context(), runID, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": runID, "tickets_moved": moved})
}

// handoffHistory handles GET /api/flows/:run_id/handoff_history.
func (s *Server) handoffHistory(c *gin.Context) {
	handoffs, err := s.flows.Handoffs(c.Param("run_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if handoffs == nil {
		handoffs = []state.HandoffDispatch{}
	}
	c.JSON(http.StatusOK, handoffs)
}

// streamRunEvents handles GET /api/flows/:run_id/events. It replays nothing;
// the stream carries live events until stream_end or client disconnect.
func (s *Server) streamRunEvents(c *gin.Context) {
	runID := c.Param("run_id")

	// Subscribe before the status check so a terminal transition between
	// the two cannot be missed.
	sub, err := s.bus.Subscribe(c.Request.Context(), events.RunSubject(runID))
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	run, err := s.flows.Run(runID)
	if err != nil {
		respondError(c, err)
		return
	}

	sseHeaders(c)

	if state.TerminalStatus(run.Status) {
		end := map[string]any{"type": events.StreamEnd, "run_id": runID, "data": gin.H{"status": run.Status}}
		_ = sseWrite(c, events.StreamEnd, end)
		return
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sseWrite(c, ev.Type, ev); err != nil {
				s.logger.Debug("client left run event stream",
					zap.String("run_id", runID), zap.Error(err))
				return
			}
			if ev.Type == events.StreamEnd {
				return
			}
		}
	}
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	// Flush so the client sees the stream open before the first event.
	c.Writer.Flush()
}

func sseWrite(c *gin.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
