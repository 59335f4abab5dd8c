package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/delivery"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/flows"
	"github.com/codex-autorunner/autorunner/internal/state"
	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

type chatRequest struct {
	RepoID  string `json:"repo_id" binding:"required"`
	Message string `json:"message" binding:"required"`
	Agent   string `json:"agent"`
	Model   string `json:"model"`
}

// fileChat handles POST /api/file-chat: one ad-hoc agent turn, streamed as
// SSE. Classified app-server entries stream as "event"; envelopes that did
// not classify stream as "app-server".
func (s *Server) fileChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "repo_id and message are required")
		return
	}

	session, err := s.sessions.Open(c.Request.Context(), req.RepoID, req.Agent, req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	turnEvents, err := session.StartTurn(c.Request.Context(), supervisor.TurnRequest{
		Message:      req.Message,
		Agent:        req.Agent,
		Model:        req.Model,
		ClientTurnID: "chat-" + ulid.Make().String(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	sseHeaders(c)
	for ev := range turnEvents {
		name := string(ev.Type)
		if ev.Type == supervisor.TurnEventAppServer && ev.AppServer != nil && ev.AppServer.Kind != events.KindUnknown {
			name = "event"
		}
		if err := sseWrite(c, name, ev); err != nil {
			s.logger.Debug("client left chat stream", zap.Error(err))
			return
		}
		if ev.Type.Terminal() {
			return
		}
	}
}

type pmaChatResponse struct {
	Status                  string           `json:"status"`
	DeliveryStatus          string           `json:"delivery_status,omitempty"`
	DeliveryOutcome         *delivery.Result `json:"delivery_outcome,omitempty"`
	DispatchDeliveryOutcome *delivery.Result `json:"dispatch_delivery_outcome,omitempty"`
}

// pmaChat handles POST /hub/pma/chat: one PMA turn whose final message fans
// out to the delivery targets. A notify handoff in the reply additionally
// becomes a hub dispatch with its own delivery outcome.
func (s *Server) pmaChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "repo_id and message are required")
		return
	}

	session, err := s.sessions.Open(c.Request.Context(), req.RepoID, req.Agent, req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	turnID := "pma-" + ulid.Make().String()
	turnEvents, err := session.StartTurn(c.Request.Context(), supervisor.TurnRequest{
		Message:      req.Message,
		Agent:        req.Agent,
		Model:        req.Model,
		ClientTurnID: turnID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	var final *supervisor.TurnEvent
	for ev := range turnEvents {
		if ev.Type.Terminal() {
			final = &ev
			break
		}
	}

	resp := pmaChatResponse{Status: "error"}
	if final == nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	switch final.Type {
	case supervisor.TurnEventDone:
		resp.Status = "ok"
	case supervisor.TurnEventInterrupted:
		resp.Status = "interrupted"
	default:
		resp.Status = "error"
	}

	if resp.Status == "ok" && final.FinalMessage != "" {
		outcome, err := s.deliverer.Deliver(c.Request.Context(), delivery.Request{
			TurnID: turnID,
			Text:   final.FinalMessage,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		resp.DeliveryOutcome = outcome
		resp.DeliveryStatus = outcome.Status
		resp.DispatchDeliveryOutcome = s.deliverReplyDispatch(c, turnID, final.FinalMessage)
	}

	c.JSON(http.StatusOK, resp)
}

// deliverReplyDispatch turns a notify handoff in the reply into a hub
// dispatch and routes it. nil when the reply carries none.
func (s *Server) deliverReplyDispatch(c *gin.Context, turnID, message string) *delivery.Result {
	reply := flows.ParseReply(message)
	if reply == nil || reply.Handoff == nil || reply.Handoff.Mode != state.HandoffNotify {
		return nil
	}
	h := reply.Handoff
	d := &state.Dispatch{
		ID:           ulid.Make().String(),
		Title:        h.Title,
		Priority:     state.DispatchInfo,
		CreatedAt:    time.Now().UTC(),
		SourceTurnID: turnID,
		Body:         h.Body,
	}
	if _, err := s.hub.WriteDispatch(d); err != nil {
		s.logger.Error("write pma dispatch", zap.Error(err))
		return nil
	}
	text := d.Body
	if d.Title != "" {
		text = d.Title + "\n\n" + d.Body
	}
	outcome, err := s.deliverer.Deliver(c.Request.Context(), delivery.Request{
		DispatchID: d.ID,
		IsDispatch: true,
		Text:       text,
	})
	if err != nil {
		s.logger.Error("deliver pma dispatch", zap.String("dispatch_id", d.ID), zap.Error(err))
		return nil
	}
	return outcome
}
