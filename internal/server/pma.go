package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codex-autorunner/autorunner/internal/state"
)

// listTargets handles GET /api/pma/targets.
func (s *Server) listTargets(c *gin.Context) {
	tf, err := s.hub.LoadTargets()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tf)
}

// addTarget handles POST /api/pma/targets.
func (s *Server) addTarget(c *gin.Context) {
	var target state.DeliveryTarget
	if err := c.ShouldBindJSON(&target); err != nil {
		respondBadRequest(c, "invalid target payload")
		return
	}
	if msg := validateTarget(target); msg != "" {
		respondBadRequest(c, msg)
		return
	}
	if err := s.hub.AddTarget(target); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": target.Key()})
}

// removeTarget handles DELETE /api/pma/targets/*key.
func (s *Server) removeTarget(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		respondBadRequest(c, "target key is required")
		return
	}
	if err := s.hub.RemoveTarget(key); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// listDispatches handles GET /api/pma/dispatches.
func (s *Server) listDispatches(c *gin.Context) {
	dispatches, err := s.hub.ListDispatches()
	if err != nil {
		respondError(c, err)
		return
	}
	if dispatches == nil {
		dispatches = []*state.Dispatch{}
	}
	c.JSON(http.StatusOK, dispatches)
}

// resolveDispatch handles POST /api/pma/dispatches/:id/resolve.
func (s *Server) resolveDispatch(c *gin.Context) {
	d, err := s.hub.ResolveDispatch(c.Param("id"), time.Now().UTC())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func validateTarget(t state.DeliveryTarget) string {
	switch t.Kind {
	case state.TargetWeb:
	case state.TargetLocal:
		if t.Path == "" {
			return "local target requires path"
		}
	case state.TargetChat:
		if t.Platform == "" || t.ChatID == "" {
			return "chat target requires platform and chat_id"
		}
	default:
		return "kind must be web, local, or chat"
	}
	return ""
}
