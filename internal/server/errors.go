package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindPreconditionFailed:
		return http.StatusConflict
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindDestinationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError maps an error kind to its HTTP status and writes the
// {detail, error} body.
func respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	c.JSON(statusForKind(kind), gin.H{
		"detail": err.Error(),
		"error":  string(kind),
	})
}

func respondBadRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
}
