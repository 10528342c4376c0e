package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kapixcr/Kapchat-sub000/internal/logging"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// statusOf maps an error code to an HTTP status. Persistence failures are 503
// so that the chat platform skips automation for the message and moves on.
func statusOf(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case schema.ErrCodeStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusOf(err)
	code := schema.CodeOf(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	if status >= http.StatusInternalServerError {
		logging.LogWith(c.Request.Context(), s.logger).Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}

	body := gin.H{"error": err.Error(), "code": code}
	var ke *schema.KapchatError
	if errors.As(err, &ke) && ke.Details != nil {
		body["details"] = ke.Details
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": schema.ErrCodeValidation})
}
