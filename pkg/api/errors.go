package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jitenkr2030/exostack/pkg/registry"
)

// mapError writes the error envelope for a registry/scheduler error.
func mapError(c *gin.Context, err error) {
	kind := registry.Kind(err)
	message := err.Error()

	var status int
	switch kind {
	case "invalid_argument":
		status = http.StatusBadRequest
	case "permission_denied":
		status = http.StatusForbidden
	case "not_found":
		status = http.StatusNotFound
	case "state_conflict":
		status = http.StatusConflict
	case "unavailable":
		status = http.StatusServiceUnavailable
	default:
		// Unexpected error: log the detail, hide it from the client.
		slog.Error("Unexpected error serving request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err)
		status = http.StatusInternalServerError
		message = "internal server error"
	}

	c.JSON(status, gin.H{
		"ok": false,
		"error": gin.H{
			"kind":    kind,
			"message": message,
		},
	})
}

// bindJSON binds the request body, converting gin's bind failure into the
// invalid_argument envelope.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		mapError(c, registry.NewValidationError("body", err.Error()))
		return false
	}
	return true
}
