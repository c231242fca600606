package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"storefront-server/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// currentUserID returns the authenticated caller set by AuthMiddleware.
func currentUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

// pathUserID reads and validates the :id route parameter. It writes the 400
// response itself when the id is malformed.
func pathUserID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid user ID"})
		return "", false
	}
	return id, true
}

// queryLimit parses ?limit=, returning 0 when it is absent.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid limit"})
		return 0, false
	}
	return n, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// respondError maps service errors onto HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	var insufficient *services.InsufficientPointsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"error":   "Puntos insuficientes",
			"have":    insufficient.Have,
			"need":    insufficient.Need,
		})
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidReason),
		errors.Is(err, services.ErrUnknownReward):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, services.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "User not found"})
	default:
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
	}
}
