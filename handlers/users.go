package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type pushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// UpdatePushToken registers the caller's device for level-up notifications.
// An empty token disables them.
func (h *Handler) UpdatePushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format")
		return
	}

	if err := h.points.SetPushToken(c.Request.Context(), currentUserID(c), req.PushToken); err != nil {
		h.respondError(c, err)
		return
	}

	msg := "Push token updated"
	if req.PushToken == "" {
		msg = "Push notifications disabled"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}
