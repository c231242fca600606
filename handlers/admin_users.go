package handlers

import (
	"net/http"

	"storefront-server/models"
	"storefront-server/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type adjustPointsRequest struct {
	Type   string `json:"type" binding:"required,oneof=add subtract"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
}

// GetAllUsers lists users with their balance and tier (admin or employee)
func (h *Handler) GetAllUsers(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	members, err := h.points.ListMembers(c.Request.Context(), c.Query("search"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": members})
}

// AdjustUserPoints adds or removes points by hand (admin only). Manual
// adjustments are recorded as bonus entries carrying the admin's note.
func (h *Handler) AdjustUserPoints(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	var req adjustPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Por favor completa todos los campos")
		return
	}

	amount := req.Amount
	if req.Type == "subtract" {
		amount = -amount
	}
	balance, err := h.points.AddPoints(c.Request.Context(), userID, amount, models.ReasonBonus, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.log.Info("points adjusted by admin",
		zap.String("admin_id", currentUserID(c)),
		zap.String("user_id", userID),
		zap.Int64("amount", amount))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Puntos actualizados correctamente",
		"data": gin.H{
			"balance": balance,
			"level":   services.CalculateLevel(balance),
		},
	})
}

// GetUserPointsHistory returns a user's ledger (admin or employee)
func (h *Handler) GetUserPointsHistory(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	history, err := h.points.GetHistory(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": history})
}

// ReconcileUser rebuilds one user's cached balance from the ledger (admin only)
func (h *Handler) ReconcileUser(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	res, err := h.points.Reconcile(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
}

// ReconcileAll runs a reconcile pass over every user (admin only)
func (h *Handler) ReconcileAll(c *gin.Context) {
	report, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": report})
}
