package handlers

import (
	"net/http"

	"storefront-server/services"

	"github.com/gin-gonic/gin"
)

type redeemRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type redeemRewardRequest struct {
	Points int64 `json:"points" binding:"required"`
}

// GetLevels lists the loyalty tiers
func (h *Handler) GetLevels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": services.GetLevels()})
}

// GetRewards lists the coupons that can be bought with points
func (h *Handler) GetRewards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": services.GetRewards()})
}

// GetMyPoints returns the caller's balance and tier progress
func (h *Handler) GetMyPoints(c *gin.Context) {
	summary, err := h.points.Summary(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
}

// GetMyHistory returns the caller's ledger, newest first
func (h *Handler) GetMyHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	history, err := h.points.GetHistory(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": history})
}

// RedeemPoints spends an arbitrary amount of the caller's points
func (h *Handler) RedeemPoints(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	balance, err := h.points.RedeemPoints(c.Request.Context(), currentUserID(c), req.Amount, req.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"redeemed": req.Amount,
			"balance":  balance,
			"level":    services.CalculateLevel(balance),
		},
	})
}

// RedeemReward buys a catalog coupon with the caller's points
func (h *Handler) RedeemReward(c *gin.Context) {
	var req redeemRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	reward, balance, err := h.points.RedeemReward(c.Request.Context(), currentUserID(c), req.Points)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"reward":  reward,
			"balance": balance,
			"level":   services.CalculateLevel(balance),
		},
	})
}
