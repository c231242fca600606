package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	TotalAmount *decimal.Decimal `json:"total_amount"`
	Currency    string           `json:"currency"`
}

// CreateOrder records a completed checkout and awards its purchase points
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.TotalAmount == nil {
		badRequest(c, "total_amount is required")
		return
	}

	res, err := h.orders.CreateOrder(c.Request.Context(), currentUserID(c), *req.TotalAmount, req.Currency)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": res})
}

// GetUserOrders lists the caller's orders
func (h *Handler) GetUserOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": orders})
}
