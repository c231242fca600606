package handlers

import (
	"errors"
	"net/http"

	"storefront-server/models"
	"storefront-server/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminMiddleware checks that the caller is an admin
func (h *Handler) AdminMiddleware() gin.HandlerFunc {
	return h.requireRole(models.RoleAdmin)
}

// AdminOrEmployeeMiddleware checks that the caller is an admin or employee
func (h *Handler) AdminOrEmployeeMiddleware() gin.HandlerFunc {
	return h.requireRole(models.RoleAdmin, models.RoleEmployee)
}

func (h *Handler) requireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUserID(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "User ID not found in context"})
			return
		}

		role, err := h.points.Role(c.Request.Context(), userID)
		if errors.Is(err, services.ErrUserNotFound) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "Admin access required"})
			return
		}
		if err != nil {
			h.log.Error("checking user role failed", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to check user role"})
			return
		}

		for _, r := range allowed {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "Admin access required"})
	}
}
