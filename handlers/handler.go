package handlers

import (
	"net/http"

	"storefront-server/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the loyalty HTTP API.
type Handler struct {
	points     *services.PointsService
	orders     *services.OrderService
	reconciler *services.Reconciler
	jwtSecret  string
	log        *zap.Logger
}

func NewHandler(points *services.PointsService, orders *services.OrderService, reconciler *services.Reconciler, jwtSecret string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		points:     points,
		orders:     orders,
		reconciler: reconciler,
		jwtSecret:  jwtSecret,
		log:        log,
	}
}

// RegisterRoutes mounts every route on router. metrics, when non-nil, is
// served at /metrics.
func (h *Handler) RegisterRoutes(router *gin.Engine, metrics http.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"message": "Storefront loyalty server is running",
		})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	api := router.Group("/api/v1")
	auth := AuthMiddleware(h.jwtSecret)

	// Public tier and catalog data
	api.GET("/points/levels", h.GetLevels)
	api.GET("/points/rewards", h.GetRewards)

	points := api.Group("/points")
	points.Use(auth)
	{
		points.GET("", h.GetMyPoints)
		points.GET("/history", h.GetMyHistory)
		points.POST("/redeem", h.RedeemPoints)
		points.POST("/rewards/redeem", h.RedeemReward)
	}

	api.PUT("/users/push-token", auth, h.UpdatePushToken)

	orders := api.Group("/orders")
	orders.Use(auth)
	{
		orders.POST("", h.CreateOrder)
		orders.GET("", h.GetUserOrders)
	}

	staff := api.Group("/admin")
	staff.Use(auth, h.AdminOrEmployeeMiddleware())
	{
		staff.GET("/users", h.GetAllUsers)
		staff.GET("/users/:id/points/history", h.GetUserPointsHistory)
	}

	admin := api.Group("/admin")
	admin.Use(auth, h.AdminMiddleware())
	{
		admin.POST("/users/:id/points", h.AdjustUserPoints)
		admin.POST("/users/:id/points/reconcile", h.ReconcileUser)
		admin.POST("/points/reconcile", h.ReconcileAll)
	}
}
