package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/photoshoot-be/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "photoshoot-api-service",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "photoshoot-api-service",
		})
	})

	webhookHandler := handler.NewWebhookHandler(deps)
	orderHandler := handler.NewOrderHandler(deps)

	v1 := r.Group("/api/v1")
	{
		webhooks := v1.Group("/webhooks")
		{
			// POST /api/v1/webhooks/prompt - renderer job callback
			webhooks.POST("/prompt", webhookHandler.PromptCallback)

			// POST /api/v1/webhooks/training - model training finished
			webhooks.POST("/training", webhookHandler.TrainingCallback)
		}

		orders := v1.Group("/orders")
		{
			// GET /api/v1/orders/:order_id - order status and artifacts
			orders.GET("/:order_id", orderHandler.GetOrder)

			// POST /api/v1/orders/:order_id/reconcile - on-demand sweep
			orders.POST("/:order_id/reconcile", orderHandler.ReconcileOrder)
		}
	}

	return r
}
