package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// OrderHandler serves the order view and the on-demand sweep
type OrderHandler struct {
	logger     *slog.Logger
	repo       *aggregate.Repository
	reconciler OrderReconciler
}

// NewOrderHandler creates a new OrderHandler instance
func NewOrderHandler(deps *Dependencies) *OrderHandler {
	return &OrderHandler{
		logger:     deps.Logger,
		repo:       deps.Repository,
		reconciler: deps.Reconciler,
	}
}

// GetOrder handles GET /api/v1/orders/:order_id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	orderID := c.Param("order_id")

	order, err := h.repo.Get(c.Request.Context(), orderID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to get order",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(status, gin.H{
			"error": publicMessage(status, err),
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewOrderResponse(order))
}

// ReconcileOrder handles POST /api/v1/orders/:order_id/reconcile
// Runs the on-demand sweep before a reader renders partial results.
func (h *OrderHandler) ReconcileOrder(c *gin.Context) {
	orderID := c.Param("order_id")
	ctx := c.Request.Context()

	result, err := h.reconciler.Reconcile(ctx, orderID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to reconcile order",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(status, gin.H{
			"error": publicMessage(status, err),
		})
		return
	}

	order, err := h.repo.Get(ctx, orderID)
	if err != nil {
		status := statusFor(err)
		c.JSON(status, gin.H{
			"error": publicMessage(status, err),
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewReconcileResponse(order, result))
}
