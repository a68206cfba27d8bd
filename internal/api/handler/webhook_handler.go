package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/api/dto"
	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/ingest"
	"github.com/gin-gonic/gin"
)

const maxCallbackBody = 1 << 20

// WebhookHandler receives renderer callbacks and training completions
type WebhookHandler struct {
	logger     *slog.Logger
	repo       *aggregate.Repository
	ingestor   CallbackIngestor
	dispatches DispatchRequester
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:     deps.Logger,
		repo:       deps.Repository,
		ingestor:   deps.Ingestor,
		dispatches: deps.Dispatches,
	}
}

// PromptCallback handles POST /api/v1/webhooks/prompt
// The renderer posts one finished generation job here. Non-2xx answers
// make it redeliver.
func (h *WebhookHandler) PromptCallback(c *gin.Context) {
	orderID := c.Query("orderId")

	var slotIndex *int
	if raw := c.Query("slotIndex"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "slotIndex must be an integer",
			})
			return
		}
		slotIndex = &n
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("Failed to read callback body",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unreadable request body",
		})
		return
	}

	out, err := h.ingestor.Ingest(c.Request.Context(), ingest.Event{
		OrderID:   orderID,
		Secret:    c.Query("webhookSecret"),
		SlotIndex: slotIndex,
		Body:      body,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to ingest callback",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(status, gin.H{
			"error": publicMessage(status, err),
		})
		return
	}

	c.JSON(http.StatusOK, dto.CallbackResponse{
		OrderID:       out.OrderID,
		ExternalJobID: out.ExternalJobID,
		Status:        string(out.Status),
		Duplicate:     out.Duplicate,
		Added:         out.Added,
		Counted:       out.Counted,
		Required:      out.Required,
	})
}

// TrainingCallback handles POST /api/v1/webhooks/training
// Creates the order once its model finished training and queues the
// initial dispatch.
func (h *WebhookHandler) TrainingCallback(c *gin.Context) {
	if err := h.ingestor.Authorize(c.Query("webhookSecret")); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": err.Error(),
		})
		return
	}

	orderID := c.Query("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "orderId is required",
		})
		return
	}

	var req dto.TrainingWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid training webhook body",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	if req.Tune.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tune.id is required",
		})
		return
	}

	ctx := c.Request.Context()
	order := domain.NewOrder(orderID, domain.PlanTier(req.PlanTier), string(req.Tune.ID), briefFrom(req), h.repo.Now())

	created := true
	if err := h.repo.Create(ctx, order); err != nil {
		if !errors.Is(err, domain.ErrOrderExists) {
			h.logger.Error("Failed to create order",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create order",
			})
			return
		}
		created = false
		if order, err = h.repo.Get(ctx, orderID); err != nil {
			c.JSON(statusFor(err), gin.H{
				"error": publicMessage(statusFor(err), err),
			})
			return
		}
	}

	// a redelivered notice re-queues only when nothing was dispatched yet
	dispatched := false
	if created || (len(order.Jobs) == 0 && !order.Status.IsTerminal()) {
		if err := h.dispatches.RequestDispatch(ctx, orderID); err != nil {
			h.logger.Error("Failed to queue dispatch",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("order %s stored but dispatch was not queued", orderID),
			})
			return
		}
		dispatched = true
	}

	h.logger.Info("Training webhook accepted",
		slog.String("order_id", orderID),
		slog.String("model_id", order.ModelID),
		slog.String("plan_tier", string(order.PlanTier)),
		slog.Bool("created", created),
		slog.Bool("dispatched", dispatched),
	)

	c.JSON(http.StatusOK, dto.TrainingWebhookResponse{
		OrderID:    orderID,
		Status:     string(order.Status),
		Created:    created,
		Dispatched: dispatched,
	})
}

func briefFrom(req dto.TrainingWebhookRequest) domain.Brief {
	styles := make([]domain.Style, 0, len(req.Styles))
	for _, s := range req.Styles {
		styles = append(styles, domain.Style{Clothing: s.Clothing, Background: s.Background})
	}
	return domain.Brief{
		Gender: req.Subject.Gender,
		Age:    req.Subject.Age,
		Styles: styles,
	}
}
