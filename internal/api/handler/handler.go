package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/ingest"
	"github.com/cuongbtq/photoshoot-be/internal/reconcile"
)

// CallbackIngestor folds renderer callbacks into orders
type CallbackIngestor interface {
	Authorize(secret string) error
	Ingest(ctx context.Context, ev ingest.Event) (*ingest.Outcome, error)
}

// OrderReconciler runs the on-demand sweep
type OrderReconciler interface {
	Reconcile(ctx context.Context, orderID string) (*reconcile.Result, error)
}

// DispatchRequester queues the initial dispatch of an order
type DispatchRequester interface {
	RequestDispatch(ctx context.Context, orderID string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Repository *aggregate.Repository
	Ingestor   CallbackIngestor
	Reconciler OrderReconciler
	Dispatches DispatchRequester
	// Health checks backing services; nil reports healthy
	Health func(ctx context.Context) error
}

// statusFor maps domain errors onto HTTP status codes. Anything not
// recognized is treated as transient so the caller redelivers.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMalformedCallback),
		errors.Is(err, domain.ErrInvalidSlot):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSlotLimitExceeded):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps internal error details out of responses
func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "temporary failure, retry later"
	}
	return err.Error()
}
