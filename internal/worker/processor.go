package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/photoshoot-be/internal/dispatch"
	"github.com/cuongbtq/photoshoot-be/internal/reconcile"
	"github.com/cuongbtq/photoshoot-be/internal/task"
)

// Fulfiller runs initial and backup dispatches
type Fulfiller interface {
	Start(ctx context.Context, orderID string) (*dispatch.Outcome, error)
	RunBackup(ctx context.Context, orderID string, slots []int) (*dispatch.Outcome, error)
}

// ScheduledSweeper runs the one-shot delayed sweep
type ScheduledSweeper interface {
	RunScheduled(ctx context.Context, orderID string) (*reconcile.Result, error)
}

// Processor routes tasks to the fulfillment service or the sweeper. It is
// the task.Handler for both the queue consumer and the in-process runner.
type Processor struct {
	fulfillment Fulfiller
	sweeper     ScheduledSweeper
	logger      *slog.Logger
}

// NewProcessor creates a new Processor instance
func NewProcessor(fulfillment Fulfiller, sweeper ScheduledSweeper, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		fulfillment: fulfillment,
		sweeper:     sweeper,
		logger:      logger,
	}
}

// Handle implements task.Handler
func (p *Processor) Handle(ctx context.Context, t *task.Task) error {
	log := p.logger.With(
		slog.String("task_id", t.TaskID),
		slog.String("type", string(t.Type)),
		slog.String("order_id", t.OrderID),
	)

	switch t.Type {
	case task.TypeDispatch:
		outcome, err := p.fulfillment.Start(ctx, t.OrderID)
		if err != nil {
			return fmt.Errorf("dispatch order %s: %w", t.OrderID, err)
		}
		logOutcome(log, outcome)

	case task.TypeBackup:
		outcome, err := p.fulfillment.RunBackup(ctx, t.OrderID, t.Slots)
		if err != nil {
			return fmt.Errorf("backup order %s: %w", t.OrderID, err)
		}
		logOutcome(log, outcome)

	case task.TypeSweep:
		result, err := p.sweeper.RunScheduled(ctx, t.OrderID)
		if err != nil {
			return fmt.Errorf("sweep order %s: %w", t.OrderID, err)
		}
		log.Info("Scheduled sweep finished",
			slog.String("status", string(result.Status)),
			slog.Int("counted", result.Counted),
			slog.Int("required", result.Required),
			slog.Bool("skipped", result.Skipped),
		)

	default:
		return fmt.Errorf("%w: unknown type %q", task.ErrInvalidTask, t.Type)
	}

	return nil
}

func logOutcome(log *slog.Logger, outcome *dispatch.Outcome) {
	if outcome == nil {
		return
	}
	log.Info("Dispatch task finished",
		slog.Int("slots", len(outcome.Slots)),
		slog.Any("failed_slots", outcome.FailedSlots),
		slog.Bool("stopped", outcome.Stopped),
	)
}
