package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/task"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}
			w.handleMessage(ctx, workerName, msg)
		}
	}
}

// handleMessage runs one task and settles its delivery
func (w *Worker) handleMessage(ctx context.Context, workerName string, msg *TaskMessage) {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("task_id", msg.Task.TaskID),
		slog.String("type", string(msg.Task.Type)),
		slog.String("order_id", msg.Task.OrderID),
	)
	log.Info("Worker received task",
		slog.Uint64("delivery_tag", msg.Delivery.DeliveryTag),
	)

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	err := w.handler.Handle(jobCtx, msg.Task)
	if err == nil {
		if ackErr := msg.Delivery.Ack(false); ackErr != nil {
			log.Error("Failed to ACK message",
				slog.String("error", ackErr.Error()),
			)
			return
		}
		log.Info("Task completed successfully")
		return
	}

	requeue := shouldRequeue(err, msg.Delivery.Redelivered)
	log.Error("Task processing failed",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)
	if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
		log.Error("Failed to NACK message",
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeue puts transient failures back on the queue once. A second
// failure of a redelivered task goes to the dead-letter path.
func shouldRequeue(err error, redelivered bool) bool {
	switch {
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, domain.ErrInvalidSlot),
		errors.Is(err, domain.ErrOrderNotFound):
		return false
	case redelivered:
		return false
	default:
		return domain.IsRetryable(err)
	}
}
