package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const contentTypeJSON = "application/json"

// Broker is the part of the RabbitMQ client the publisher needs
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error
}

// Publisher turns fulfillment requests into queued tasks
type Publisher struct {
	broker     Broker
	sweepDelay time.Duration
	logger     *slog.Logger
}

// NewPublisher creates a new Publisher instance
func NewPublisher(broker Broker, sweepDelay time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker:     broker,
		sweepDelay: sweepDelay,
		logger:     logger,
	}
}

// RequestDispatch queues the initial dispatch for an order
func (p *Publisher) RequestDispatch(ctx context.Context, orderID string) error {
	return p.publish(ctx, New(TypeDispatch, orderID, nil), 0)
}

// RequestBackup queues a backup dispatch for shortfall slots
func (p *Publisher) RequestBackup(ctx context.Context, orderID string, slots []int) error {
	return p.publish(ctx, New(TypeBackup, orderID, slots), 0)
}

// ScheduleSweep queues the one-shot sweep behind the configured delay
func (p *Publisher) ScheduleSweep(ctx context.Context, orderID string) error {
	return p.publish(ctx, New(TypeSweep, orderID, nil), p.sweepDelay)
}

func (p *Publisher) publish(ctx context.Context, t *Task, delay time.Duration) error {
	body, err := t.Encode()
	if err != nil {
		return err
	}

	if delay > 0 {
		err = p.broker.PublishDelayed(ctx, body, contentTypeJSON, delay)
	} else {
		err = p.broker.PublishWithRetry(ctx, body, contentTypeJSON)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s task for order %s: %w", t.Type, t.OrderID, err)
	}

	p.logger.Info("Task published",
		slog.String("task_id", t.TaskID),
		slog.String("type", string(t.Type)),
		slog.String("order_id", t.OrderID),
		slog.Duration("delay", delay),
	)
	return nil
}
