package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler runs one task
type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

// Local runs tasks in-process. It serves single-process deployments and
// tests; tasks are lost if the process exits.
type Local struct {
	mu         sync.RWMutex
	handler    Handler
	sweepDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
	closed     bool
	timers     map[string]*time.Timer
}

// NewLocal creates a new Local runner. Bind must be called before use.
func NewLocal(sweepDelay, timeout time.Duration, logger *slog.Logger) *Local {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Local{
		sweepDelay: sweepDelay,
		timeout:    timeout,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
	}
}

// Bind sets the handler tasks are delivered to
func (l *Local) Bind(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// RequestDispatch runs the initial dispatch in the background
func (l *Local) RequestDispatch(ctx context.Context, orderID string) error {
	l.submit(New(TypeDispatch, orderID, nil), 0)
	return nil
}

// RequestBackup runs a backup dispatch in the background
func (l *Local) RequestBackup(ctx context.Context, orderID string, slots []int) error {
	l.submit(New(TypeBackup, orderID, slots), 0)
	return nil
}

// ScheduleSweep runs the one-shot sweep after the configured delay
func (l *Local) ScheduleSweep(ctx context.Context, orderID string) error {
	l.submit(New(TypeSweep, orderID, nil), l.sweepDelay)
	return nil
}

func (l *Local) submit(t *Task, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.logger.Warn("Task runner closed, dropping task",
			slog.String("type", string(t.Type)),
			slog.String("order_id", t.OrderID),
		)
		return
	}

	l.wg.Add(1)
	if delay <= 0 {
		go l.run(t)
		return
	}
	l.timers[t.TaskID] = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t.TaskID)
		l.mu.Unlock()
		l.run(t)
	})
}

func (l *Local) run(t *Task) {
	defer l.wg.Done()

	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()
	if h == nil {
		l.logger.Error("No task handler bound",
			slog.String("type", string(t.Type)),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := h.Handle(ctx, t); err != nil {
		l.logger.Error("Task failed",
			slog.String("task_id", t.TaskID),
			slog.String("type", string(t.Type)),
			slog.String("order_id", t.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// Close cancels pending delayed tasks and waits for running ones
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	for _, timer := range l.timers {
		if timer.Stop() {
			l.wg.Done()
		}
	}
	clear(l.timers)
	l.mu.Unlock()

	l.wg.Wait()
}
