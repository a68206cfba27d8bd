package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/retry"
)

const defaultMaxConflicts = 5

// MutateFunc applies a merge to a freshly read aggregate. Returning
// domain.ErrNoChange skips the write.
type MutateFunc func(order *domain.Order) error

// RepositoryConfig holds repository configuration
type RepositoryConfig struct {
	Store        Store
	Locker       Locker
	Logger       *slog.Logger
	PersistRetry retry.Policy
	MaxConflicts int
	Now          func() time.Time
}

// Repository is the only write path to an order aggregate. Every write is
// a read-merge-write cycle under the order's lock, guarded by the store's
// version check.
type Repository struct {
	store        Store
	locker       Locker
	logger       *slog.Logger
	persistRetry retry.Policy
	maxConflicts int
	now          func() time.Time
}

// NewRepository creates a new Repository instance
func NewRepository(cfg *RepositoryConfig) *Repository {
	locker := cfg.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConflicts := cfg.MaxConflicts
	if maxConflicts <= 0 {
		maxConflicts = defaultMaxConflicts
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Repository{
		store:        cfg.Store,
		locker:       locker,
		logger:       logger,
		persistRetry: cfg.PersistRetry.WithDefaults(),
		maxConflicts: maxConflicts,
		now:          now,
	}
}

// Now returns the repository clock
func (r *Repository) Now() time.Time {
	return r.now()
}

// Create stores a new aggregate
func (r *Repository) Create(ctx context.Context, order *domain.Order) error {
	return r.withRetry(ctx, "create", order.OrderID, func(ctx context.Context) error {
		return r.store.Create(ctx, order)
	})
}

// Get reads the current aggregate
func (r *Repository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	err := r.withRetry(ctx, "get", orderID, func(ctx context.Context) error {
		o, err := r.store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Mutate runs fn against the latest aggregate and persists the result.
// fn may run more than once when a concurrent writer wins the version
// race, so it must be a pure merge over the order it is given.
func (r *Repository) Mutate(ctx context.Context, orderID string, fn MutateFunc) (*domain.Order, error) {
	release, err := r.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to lock order %s: %w", orderID, err))
	}
	defer release()

	for conflict := 0; conflict < r.maxConflicts; conflict++ {
		order, err := r.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}

		if err := fn(order); err != nil {
			if errors.Is(err, domain.ErrNoChange) {
				return order, nil
			}
			return nil, err
		}
		order.UpdatedAt = r.now()

		err = r.withRetry(ctx, "save", orderID, func(ctx context.Context) error {
			return r.store.Save(ctx, order)
		})
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}

		r.logger.Warn("Order changed underneath merge, re-reading...",
			slog.String("order_id", orderID),
			slog.Int("conflict", conflict+1),
			slog.Int("max_conflicts", r.maxConflicts),
		)
	}

	return nil, fmt.Errorf("order %s: %w after %d attempts", orderID, domain.ErrVersionConflict, r.maxConflicts)
}

// withRetry retries transient store errors with backoff. Anything else,
// including version conflicts, is returned immediately.
func (r *Repository) withRetry(ctx context.Context, op, orderID string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.persistRetry, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && !domain.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		r.logger.Warn("Failed to "+op+" order, retrying...",
			slog.String("order_id", orderID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
	})
	if err != nil && domain.IsRetryable(err) {
		r.logger.Error("Failed to "+op+" order after retries",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
	return err
}
