package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/renderer"
	"github.com/cuongbtq/photoshoot-be/internal/retry"
)

const (
	defaultBudget      = 2 * time.Minute
	defaultBackupAfter = 10 * time.Minute
)

// Lister reads the provider's authoritative job listing for a model
type Lister interface {
	ListPrompts(ctx context.Context, modelID string) ([]renderer.Prompt, error)
}

// URLResolver maps each candidate image URL to its canonical form, or ""
// when the candidate is rejected
type URLResolver interface {
	Resolve(ctx context.Context, urls []string) []string
}

// BackupRequester starts a backup dispatch for shortfall slots
type BackupRequester interface {
	RequestBackup(ctx context.Context, orderID string, slots []int) error
}

// SweepScheduler arms the delayed follow-up sweep after a backup dispatch
type SweepScheduler interface {
	ScheduleSweep(ctx context.Context, orderID string) error
}

// Config holds sweeper configuration
type Config struct {
	Repository  *aggregate.Repository
	Lister      Lister
	Validator   URLResolver
	Backups     BackupRequester
	Sweeps      SweepScheduler
	Logger      *slog.Logger
	Retry       retry.Policy
	Budget      time.Duration
	BackupAfter time.Duration
}

// Result summarizes a sweep
type Result struct {
	OrderID     string
	Status      domain.OrderStatus
	Counted     int
	Required    int
	Added       int
	Attempts    int
	Skipped     bool
	BackupSlots []int
}

// Complete reports whether the order met its target
func (r *Result) Complete() bool {
	return r.Status == domain.OrderStatusComplete
}

// Sweeper pulls the provider's listing and merges it into the order
type Sweeper struct {
	repo        *aggregate.Repository
	lister      Lister
	validator   URLResolver
	backups     BackupRequester
	sweeps      SweepScheduler
	logger      *slog.Logger
	retry       retry.Policy
	budget      time.Duration
	backupAfter time.Duration
}

// NewSweeper creates a new Sweeper instance
func NewSweeper(cfg *Config) *Sweeper {
	budget := cfg.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	backupAfter := cfg.BackupAfter
	if backupAfter <= 0 {
		backupAfter = defaultBackupAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:        cfg.Repository,
		lister:      cfg.Lister,
		validator:   cfg.Validator,
		backups:     cfg.Backups,
		sweeps:      cfg.Sweeps,
		logger:      logger,
		retry:       cfg.Retry.WithDefaults(),
		budget:      budget,
		backupAfter: backupAfter,
	}
}

// Reconcile is the on-demand sweep. It re-pulls with backoff while the
// order is short, and after a full sweep may request a backup or mark the
// order Failed when dispatch already gave up on some slots.
func (s *Sweeper) Reconcile(parent context.Context, orderID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(parent, s.budget)
	defer cancel()

	log := s.logger.With(
		slog.String("order_id", orderID),
		slog.String("sweep", "on_demand"),
	)

	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result := resultFor(order, 0)
	if order.Status.IsTerminal() {
		result.Skipped = true
		return result, nil
	}

	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.retry.Backoff(attempt - 1)
			log.Warn("Order still short, re-pulling provider listing...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", s.retry.MaxAttempts),
				slog.Int("counted", result.Counted),
				slog.Int("required", result.Required),
				slog.Duration("retry_after", delay),
			)
			if err := retry.Sleep(ctx, delay); err != nil {
				log.Warn("Sweep budget exhausted",
					slog.String("error", err.Error()),
				)
				return result, nil
			}
		}

		// a backup requested during this sweep still has to land
		final := attempt == s.retry.MaxAttempts-1 && len(result.BackupSlots) == 0
		next, err := s.sweepOnce(ctx, log, orderID, final)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) || !domain.IsRetryable(err) {
				return nil, err
			}
			log.Warn("Failed to pull provider listing",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			result.Attempts = attempt + 1
			continue
		}
		next.Added += result.Added
		next.Attempts = attempt + 1
		if len(next.BackupSlots) == 0 {
			next.BackupSlots = result.BackupSlots
		}
		result = next

		if result.Status.IsTerminal() {
			break
		}
	}

	s.report(ctx, log, result)
	return result, nil
}

// RunScheduled is the one-shot delayed sweep. It exits early when the
// order already resolved and otherwise does a single pull.
func (s *Sweeper) RunScheduled(parent context.Context, orderID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(parent, s.budget)
	defer cancel()

	log := s.logger.With(
		slog.String("order_id", orderID),
		slog.String("sweep", "scheduled"),
	)

	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		log.Debug("Order already resolved, skipping sweep",
			slog.String("status", string(order.Status)),
		)
		result := resultFor(order, 0)
		result.Skipped = true
		return result, nil
	}

	result, err := s.sweepOnce(ctx, log, orderID, false)
	if err != nil {
		return nil, err
	}
	result.Attempts = 1

	s.report(ctx, log, result)
	return result, nil
}

// sweepOnce pulls the listing and merges it. final enables the Failed
// transition, which only a completed full sweep may apply.
func (s *Sweeper) sweepOnce(ctx context.Context, log *slog.Logger, orderID string, final bool) (*Result, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	prompts, err := s.lister.ListPrompts(ctx, order.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider jobs: %w", err)
	}

	candidates := s.collect(ctx, order, prompts)
	log.Debug("Pulled provider listing",
		slog.Int("jobs", len(prompts)),
		slog.Int("valid_artifacts", len(candidates)),
	)

	var added int
	var backup []int
	saved, err := s.repo.Mutate(ctx, orderID, func(o *domain.Order) error {
		added, backup = 0, nil
		if o.Status.IsTerminal() {
			return domain.ErrNoChange
		}

		now := s.repo.Now()
		for n := range candidates {
			candidates[n].ReceivedAt = now
		}
		added = o.AddArtifacts(candidates)
		o.RefreshJobStatuses()
		changed := o.EvaluateCompletion()

		if !o.MeetsTarget() {
			if slots, ok := o.TriggerBackup(now, s.backupAfter); ok {
				backup = slots
				changed = true
			} else if final && len(o.FailedSlots) > 0 && o.Transition(domain.OrderStatusFailed) {
				changed = true
			}
		}

		if added == 0 && !changed {
			return domain.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := resultFor(saved, added)
	result.BackupSlots = backup
	return result, nil
}

// collect validates every listed image and attributes it to a slot by
// external job id, falling back to the prompt text.
func (s *Sweeper) collect(ctx context.Context, order *domain.Order, prompts []renderer.Prompt) []domain.Artifact {
	var urls []string
	origin := make(map[string]renderer.Prompt)
	for _, p := range prompts {
		for _, u := range p.Images {
			if _, ok := origin[u]; ok {
				continue
			}
			origin[u] = p
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil
	}

	resolved := s.validator.Resolve(ctx, urls)
	var artifacts []domain.Artifact
	for n, canonical := range resolved {
		if canonical == "" {
			continue
		}
		p := origin[urls[n]]
		artifacts = append(artifacts, domain.Artifact{
			URL:           canonical,
			SlotIndex:     slotFor(order, p),
			ExternalJobID: string(p.ID),
		})
	}
	return artifacts
}

func (s *Sweeper) report(ctx context.Context, log *slog.Logger, result *Result) {
	switch result.Status {
	case domain.OrderStatusComplete:
		log.Info("Sweep completed order",
			slog.Int("added", result.Added),
			slog.Int("counted", result.Counted),
		)
	case domain.OrderStatusFailed:
		log.Error("Order could not be fulfilled automatically, needs manual attention",
			slog.Int("counted", result.Counted),
			slog.Int("required", result.Required),
		)
	default:
		log.Error("Critical shortfall after reconciliation sweep",
			slog.Int("added", result.Added),
			slog.Int("counted", result.Counted),
			slog.Int("required", result.Required),
			slog.String("status", string(result.Status)),
		)
	}

	if len(result.BackupSlots) == 0 {
		return
	}
	log.Warn("Requesting backup dispatch for shortfall slots",
		slog.Any("slots", result.BackupSlots),
	)
	if s.backups == nil {
		log.Error("No backup requester configured")
	} else if err := s.backups.RequestBackup(ctx, result.OrderID, result.BackupSlots); err != nil {
		log.Error("Failed to request backup dispatch",
			slog.String("error", err.Error()),
		)
	}

	// the backup's images arrive after this sweep, so a follow-up is armed
	if s.sweeps == nil {
		log.Error("No sweep scheduler configured")
	} else if err := s.sweeps.ScheduleSweep(ctx, result.OrderID); err != nil {
		log.Error("Failed to schedule follow-up sweep",
			slog.String("error", err.Error()),
		)
	} else {
		log.Info("Follow-up sweep scheduled after backup")
	}
}

func slotFor(order *domain.Order, p renderer.Prompt) int {
	if slot, ok := order.SlotForJob(string(p.ID)); ok {
		return slot
	}
	if p.Text != "" {
		for _, j := range order.Jobs {
			if j.PromptText == p.Text {
				return j.SlotIndex
			}
		}
	}
	return domain.UnknownSlot
}

func resultFor(o *domain.Order, added int) *Result {
	return &Result{
		OrderID:  o.OrderID,
		Status:   o.Status,
		Counted:  o.CountedArtifacts(),
		Required: o.Targets().RequiredArtifacts,
		Added:    added,
	}
}
