package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/domain"
)

const (
	defaultBackupAfter    = 10 * time.Minute
	defaultNearCompletion = 0.9
)

// URLValidator resolves candidate image URLs to canonical ones
type URLValidator interface {
	ValidateAll(ctx context.Context, urls []string) []string
}

// BackupRequester starts a backup dispatch for shortfall slots
type BackupRequester interface {
	RequestBackup(ctx context.Context, orderID string, slots []int) error
}

// SweepScheduler arms the one-shot delayed reconciliation sweep
type SweepScheduler interface {
	ScheduleSweep(ctx context.Context, orderID string) error
}

// Config holds ingestor configuration
type Config struct {
	Repository          *aggregate.Repository
	Validator           URLValidator
	Backups             BackupRequester
	Sweeps              SweepScheduler
	Logger              *slog.Logger
	WebhookSecret       string
	BackupAfter         time.Duration
	NearCompletionRatio float64
}

// Event is one inbound callback before any checks
type Event struct {
	OrderID string
	Secret  string
	// SlotIndex is nil when the callback URL carried no slot
	SlotIndex *int
	Body      []byte
}

// Outcome reports what a callback changed
type Outcome struct {
	OrderID       string
	ExternalJobID string
	Duplicate     bool
	Added         int
	Counted       int
	Required      int
	Status        domain.OrderStatus
	BackupSlots   []int
	SweepArmed    bool
}

// Ingestor folds renderer callbacks into order aggregates
type Ingestor struct {
	repo           *aggregate.Repository
	validator      URLValidator
	backups        BackupRequester
	sweeps         SweepScheduler
	logger         *slog.Logger
	secret         []byte
	backupAfter    time.Duration
	nearCompletion float64
}

// NewIngestor creates a new Ingestor instance
func NewIngestor(cfg *Config) *Ingestor {
	backupAfter := cfg.BackupAfter
	if backupAfter <= 0 {
		backupAfter = defaultBackupAfter
	}
	ratio := cfg.NearCompletionRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultNearCompletion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		repo:           cfg.Repository,
		validator:      cfg.Validator,
		backups:        cfg.Backups,
		sweeps:         cfg.Sweeps,
		logger:         logger,
		secret:         []byte(cfg.WebhookSecret),
		backupAfter:    backupAfter,
		nearCompletion: ratio,
	}
}

// Authorize compares a presented secret against the shared webhook secret
func (i *Ingestor) Authorize(secret string) error {
	if len(i.secret) == 0 || subtle.ConstantTimeCompare([]byte(secret), i.secret) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

// Ingest runs the callback checks in order and merges the surviving
// artifacts. A repeated external job id is a successful no-op.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) (*Outcome, error) {
	if err := i.Authorize(ev.Secret); err != nil {
		i.logger.Warn("Rejected callback with invalid secret",
			slog.String("order_id", ev.OrderID),
		)
		return nil, err
	}

	if ev.OrderID == "" {
		return nil, domain.ErrOrderNotFound
	}
	order, err := i.repo.Get(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}

	job, err := ParsePayload(ev.Body)
	if err != nil {
		i.logger.Warn("Rejected malformed callback",
			slog.String("order_id", ev.OrderID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	externalID := string(job.ID)

	slot, err := resolveSlot(order, ev.SlotIndex, externalID)
	if err != nil {
		i.logger.Error("Callback slot outside the order's slot range",
			slog.String("order_id", ev.OrderID),
			slog.String("external_job_id", externalID),
			slog.Int("slot_index", *ev.SlotIndex),
		)
		return nil, err
	}

	// a repeat that now names the slot of a slotless report still folds
	orphaned := slot != domain.UnknownSlot && order.HasContributor(domain.ContributorKey(domain.UnknownSlot, externalID))
	if order.HasSeenJob(externalID) && !orphaned {
		i.logger.Info("Duplicate callback ignored",
			slog.String("order_id", ev.OrderID),
			slog.String("external_job_id", externalID),
		)
		return snapshot(order, externalID, true), nil
	}

	return i.fold(ctx, ev.OrderID, slot, externalID, job.Images)
}

// Fold merges images a trusted path already holds, such as URLs the
// renderer returned synchronously on create.
func (i *Ingestor) Fold(ctx context.Context, orderID string, slot int, externalJobID string, urls []string) (*Outcome, error) {
	if slot < domain.UnknownSlot || slot >= domain.RequiredJobs {
		return nil, fmt.Errorf("%w: slot %d", domain.ErrSlotLimitExceeded, slot)
	}
	return i.fold(ctx, orderID, slot, externalJobID, urls)
}

func (i *Ingestor) fold(ctx context.Context, orderID string, slot int, externalID string, urls []string) (*Outcome, error) {
	log := i.logger.With(
		slog.String("order_id", orderID),
		slog.String("external_job_id", externalID),
		slog.Int("slot_index", slot),
	)

	valid := i.validator.ValidateAll(ctx, urls)
	if len(valid) == 0 {
		log.Warn("Callback carried no valid artifacts",
			slog.Int("candidates", len(urls)),
		)
	}

	var out *Outcome
	order, err := i.repo.Mutate(ctx, orderID, func(o *domain.Order) error {
		out = &Outcome{OrderID: orderID, ExternalJobID: externalID}

		if slot == domain.UnknownSlot {
			slot, _ = o.SlotForJob(externalID)
		}
		// binding the job to its slot first keeps an earlier slotless
		// report from counting as a second contributor
		rekeyed := false
		if slot != domain.UnknownSlot {
			rekeyed = o.RecordExternalJob(slot, externalID)
		}

		if o.HasSeenJob(externalID) {
			out.Duplicate = true
			if rekeyed {
				o.RefreshJobStatuses()
				return nil
			}
			return domain.ErrNoChange
		}

		key := domain.ContributorKey(slot, externalID)
		if !o.HasContributor(key) && len(o.Contributors) >= o.Targets().RequiredJobs {
			return fmt.Errorf("%w: %s would be contributor %d of %d",
				domain.ErrSlotLimitExceeded, key, len(o.Contributors)+1, o.Targets().RequiredJobs)
		}

		now := i.repo.Now()
		o.MarkJobSeen(externalID)
		o.AddContributor(key)

		artifacts := make([]domain.Artifact, len(valid))
		for n, u := range valid {
			artifacts[n] = domain.Artifact{URL: u, SlotIndex: slot, ExternalJobID: externalID, ReceivedAt: now}
		}
		out.Added = o.AddArtifacts(artifacts)
		o.RefreshJobStatuses()
		o.EvaluateCompletion()

		if slots, ok := o.TriggerBackup(now, i.backupAfter); ok {
			out.BackupSlots = slots
			out.SweepArmed = o.BackupSweepScheduled
		} else if !o.MeetsTarget() && o.NearCompletion(i.nearCompletion) {
			out.SweepArmed = o.ArmSweep()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSlotLimitExceeded) {
			log.Error("Slot limit exceeded, callback rejected",
				slog.String("error", err.Error()),
			)
		} else {
			log.Error("Failed to merge callback",
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	view := snapshot(order, externalID, out.Duplicate)
	out.Counted, out.Required, out.Status = view.Counted, view.Required, view.Status

	if out.Duplicate {
		log.Info("Duplicate callback ignored")
		return out, nil
	}

	log.Info("Callback merged",
		slog.Int("added", out.Added),
		slog.Int("counted", out.Counted),
		slog.Int("required", out.Required),
		slog.String("status", string(out.Status)),
	)

	i.afterMerge(ctx, log, out)
	return out, nil
}

// afterMerge fires the side effects the merge decided on. Both flags are
// already persisted, so a failed publish is logged and not retried here.
func (i *Ingestor) afterMerge(ctx context.Context, log *slog.Logger, out *Outcome) {
	if len(out.BackupSlots) > 0 {
		log.Warn("Order still short after threshold, requesting backup dispatch",
			slog.Any("slots", out.BackupSlots),
		)
		if i.backups == nil {
			log.Error("No backup requester configured")
		} else if err := i.backups.RequestBackup(ctx, out.OrderID, out.BackupSlots); err != nil {
			log.Error("Failed to request backup dispatch",
				slog.String("error", err.Error()),
			)
		}
	}

	if out.SweepArmed {
		if i.sweeps == nil {
			log.Error("No sweep scheduler configured")
		} else if err := i.sweeps.ScheduleSweep(ctx, out.OrderID); err != nil {
			log.Error("Failed to schedule reconciliation sweep",
				slog.String("error", err.Error()),
			)
		} else {
			log.Info("Reconciliation sweep scheduled")
		}
	}
}

func resolveSlot(order *domain.Order, given *int, externalID string) (int, error) {
	if given != nil {
		if *given < 0 || *given >= order.Targets().RequiredJobs {
			return 0, fmt.Errorf("%w: slot index %d", domain.ErrSlotLimitExceeded, *given)
		}
		return *given, nil
	}
	slot, _ := order.SlotForJob(externalID)
	return slot, nil
}

func snapshot(o *domain.Order, externalID string, duplicate bool) *Outcome {
	return &Outcome{
		OrderID:       o.OrderID,
		ExternalJobID: externalID,
		Duplicate:     duplicate,
		Counted:       o.CountedArtifacts(),
		Required:      o.Targets().RequiredArtifacts,
		Status:        o.Status,
	}
}
