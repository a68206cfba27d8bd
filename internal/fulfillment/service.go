package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/dispatch"
	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/ingest"
	"github.com/cuongbtq/photoshoot-be/internal/prompt"
)

// Dispatcher sends slot requests to the renderer
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Outcome, error)
}

// Folder merges images the renderer returned synchronously
type Folder interface {
	Fold(ctx context.Context, orderID string, slot int, externalJobID string, urls []string) (*ingest.Outcome, error)
}

// Config holds fulfillment service configuration
type Config struct {
	Repository      *aggregate.Repository
	Dispatcher      Dispatcher
	Folder          Folder
	Logger          *slog.Logger
	CallbackBaseURL string
	WebhookSecret   string
}

// Service drives an order's dispatches and records their outcomes
type Service struct {
	repo            *aggregate.Repository
	dispatcher      Dispatcher
	folder          Folder
	logger          *slog.Logger
	callbackBaseURL string
	webhookSecret   string
}

// NewService creates a new Service instance
func NewService(cfg *Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:            cfg.Repository,
		dispatcher:      cfg.Dispatcher,
		folder:          cfg.Folder,
		logger:          logger,
		callbackBaseURL: cfg.CallbackBaseURL,
		webhookSecret:   cfg.WebhookSecret,
	}
}

// Start dispatches every slot that has no accepted job yet. A redelivered
// start task therefore only re-sends what is missing.
func (s *Service) Start(ctx context.Context, orderID string) (*dispatch.Outcome, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		s.logger.Info("Order already resolved, nothing to dispatch",
			slog.String("order_id", orderID),
			slog.String("status", string(order.Status)),
		)
		return &dispatch.Outcome{Stopped: true}, nil
	}

	targets := order.Targets()
	prompts := prompt.Build(order.ModelID, order.Brief)

	var slots []dispatch.SlotRequest
	for _, p := range prompts {
		if job := findJob(order, p.Index); job != nil && len(job.ExternalJobIDs) > 0 {
			continue
		}
		slots = append(slots, dispatch.SlotRequest{
			Index:      p.Index,
			PromptText: p.Text,
			ImageCount: targets.ImagesPerJob,
		})
	}
	if len(slots) == 0 {
		s.logger.Info("Every slot already dispatched",
			slog.String("order_id", orderID),
		)
		return &dispatch.Outcome{}, nil
	}

	// store prompt text up front so sweeps can attribute listed jobs
	_, err = s.repo.Mutate(ctx, orderID, func(o *domain.Order) error {
		for _, slot := range slots {
			job := o.Job(slot.Index)
			job.PromptText = slot.PromptText
			job.RequestedImageCount = slot.ImageCount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.run(ctx, order, slots, false)
}

// RunBackup re-dispatches the given shortfall slots in backup mode
func (s *Service) RunBackup(ctx context.Context, orderID string, slotIndexes []int) (*dispatch.Outcome, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return &dispatch.Outcome{Stopped: true}, nil
	}

	targets := order.Targets()
	prompts := prompt.Build(order.ModelID, order.Brief)

	var slots []dispatch.SlotRequest
	for _, idx := range slotIndexes {
		if idx < 0 || idx >= targets.RequiredJobs {
			return nil, fmt.Errorf("%w: backup slot %d", domain.ErrInvalidSlot, idx)
		}
		text := prompts[idx].Text
		if job := findJob(order, idx); job != nil && job.PromptText != "" {
			text = job.PromptText
		}
		slots = append(slots, dispatch.SlotRequest{
			Index:      idx,
			PromptText: text,
			ImageCount: targets.ImagesPerJob,
		})
	}
	if len(slots) == 0 {
		return &dispatch.Outcome{}, nil
	}

	return s.run(ctx, order, slots, true)
}

func (s *Service) run(ctx context.Context, order *domain.Order, slots []dispatch.SlotRequest, backup bool) (*dispatch.Outcome, error) {
	log := s.logger.With(
		slog.String("order_id", order.OrderID),
		slog.Bool("backup", backup),
	)

	outcome, dispatchErr := s.dispatcher.Dispatch(ctx, dispatch.Request{
		OrderID:     order.OrderID,
		ModelID:     order.ModelID,
		CallbackURL: s.callbackURLFor(order.OrderID),
		Slots:       slots,
		Backup:      backup,
		ShouldStop:  s.resolved(order.OrderID),
	})
	if outcome == nil {
		return nil, dispatchErr
	}

	// keep accepted job ids even when the dispatch was interrupted
	recordCtx := context.WithoutCancel(ctx)
	if err := s.record(recordCtx, order.OrderID, outcome, backup); err != nil {
		log.Error("Failed to record dispatch outcome",
			slog.String("error", err.Error()),
		)
		return outcome, err
	}

	for _, slot := range outcome.Slots {
		for _, d := range slot.Deliveries {
			if _, err := s.folder.Fold(recordCtx, order.OrderID, slot.SlotIndex, d.ExternalJobID, d.URLs); err != nil {
				log.Warn("Failed to fold synchronously delivered images",
					slog.Int("slot_index", slot.SlotIndex),
					slog.String("external_job_id", d.ExternalJobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if dispatchErr != nil {
		return outcome, domain.NewRetryableError(dispatchErr)
	}
	return outcome, nil
}

// record folds a dispatch outcome into the aggregate
func (s *Service) record(ctx context.Context, orderID string, outcome *dispatch.Outcome, backup bool) error {
	_, err := s.repo.Mutate(ctx, orderID, func(o *domain.Order) error {
		var recovered []int
		for _, slot := range outcome.Slots {
			job := o.Job(slot.SlotIndex)
			if job.PromptText == "" {
				job.PromptText = slot.PromptText
			}
			if !backup {
				job.RequestedImageCount = slot.RequestedImages
			}
			job.AttemptCount += slot.Attempts
			for _, id := range slot.ExternalJobIDs {
				o.RecordExternalJob(slot.SlotIndex, id)
			}
			if len(slot.ExternalJobIDs) > 0 {
				recovered = append(recovered, slot.SlotIndex)
			}
		}

		o.RefreshJobStatuses()

		failed := outcome.FailedSlots
		if backup {
			// a failed backup only counts against slots that never produced anything
			failed = slices.DeleteFunc(slices.Clone(failed), func(slot int) bool {
				return o.SlotArtifactCount(slot) > 0
			})
		}
		o.SetFailedSlots(failed, recovered)
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNoChange) {
		return err
	}
	return nil
}

// resolved stops dispatch once another path completed or failed the order
func (s *Service) resolved(orderID string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return false
		}
		return order.Status.IsTerminal()
	}
}

// callbackURLFor embeds the order, secret and slot so callbacks correlate
func (s *Service) callbackURLFor(orderID string) func(slot int) string {
	return func(slot int) string {
		q := url.Values{}
		q.Set("orderId", orderID)
		q.Set("webhookSecret", s.webhookSecret)
		q.Set("slotIndex", strconv.Itoa(slot))
		return s.callbackBaseURL + "?" + q.Encode()
	}
}

func findJob(o *domain.Order, slot int) *domain.GenerationJob {
	for i := range o.Jobs {
		if o.Jobs[i].SlotIndex == slot {
			return &o.Jobs[i]
		}
	}
	return nil
}
