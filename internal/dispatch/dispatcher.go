package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/renderer"
	"github.com/cuongbtq/photoshoot-be/internal/retry"
	"golang.org/x/time/rate"
)

const (
	defaultMaxImagesPerCall = 8
	defaultBackupCeiling    = 8
	defaultBudget           = 5 * time.Minute
	defaultStopPoll         = 500 * time.Millisecond
)

// errStopped ends a backoff wait once the order resolved elsewhere
var errStopped = errors.New("order resolved during dispatch")

// Renderer is the part of the renderer client the dispatcher calls
type Renderer interface {
	CreatePrompt(ctx context.Context, req renderer.CreateRequest) (*renderer.Prompt, error)
}

// Config holds dispatcher configuration
type Config struct {
	Renderer             Renderer
	Logger               *slog.Logger
	Limiter              *rate.Limiter
	MaxImagesPerCall     int
	InterCallDelay       time.Duration
	BackupInterCallDelay time.Duration
	BackupCeiling        int
	CallRetry            retry.Policy
	GlobalRetry          retry.Policy
	Budget               time.Duration
	// StopPollInterval is how often ShouldStop is polled during backoff waits
	StopPollInterval time.Duration
}

// SlotRequest is one slot to send
type SlotRequest struct {
	Index      int
	PromptText string
	ImageCount int
}

// Request is a dispatch for one order
type Request struct {
	OrderID     string
	ModelID     string
	CallbackURL func(slot int) string
	Slots       []SlotRequest
	Backup      bool
	// ShouldStop is checked between calls and polled during backoff waits;
	// returning true ends the dispatch early
	ShouldStop func(ctx context.Context) bool
}

// Delivery holds image URLs a create call returned synchronously
type Delivery struct {
	ExternalJobID string
	URLs          []string
}

// SlotOutcome reports what happened to one slot
type SlotOutcome struct {
	SlotIndex       int
	PromptText      string
	ExternalJobIDs  []string
	RequestedImages int
	AcceptedImages  int
	Deliveries      []Delivery
	Attempts        int
	Status          domain.JobStatus
	Err             error
}

// Outcome is the result of a dispatch. Partial success is a normal shape:
// FailedSlots lists slots with no accepted job after every retry.
type Outcome struct {
	Slots       []SlotOutcome
	FailedSlots []int
	Stopped     bool
}

// Dispatcher sends generation jobs to the renderer. Calls are sequential and
// paced by a limiter shared across the process.
type Dispatcher struct {
	renderer             Renderer
	logger               *slog.Logger
	limiter              *rate.Limiter
	maxImagesPerCall     int
	backupInterCallDelay time.Duration
	backupCeiling        int
	callRetry            retry.Policy
	globalRetry          retry.Policy
	budget               time.Duration
	stopPoll             time.Duration
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(cfg *Config) *Dispatcher {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(cfg.InterCallDelay)
	}
	maxPerCall := cfg.MaxImagesPerCall
	if maxPerCall <= 0 {
		maxPerCall = defaultMaxImagesPerCall
	}
	ceiling := cfg.BackupCeiling
	if ceiling <= 0 {
		ceiling = defaultBackupCeiling
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	stopPoll := cfg.StopPollInterval
	if stopPoll <= 0 {
		stopPoll = defaultStopPoll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		renderer:             cfg.Renderer,
		logger:               logger,
		limiter:              limiter,
		maxImagesPerCall:     maxPerCall,
		backupInterCallDelay: cfg.BackupInterCallDelay,
		backupCeiling:        ceiling,
		callRetry:            cfg.CallRetry.WithDefaults(),
		globalRetry:          cfg.GlobalRetry.WithDefaults(),
		budget:               budget,
		stopPoll:             stopPoll,
	}
}

// NewLimiter returns a token bucket allowing one renderer call per interval
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Dispatch sends every slot once, then re-attempts slots that got no
// accepted job in bounded global rounds.
func (d *Dispatcher) Dispatch(parent context.Context, req Request) (*Outcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, d.budget)
	defer cancel()

	log := d.logger.With(
		slog.String("order_id", req.OrderID),
		slog.Bool("backup", req.Backup),
	)
	log.Info("Dispatching generation jobs",
		slog.Int("slots", len(req.Slots)),
	)

	outcomes := make([]SlotOutcome, len(req.Slots))
	for i, slot := range req.Slots {
		outcomes[i] = SlotOutcome{
			SlotIndex:       slot.Index,
			PromptText:      slot.PromptText,
			RequestedImages: d.imageCount(slot, req.Backup),
			Status:          domain.JobStatusPending,
		}
	}

	outcome := &Outcome{}
	for i := range outcomes {
		if d.stopped(ctx, req) {
			outcome.Stopped = true
			break
		}
		if d.runSlot(ctx, log, req, &outcomes[i], i == 0) {
			outcome.Stopped = true
			break
		}
	}

	for round := 0; round < d.globalRetry.MaxAttempts && !outcome.Stopped; round++ {
		pending := unaccepted(outcomes)
		if len(pending) == 0 {
			break
		}

		delay := d.globalRetry.Backoff(round)
		log.Warn("Retrying slots with no accepted job",
			slog.Int("round", round+1),
			slog.Int("max_rounds", d.globalRetry.MaxAttempts),
			slog.Any("slots", slotIndexes(outcomes, pending)),
			slog.Duration("retry_after", delay),
		)
		if err := d.pause(ctx, req, delay); err != nil {
			if errors.Is(err, errStopped) {
				log.Info("Order resolved during global retry wait")
				outcome.Stopped = true
				break
			}
			log.Warn("Dispatch budget exhausted during global retry",
				slog.String("error", err.Error()),
			)
			break
		}

		for _, i := range pending {
			if d.stopped(ctx, req) || d.runSlot(ctx, log, req, &outcomes[i], false) {
				outcome.Stopped = true
				break
			}
		}
	}

	for i := range outcomes {
		if len(outcomes[i].ExternalJobIDs) == 0 && !outcome.Stopped {
			outcomes[i].Status = domain.JobStatusFailed
			outcome.FailedSlots = append(outcome.FailedSlots, outcomes[i].SlotIndex)
		}
	}
	outcome.Slots = outcomes
	slices.Sort(outcome.FailedSlots)

	if err := parent.Err(); err != nil {
		return outcome, fmt.Errorf("dispatch interrupted: %w", err)
	}

	if len(outcome.FailedSlots) > 0 {
		log.Error("Dispatch finished with failed slots",
			slog.Any("failed_slots", outcome.FailedSlots),
		)
	} else {
		log.Info("Dispatch finished",
			slog.Bool("stopped", outcome.Stopped),
		)
	}

	return outcome, nil
}

// runSlot issues the sub-calls for one slot. A sub-call that exhausts its
// retries ends the slot's attempt; under-delivery is carried to the next
// sub-call and never retried itself. It reports whether the order resolved
// while the slot was in progress.
func (d *Dispatcher) runSlot(ctx context.Context, log *slog.Logger, req Request, out *SlotOutcome, first bool) bool {
	if err := ctx.Err(); err != nil {
		out.Err = err
		return false
	}

	remaining := out.RequestedImages - out.AcceptedImages
	calls := (remaining + d.maxImagesPerCall - 1) / d.maxImagesPerCall

	callbackURL := ""
	if req.CallbackURL != nil {
		callbackURL = req.CallbackURL(out.SlotIndex)
	}

	for call := 0; call < calls && remaining > 0; call++ {
		if d.stopped(ctx, req) {
			return true
		}
		if req.Backup && !(first && call == 0) {
			if err := d.pause(ctx, req, d.backupInterCallDelay); err != nil {
				if errors.Is(err, errStopped) {
					return true
				}
				out.Err = err
				return false
			}
		}

		n := min(remaining, d.maxImagesPerCall)
		var prompt *renderer.Prompt
		wait := func(ctx context.Context, delay time.Duration) error {
			return d.pause(ctx, req, delay)
		}
		err := retry.DoWithWait(ctx, d.callRetry, wait, func(ctx context.Context, attempt int) error {
			if err := d.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			out.Attempts++
			p, err := d.renderer.CreatePrompt(ctx, renderer.CreateRequest{
				ModelID:     req.ModelID,
				Text:        out.PromptText,
				CallbackURL: callbackURL,
				NumImages:   n,
			})
			if err != nil {
				if !domain.IsRetryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			prompt = p
			return nil
		}, func(attempt int, delay time.Duration, err error) {
			log.Warn("Renderer call failed, retrying...",
				slog.Int("slot_index", out.SlotIndex),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
				slog.String("error", err.Error()),
			)
		})
		if errors.Is(err, errStopped) {
			log.Info("Order resolved during renderer retry wait",
				slog.Int("slot_index", out.SlotIndex),
			)
			return true
		}
		if err != nil {
			out.Err = fmt.Errorf("slot %d sub-call %d: %w", out.SlotIndex, call+1, err)
			log.Error("Renderer call failed after retries",
				slog.Int("slot_index", out.SlotIndex),
				slog.String("error", err.Error()),
			)
			return false
		}
		out.Err = nil

		externalID := string(prompt.ID)
		out.ExternalJobIDs = append(out.ExternalJobIDs, externalID)

		granted := prompt.NumImages
		if granted <= 0 {
			granted = n
		}
		switch {
		case granted > n:
			log.Warn("Renderer over-delivered, clamping for accounting",
				slog.Int("slot_index", out.SlotIndex),
				slog.Int("requested", n),
				slog.Int("granted", granted),
			)
			granted = n
		case granted < n:
			log.Warn("Renderer under-delivered",
				slog.Int("slot_index", out.SlotIndex),
				slog.Int("requested", n),
				slog.Int("granted", granted),
			)
		}
		out.AcceptedImages += granted
		remaining -= granted

		if len(prompt.Images) > 0 {
			out.Deliveries = append(out.Deliveries, Delivery{
				ExternalJobID: externalID,
				URLs:          slices.Clone(prompt.Images),
			})
		}

		log.Debug("Renderer accepted job",
			slog.Int("slot_index", out.SlotIndex),
			slog.String("external_job_id", externalID),
			slog.Int("num_images", granted),
		)
	}
	return false
}

// imageCount is the images to request for a slot. Backup rounds ask for
// twice the original per-call count, capped at the ceiling.
func (d *Dispatcher) imageCount(slot SlotRequest, backup bool) int {
	if !backup {
		return slot.ImageCount
	}
	perCall := min(slot.ImageCount, d.maxImagesPerCall)
	return min(perCall*2, d.backupCeiling)
}

func (d *Dispatcher) stopped(ctx context.Context, req Request) bool {
	return req.ShouldStop != nil && req.ShouldStop(ctx)
}

// pause waits for delay, polling ShouldStop so a wait ends with errStopped
// as soon as the order completes or fails on another path
func (d *Dispatcher) pause(ctx context.Context, req Request, delay time.Duration) error {
	if req.ShouldStop == nil {
		return retry.Sleep(ctx, delay)
	}
	if d.stopped(ctx, req) {
		return errStopped
	}
	for remaining := delay; remaining > 0; remaining -= d.stopPoll {
		if err := retry.Sleep(ctx, min(remaining, d.stopPoll)); err != nil {
			return err
		}
		if d.stopped(ctx, req) {
			return errStopped
		}
	}
	return nil
}

func validateRequest(req Request) error {
	if req.OrderID == "" || req.ModelID == "" {
		return fmt.Errorf("%w: order and model id are required", domain.ErrInvalidSlot)
	}
	if len(req.Slots) == 0 {
		return fmt.Errorf("%w: no slots", domain.ErrInvalidSlot)
	}
	seen := make(map[int]struct{}, len(req.Slots))
	for _, s := range req.Slots {
		if s.ImageCount <= 0 {
			return fmt.Errorf("%w: slot %d requests %d images", domain.ErrInvalidSlot, s.Index, s.ImageCount)
		}
		if s.Index < 0 || s.Index >= domain.RequiredJobs {
			return fmt.Errorf("%w: slot index %d out of range", domain.ErrInvalidSlot, s.Index)
		}
		if _, dup := seen[s.Index]; dup {
			return fmt.Errorf("%w: duplicate slot %d", domain.ErrInvalidSlot, s.Index)
		}
		seen[s.Index] = struct{}{}
	}
	return nil
}

func unaccepted(outcomes []SlotOutcome) []int {
	var idx []int
	for i, o := range outcomes {
		if len(o.ExternalJobIDs) == 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

func slotIndexes(outcomes []SlotOutcome, idx []int) []int {
	slots := make([]int, len(idx))
	for i, j := range idx {
		slots[i] = outcomes[j].SlotIndex
	}
	return slots
}

// IsInvalid reports whether a dispatch error is a rejected request
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrInvalidSlot)
}
