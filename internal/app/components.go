// Package app assembles the fulfillment components both services share.
package app

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/photoshoot-be/internal/aggregate"
	"github.com/cuongbtq/photoshoot-be/internal/artifact"
	"github.com/cuongbtq/photoshoot-be/internal/config"
	"github.com/cuongbtq/photoshoot-be/internal/dispatch"
	"github.com/cuongbtq/photoshoot-be/internal/fulfillment"
	"github.com/cuongbtq/photoshoot-be/internal/ingest"
	"github.com/cuongbtq/photoshoot-be/internal/reconcile"
	"github.com/cuongbtq/photoshoot-be/internal/renderer"
	"github.com/cuongbtq/photoshoot-be/internal/worker"
	redisclient "github.com/cuongbtq/photoshoot-be/shared/redis"
)

// Tasks is how components hand off deferred work
type Tasks interface {
	RequestDispatch(ctx context.Context, orderID string) error
	RequestBackup(ctx context.Context, orderID string, slots []int) error
	ScheduleSweep(ctx context.Context, orderID string) error
}

// Components is the wired fulfillment graph
type Components struct {
	Repository  *aggregate.Repository
	Ingestor    *ingest.Ingestor
	Sweeper     *reconcile.Sweeper
	Fulfillment *fulfillment.Service
	Processor   *worker.Processor
}

// NewComponents wires the repository, renderer client, validator and the
// services on top of them
func NewComponents(cfg *config.Config, logger *slog.Logger, store aggregate.Store, locker aggregate.Locker, tasks Tasks) *Components {
	repo := aggregate.NewRepository(&aggregate.RepositoryConfig{
		Store:        store,
		Locker:       locker,
		Logger:       logger.With(slog.String("component", "repository")),
		PersistRetry: cfg.Persistence.Retry,
		MaxConflicts: cfg.Persistence.MaxConflicts,
	})

	validator := artifact.NewValidator(artifact.Config{
		Timeout:     cfg.Artifact.Timeout,
		Concurrency: cfg.Artifact.Concurrency,
		Logger:      logger.With(slog.String("component", "artifact")),
	})

	client := renderer.NewClient(renderer.Options{
		BaseURL: cfg.Renderer.BaseURL,
		APIKey:  cfg.Renderer.APIKey,
		Timeout: cfg.Renderer.Timeout,
	})

	dispatcher := dispatch.NewDispatcher(&dispatch.Config{
		Renderer:             client,
		Logger:               logger.With(slog.String("component", "dispatch")),
		MaxImagesPerCall:     cfg.Dispatch.MaxImagesPerCall,
		InterCallDelay:       cfg.Dispatch.InterCallDelay,
		BackupInterCallDelay: cfg.Dispatch.BackupInterCallDelay,
		BackupCeiling:        cfg.Dispatch.BackupCeiling,
		CallRetry:            cfg.Dispatch.CallRetry,
		GlobalRetry:          cfg.Dispatch.GlobalRetry,
		Budget:               cfg.Dispatch.Budget,
		StopPollInterval:     cfg.Dispatch.StopPollInterval,
	})

	ingestor := ingest.NewIngestor(&ingest.Config{
		Repository:          repo,
		Validator:           validator,
		Backups:             tasks,
		Sweeps:              tasks,
		Logger:              logger.With(slog.String("component", "ingest")),
		WebhookSecret:       cfg.Webhook.Secret,
		BackupAfter:         cfg.Reconcile.BackupAfter,
		NearCompletionRatio: cfg.Reconcile.NearCompletionRatio,
	})

	sweeper := reconcile.NewSweeper(&reconcile.Config{
		Repository:  repo,
		Lister:      client,
		Validator:   validator,
		Backups:     tasks,
		Sweeps:      tasks,
		Logger:      logger.With(slog.String("component", "reconcile")),
		Retry:       cfg.Reconcile.Retry,
		Budget:      cfg.Reconcile.Budget,
		BackupAfter: cfg.Reconcile.BackupAfter,
	})

	service := fulfillment.NewService(&fulfillment.Config{
		Repository:      repo,
		Dispatcher:      dispatcher,
		Folder:          ingestor,
		Logger:          logger.With(slog.String("component", "fulfillment")),
		CallbackBaseURL: cfg.Webhook.CallbackBaseURL,
		WebhookSecret:   cfg.Webhook.Secret,
	})

	return &Components{
		Repository:  repo,
		Ingestor:    ingestor,
		Sweeper:     sweeper,
		Fulfillment: service,
		Processor:   worker.NewProcessor(service, sweeper, logger.With(slog.String("component", "processor"))),
	}
}

// NewLocker picks the Redis lock when a client is given, else the
// in-process one
func NewLocker(client *redisclient.Client, cfg config.RedisConfig, logger *slog.Logger) aggregate.Locker {
	if client == nil {
		return aggregate.NewLocalLocker()
	}
	return aggregate.NewRedisLocker(client.GetClient(), aggregate.RedisLockerConfig{TTL: cfg.LockTTL}, logger)
}
