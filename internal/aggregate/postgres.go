package aggregate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// orderRow mirrors the orders table
type orderRow struct {
	OrderID              string    `db:"order_id"`
	PlanTier             string    `db:"plan_tier"`
	ModelID              string    `db:"model_id"`
	Status               string    `db:"status"`
	BackupTriggered      bool      `db:"backup_triggered"`
	SweepScheduled       bool      `db:"sweep_scheduled"`
	BackupSweepScheduled bool      `db:"backup_sweep_scheduled"`
	Brief                []byte    `db:"brief"`
	Jobs                 []byte    `db:"jobs"`
	Artifacts            []byte    `db:"artifacts"`
	SeenJobIDs           []byte    `db:"seen_job_ids"`
	Contributors         []byte    `db:"contributors"`
	FailedSlots          []byte    `db:"failed_slots"`
	Version              int64     `db:"version"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

// PostgresStore persists aggregates in PostgreSQL. Collections are stored
// as JSONB next to the scalar columns.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

func (s *PostgresStore) Create(ctx context.Context, order *domain.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}
	row.Version = 1

	query := `
		INSERT INTO orders (
			order_id, plan_tier, model_id, status, backup_triggered, sweep_scheduled, backup_sweep_scheduled,
			brief, jobs, artifacts, seen_job_ids, contributors, failed_slots,
			version, created_at, updated_at
		) VALUES (
			:order_id, :plan_tier, :model_id, :status, :backup_triggered, :sweep_scheduled, :backup_sweep_scheduled,
			:brief, :jobs, :artifacts, :seen_job_ids, :contributors, :failed_slots,
			:version, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrOrderExists
		}
		return domain.NewRetryableError(fmt.Errorf("failed to create order: %w", err))
	}

	order.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `
		SELECT
			order_id, plan_tier, model_id, status, backup_triggered, sweep_scheduled, backup_sweep_scheduled,
			brief, jobs, artifacts, seen_job_ids, contributors, failed_slots,
			version, created_at, updated_at
		FROM orders
		WHERE order_id = $1
	`

	var row orderRow
	if err := s.db.GetContext(ctx, &row, query, orderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to get order: %w", err))
	}

	return fromRow(&row)
}

// Save writes the aggregate only if nobody else wrote since it was read
func (s *PostgresStore) Save(ctx context.Context, order *domain.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders
		SET status = :status,
			backup_triggered = :backup_triggered,
			sweep_scheduled = :sweep_scheduled,
			backup_sweep_scheduled = :backup_sweep_scheduled,
			model_id = :model_id,
			brief = :brief,
			jobs = :jobs,
			artifacts = :artifacts,
			seen_job_ids = :seen_job_ids,
			contributors = :contributors,
			failed_slots = :failed_slots,
			updated_at = :updated_at,
			version = version + 1
		WHERE order_id = :order_id
		  AND version = :version
	`

	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to save order: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		s.logger.Debug("Order save lost a version race",
			slog.String("order_id", order.OrderID),
			slog.Int64("version", order.Version),
		)
		return domain.ErrVersionConflict
	}

	order.Version++
	return nil
}

func toRow(o *domain.Order) (*orderRow, error) {
	row := &orderRow{
		OrderID:              o.OrderID,
		PlanTier:             string(o.PlanTier),
		ModelID:              o.ModelID,
		Status:               string(o.Status),
		BackupTriggered:      o.BackupTriggered,
		SweepScheduled:       o.SweepScheduled,
		BackupSweepScheduled: o.BackupSweepScheduled,
		Version:              o.Version,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}

	fields := []struct {
		dst *[]byte
		src any
	}{
		{&row.Brief, o.Brief},
		{&row.Jobs, nonNil(o.Jobs)},
		{&row.Artifacts, nonNil(o.Artifacts)},
		{&row.SeenJobIDs, nonNil(o.SeenJobIDs)},
		{&row.Contributors, nonNil(o.Contributors)},
		{&row.FailedSlots, nonNil(o.FailedSlots)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.src)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal order %s: %w", o.OrderID, err)
		}
		*f.dst = b
	}
	return row, nil
}

func fromRow(row *orderRow) (*domain.Order, error) {
	o := &domain.Order{
		OrderID:              row.OrderID,
		PlanTier:             domain.ParsePlanTier(row.PlanTier),
		ModelID:              row.ModelID,
		Status:               domain.OrderStatus(row.Status),
		BackupTriggered:      row.BackupTriggered,
		SweepScheduled:       row.SweepScheduled,
		BackupSweepScheduled: row.BackupSweepScheduled,
		Version:              row.Version,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}

	fields := []struct {
		src []byte
		dst any
	}{
		{row.Brief, &o.Brief},
		{row.Jobs, &o.Jobs},
		{row.Artifacts, &o.Artifacts},
		{row.SeenJobIDs, &o.SeenJobIDs},
		{row.Contributors, &o.Contributors},
		{row.FailedSlots, &o.FailedSlots},
	}
	for _, f := range fields {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %s: %w", row.OrderID, err)
		}
	}
	return o, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
