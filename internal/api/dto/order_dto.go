package dto

import (
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/reconcile"
)

type OrderResponse struct {
	OrderID           string        `json:"order_id"`
	PlanTier          string        `json:"plan_tier"`
	ModelID           string        `json:"model_id"`
	Status            string        `json:"status"`
	RequiredArtifacts int           `json:"required_artifacts"`
	CountedArtifacts  int           `json:"counted_artifacts"`
	Artifacts         []ArtifactDTO `json:"artifacts"`
	Jobs              []JobDTO      `json:"jobs"`
	FailedSlots       []int         `json:"failed_slots"`
	BackupTriggered   bool          `json:"backup_triggered"`
	StillGenerating   bool          `json:"still_generating"`
	NeedsAttention    bool          `json:"needs_attention"`
	CreatedAt         string        `json:"created_at"`
	UpdatedAt         string        `json:"updated_at"`
}

type ArtifactDTO struct {
	URL       string `json:"url"`
	SlotIndex int    `json:"slot_index"`
}

type JobDTO struct {
	SlotIndex           int      `json:"slot_index"`
	Status              string   `json:"status"`
	RequestedImageCount int      `json:"requested_image_count"`
	ExternalJobIDs      []string `json:"external_job_ids"`
	AttemptCount        int      `json:"attempt_count"`
	Artifacts           int      `json:"artifacts"`
}

type ReconcileResponse struct {
	Order    OrderResponse `json:"order"`
	Attempts int           `json:"attempts"`
	Added    int           `json:"added"`
	Skipped  bool          `json:"skipped"`
	Complete bool          `json:"complete"`
}

// NewOrderResponse renders the customer-facing view. Only the first
// required artifacts are shown; over-delivered ones stay stored.
func NewOrderResponse(o *domain.Order) OrderResponse {
	targets := o.Targets()

	artifacts := make([]ArtifactDTO, 0, targets.RequiredArtifacts)
	for _, a := range o.DisplayArtifacts() {
		artifacts = append(artifacts, ArtifactDTO{URL: a.URL, SlotIndex: a.SlotIndex})
	}

	jobs := make([]JobDTO, 0, len(o.Jobs))
	for _, j := range o.Jobs {
		ids := j.ExternalJobIDs
		if ids == nil {
			ids = []string{}
		}
		jobs = append(jobs, JobDTO{
			SlotIndex:           j.SlotIndex,
			Status:              string(j.Status),
			RequestedImageCount: j.RequestedImageCount,
			ExternalJobIDs:      ids,
			AttemptCount:        j.AttemptCount,
			Artifacts:           o.SlotArtifactCount(j.SlotIndex),
		})
	}

	failed := o.FailedSlots
	if failed == nil {
		failed = []int{}
	}

	return OrderResponse{
		OrderID:           o.OrderID,
		PlanTier:          string(o.PlanTier),
		ModelID:           o.ModelID,
		Status:            string(o.Status),
		RequiredArtifacts: targets.RequiredArtifacts,
		CountedArtifacts:  o.CountedArtifacts(),
		Artifacts:         artifacts,
		Jobs:              jobs,
		FailedSlots:       failed,
		BackupTriggered:   o.BackupTriggered,
		StillGenerating:   o.Status == domain.OrderStatusOngoing || o.Status == domain.OrderStatusPartial,
		NeedsAttention:    o.Status == domain.OrderStatusFailed,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         o.UpdatedAt.Format(time.RFC3339),
	}
}

func NewReconcileResponse(o *domain.Order, r *reconcile.Result) ReconcileResponse {
	return ReconcileResponse{
		Order:    NewOrderResponse(o),
		Attempts: r.Attempts,
		Added:    r.Added,
		Skipped:  r.Skipped,
		Complete: r.Complete(),
	}
}
