package dto

import "github.com/cuongbtq/photoshoot-be/internal/renderer"

// TrainingWebhookRequest is the model-training completion notice
type TrainingWebhookRequest struct {
	Tune     TuneDTO    `json:"tune"`
	PlanTier string     `json:"plan_tier"`
	Subject  SubjectDTO `json:"subject"`
	Styles   []StyleDTO `json:"styles"`
}

type TuneDTO struct {
	ID renderer.ExternalID `json:"id" binding:"required"`
}

type SubjectDTO struct {
	Gender string `json:"gender"`
	Age    string `json:"age"`
}

type StyleDTO struct {
	Clothing   string `json:"clothing"`
	Background string `json:"background"`
}

type TrainingWebhookResponse struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Created    bool   `json:"created"`
	Dispatched bool   `json:"dispatched"`
}

type CallbackResponse struct {
	OrderID       string `json:"order_id"`
	ExternalJobID string `json:"external_job_id"`
	Status        string `json:"status"`
	Duplicate     bool   `json:"duplicate"`
	Added         int    `json:"added"`
	Counted       int    `json:"counted"`
	Required      int    `json:"required"`
}
