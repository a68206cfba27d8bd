// Package task carries fulfillment work between the API and the worker.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names the work a task asks for
type Type string

const (
	TypeDispatch Type = "dispatch"
	TypeBackup   Type = "backup"
	TypeSweep    Type = "sweep"
)

// ErrInvalidTask is returned for messages the worker can never process
var ErrInvalidTask = errors.New("invalid task")

// Task is the message body published to the task queue
type Task struct {
	TaskID    string    `json:"task_id"`
	Type      Type      `json:"type"`
	OrderID   string    `json:"order_id"`
	Slots     []int     `json:"slots,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a task with a fresh id
func New(typ Type, orderID string, slots []int) *Task {
	return &Task{
		TaskID:    uuid.NewString(),
		Type:      typ,
		OrderID:   orderID,
		Slots:     slots,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the fields a handler relies on
func (t *Task) Validate() error {
	if _, err := uuid.Parse(t.TaskID); err != nil {
		return fmt.Errorf("%w: task_id %q is not a UUID", ErrInvalidTask, t.TaskID)
	}
	if t.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrInvalidTask)
	}
	switch t.Type {
	case TypeDispatch, TypeSweep:
	case TypeBackup:
		if len(t.Slots) == 0 {
			return fmt.Errorf("%w: backup task without slots", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, t.Type)
	}
	return nil
}

// Decode parses and validates a message body
func Decode(body []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Encode renders the message body
func (t *Task) Encode() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return body, nil
}
