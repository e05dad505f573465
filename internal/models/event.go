package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventJobSubmitted    = "job_submitted"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventOrderProcessing = "order_processing"
	EventOrderCompleted  = "order_completed"
	EventOrderFailed     = "order_failed"
)

// OrderEvent is a progress notification fanned out to realtime subscribers and
// the message broker. Publishing is best effort and never affects job state.
type OrderEvent struct {
	Type    string                 `json:"event"`
	OrderID uuid.UUID              `json:"order_id"`
	JobID   *uuid.UUID             `json:"job_id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}
