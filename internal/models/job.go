package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further provider observation can change the job.
// A failed job may still be re-queued by the retry policy.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the job still counts as in progress for its order.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing:
		return true
	}
	return false
}

type JobEventKind string

const (
	JobEventCreated        JobEventKind = "created"
	JobEventClaimed        JobEventKind = "claimed"
	JobEventSubmitted      JobEventKind = "submitted"
	JobEventSubmitFailed   JobEventKind = "submit_failed"
	JobEventProviderStatus JobEventKind = "provider_status"
	JobEventCompleted      JobEventKind = "completed"
	JobEventDownloadFailed JobEventKind = "download_failed"
	JobEventFailed         JobEventKind = "failed"
	JobEventRetried        JobEventKind = "retried"
	JobEventReclaimed      JobEventKind = "reclaimed"
)

// JobEvent is one entry of a job's audit trail.
type JobEvent struct {
	At     time.Time    `json:"at"`
	Kind   JobEventKind `json:"kind"`
	Status JobStatus    `json:"status"`
	Source string       `json:"source,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

// JobHistory is the ordered, append-only event list stored as JSONB.
type JobHistory []JobEvent

func (h JobHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func (h *JobHistory) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported history type %T", src)
	}
	return json.Unmarshal(data, h)
}

// Count returns how many events of kind the history holds.
func (h JobHistory) Count(kind JobEventKind) int {
	n := 0
	for _, ev := range h {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event, if any.
func (h JobHistory) Last() (JobEvent, bool) {
	if len(h) == 0 {
		return JobEvent{}, false
	}
	return h[len(h)-1], true
}

type RestorationJob struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	OriginalImageID uuid.UUID
	Status          JobStatus
	ExternalJobID   sql.NullString
	ExternalStatus  sql.NullString
	AttemptNumber   int
	MaxAttempts     int
	InputParameters json.RawMessage
	ErrorMessage    sql.NullString
	RestoredImageID uuid.NullUUID
	OriginalURL     string
	RestoredURL     sql.NullString
	SubmittedAt     sql.NullTime
	CompletedAt     sql.NullTime
	NextAttemptAt   sql.NullTime
	History         JobHistory
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CanRetry reports whether the attempt budget allows another dispatch.
func (j *RestorationJob) CanRetry() bool {
	return j.AttemptNumber < j.MaxAttempts
}

// JobTransition is a conditional job update. Stores apply it only while the job
// is still in From (and, with RequireNoExternalID, has no provider handle yet);
// otherwise they report that nothing changed. Nil fields are left untouched.
type JobTransition struct {
	From                JobStatus
	To                  JobStatus
	RequireNoExternalID bool

	ExternalJobID    *string
	ExternalStatus   *string
	AttemptNumber    *int
	ErrorMessage     *string
	RestoredImageID  *uuid.UUID
	RestoredURL      *string
	SubmittedAt      *time.Time
	CompletedAt      *time.Time
	NextAttemptAt    *time.Time
	ClearNextAttempt bool

	Event JobEvent
}

// Apply mutates j in place. Used by in-memory stores and by callers that keep a
// local copy in sync after a successful conditional update.
func (t JobTransition) Apply(j *RestorationJob, now time.Time) {
	j.Status = t.To
	if t.ExternalJobID != nil {
		// An empty id clears the handle.
		j.ExternalJobID = sql.NullString{String: *t.ExternalJobID, Valid: *t.ExternalJobID != ""}
	}
	if t.ExternalStatus != nil {
		j.ExternalStatus = sql.NullString{String: *t.ExternalStatus, Valid: true}
	}
	if t.AttemptNumber != nil {
		j.AttemptNumber = *t.AttemptNumber
	}
	if t.ErrorMessage != nil {
		j.ErrorMessage = sql.NullString{String: *t.ErrorMessage, Valid: true}
	}
	if t.RestoredImageID != nil {
		j.RestoredImageID = uuid.NullUUID{UUID: *t.RestoredImageID, Valid: true}
	}
	if t.RestoredURL != nil {
		j.RestoredURL = sql.NullString{String: *t.RestoredURL, Valid: true}
	}
	if t.SubmittedAt != nil {
		j.SubmittedAt = sql.NullTime{Time: *t.SubmittedAt, Valid: true}
	}
	if t.CompletedAt != nil {
		j.CompletedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	if t.NextAttemptAt != nil {
		j.NextAttemptAt = sql.NullTime{Time: *t.NextAttemptAt, Valid: true}
	} else if t.ClearNextAttempt {
		j.NextAttemptAt = sql.NullTime{}
	}
	if t.Event.Kind != "" {
		ev := t.Event
		if ev.At.IsZero() {
			ev.At = now
		}
		if ev.Status == "" {
			ev.Status = t.To
		}
		j.History = append(j.History, ev)
	}
	j.UpdatedAt = now
}

// Matches reports whether the transition's preconditions hold for j.
func (t JobTransition) Matches(j *RestorationJob) bool {
	if j.Status != t.From {
		return false
	}
	if t.RequireNoExternalID && j.ExternalJobID.Valid && j.ExternalJobID.String != "" {
		return false
	}
	return true
}
