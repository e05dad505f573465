// Package outbox decouples deciding to notify a customer from delivering the
// email. Rows are written by the fulfillment engine and drained by Relay.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
)

// ErrInvalidRequest marks a queue request that can never be stored as given.
var ErrInvalidRequest = errors.New("invalid email request")

type Store interface {
	// EnqueueEmail inserts a pending row. It reports false without error when
	// a one-shot email of the same type already exists for the order.
	EnqueueEmail(ctx context.Context, entry *models.EmailQueueEntry) (bool, error)
	ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]models.EmailQueueEntry, error)
	MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	RescheduleEmail(ctx context.Context, id uuid.UUID, attempt int, next time.Time, lastErr string) error
	MarkEmailFailed(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error
	ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// Templates maps an email type to the provider template identifier.
type Templates map[models.EmailType]string

type Outbox struct {
	store       Store
	templates   Templates
	maxAttempts int
	now         func() time.Time
}

func New(store Store, templates Templates, maxAttempts int) *Outbox {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Outbox{
		store:       store,
		templates:   templates,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

type QueueRequest struct {
	OrderID     uuid.UUID
	Type        models.EmailType
	Recipient   string
	TemplateID  string
	Data        interface{}
	Attachments []models.Attachment
	Delay       time.Duration
}

// Queue records the intent to send an email. The returned bool is false when a
// one-shot email of this type was already queued for the order; that is the
// idempotency signal, not an error.
func (o *Outbox) Queue(ctx context.Context, req QueueRequest) (*models.EmailQueueEntry, bool, error) {
	if req.Recipient == "" {
		return nil, false, fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}

	templateID := req.TemplateID
	if templateID == "" {
		templateID = o.templates[req.Type]
	}

	data, err := json.Marshal(req.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to marshal email data: %v", ErrInvalidRequest, err)
	}

	now := o.now().UTC()
	entry := &models.EmailQueueEntry{
		ID:           uuid.New(),
		OrderID:      req.OrderID,
		EmailType:    req.Type,
		Recipient:    req.Recipient,
		TemplateID:   templateID,
		DynamicData:  data,
		Attachments:  req.Attachments,
		Status:       models.EmailStatusPending,
		MaxAttempts:  o.maxAttempts,
		ScheduledFor: now.Add(req.Delay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	inserted, err := o.store.EnqueueEmail(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("failed to queue %s email: %w", req.Type, err)
	}

	return entry, inserted, nil
}
