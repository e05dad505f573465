package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/retry"
)

// ErrRejected marks a delivery the email provider will never accept, such as a
// malformed recipient. Rejected emails fail without further attempts.
var ErrRejected = errors.New("email rejected by provider")

type Message struct {
	Type        models.EmailType
	To          string
	TemplateID  string
	Data        json.RawMessage
	Attachments []models.Attachment
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Backoff returns the delay before the next attempt: 2^attempt minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return time.Duration(1<<uint(attempt)) * time.Minute
}

// FlushResult counts one relay pass. Unconfirmed counts sent emails whose row
// could not be marked sent; those may be delivered again.
type FlushResult struct {
	Released    int64
	Claimed     int
	Sent        int
	Unconfirmed int
	Rescheduled int
	Failed      int
}

// Relay drains due rows from the outbox.
type Relay struct {
	store      Store
	mailer     Mailer
	batchSize  int
	staleAfter time.Duration
	policy     retry.Policy
	now        func() time.Time
}

func NewRelay(store Store, mailer Mailer, batchSize int) *Relay {
	if batchSize < 1 {
		batchSize = 50
	}
	return &Relay{
		store:      store,
		mailer:     mailer,
		batchSize:  batchSize,
		staleAfter: 15 * time.Minute,
		policy:     retry.DefaultPolicy,
		now:        time.Now,
	}
}

// Flush claims every due pending email, attempts delivery and records the outcome.
func (r *Relay) Flush(ctx context.Context) (FlushResult, error) {
	var result FlushResult
	now := r.now().UTC()

	// A crash between claim and outcome leaves rows in sending.
	released, err := r.store.ReleaseStaleEmails(ctx, now.Add(-r.staleAfter))
	if err != nil {
		slog.Warn("outbox: release stale emails failed", "error", err)
	}
	result.Released = released

	entries, err := r.store.ClaimDueEmails(ctx, now, r.batchSize)
	if err != nil {
		return result, err
	}
	result.Claimed = len(entries)

	for i := range entries {
		entry := &entries[i]
		switch r.deliver(ctx, entry) {
		case models.EmailStatusSent:
			result.Sent++
		case models.EmailStatusSending:
			result.Sent++
			result.Unconfirmed++
		case models.EmailStatusPending:
			result.Rescheduled++
		case models.EmailStatusFailed:
			result.Failed++
		}
	}

	return result, nil
}

func (r *Relay) deliver(ctx context.Context, entry *models.EmailQueueEntry) models.EmailStatus {
	sendErr := r.mailer.Send(ctx, Message{
		Type:        entry.EmailType,
		To:          entry.Recipient,
		TemplateID:  entry.TemplateID,
		Data:        entry.DynamicData,
		Attachments: entry.Attachments,
	})

	if sendErr == nil {
		// The email is out; a canceled pass must still record that.
		markCtx := context.WithoutCancel(ctx)
		err := retry.Do(markCtx, r.policy, func(ctx context.Context) error {
			return r.store.MarkEmailSent(ctx, entry.ID, r.now().UTC())
		})
		if err != nil {
			slog.Error("outbox: email delivered but not marked sent, it may be delivered again once the claim goes stale",
				"email_id", entry.ID, "type", entry.EmailType, "order_id", entry.OrderID,
				"stale_after", r.staleAfter, "error", err)
			return models.EmailStatusSending
		}
		slog.Info("outbox: email sent", "email_id", entry.ID, "type", entry.EmailType, "order_id", entry.OrderID)
		return models.EmailStatusSent
	}

	attempt := entry.AttemptNumber + 1
	if attempt < entry.MaxAttempts && !errors.Is(sendErr, ErrRejected) {
		next := r.now().UTC().Add(Backoff(attempt))
		err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
			return r.store.RescheduleEmail(ctx, entry.ID, attempt, next, sendErr.Error())
		})
		if err != nil {
			slog.Error("outbox: reschedule failed", "email_id", entry.ID, "error", err)
		}
		slog.Warn("outbox: delivery failed, rescheduled",
			"email_id", entry.ID, "attempt", attempt, "next_attempt", next, "error", sendErr)
		return models.EmailStatusPending
	}

	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.store.MarkEmailFailed(ctx, entry.ID, attempt, sendErr.Error())
	})
	if err != nil {
		slog.Error("outbox: record failure failed", "email_id", entry.ID, "error", err)
	}
	slog.Error("outbox: delivery failed permanently", "email_id", entry.ID, "attempt", attempt, "error", sendErr)
	return models.EmailStatusFailed
}
