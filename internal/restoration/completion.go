package restoration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/retry"
)

// ImagePair is one restored photo as presented to the customer.
type ImagePair struct {
	JobID       string `json:"job_id"`
	OriginalURL string `json:"original_url"`
	RestoredURL string `json:"restored_url"`
}

// RestorationCompleteData is the dynamic template data of the
// restoration_complete email. Failed jobs are left out.
type RestorationCompleteData struct {
	OrderID           string      `json:"order_id"`
	CustomerEmail     string      `json:"customer_email"`
	RestoredImageURLs []string    `json:"restored_image_urls"`
	OriginalImageURLs []string    `json:"original_image_urls"`
	Images            []ImagePair `json:"images"`
	RestoredCount     int         `json:"restored_count"`
	TotalCount        int         `json:"total_count"`
}

type Evaluation struct {
	OrderID      uuid.UUID
	Tally        Tally
	Terminal     bool
	Status       models.OrderStatus
	Transitioned bool
	EmailQueued  bool
}

// Evaluator decides whether an order reached a terminal state. It is called
// after every job transition and by the periodic sweep; repeated calls for a
// finished order have no side effects.
type Evaluator struct {
	store     Store
	queuer    Queuer
	publisher Publisher
	policy    retry.Policy
	now       func() time.Time
}

func NewEvaluator(store Store, queuer Queuer, publisher Publisher) *Evaluator {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Evaluator{
		store:     store,
		queuer:    queuer,
		publisher: publisher,
		policy:    retry.DefaultPolicy,
		now:       time.Now,
	}
}

func (e *Evaluator) Evaluate(ctx context.Context, orderID uuid.UUID) (*Evaluation, error) {
	var order *models.Order
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		var err error
		order, err = e.store.GetOrder(ctx, orderID)
		return permanentIfNotFound(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	var jobs []models.RestorationJob
	err = retry.Do(ctx, e.policy, func(ctx context.Context) error {
		var err error
		jobs, err = e.store.ListJobsByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list order jobs: %w", err)
	}

	tally := TallyJobs(jobs)
	eval := &Evaluation{OrderID: orderID, Tally: tally, Status: order.Status}

	status, terminal := tally.OrderStatus()
	if !terminal || tally.Total == 0 {
		return eval, nil
	}
	eval.Terminal = true

	if order.Status.IsTerminal() {
		return eval, nil
	}
	if order.Status != models.OrderStatusProcessing {
		// Checkout has not finished creating the order; the sweep picks it up.
		eval.Terminal = false
		return eval, nil
	}

	// Queue before flipping the order so a failed enqueue leaves the order
	// processing and the next evaluation tries again. The store's uniqueness
	// on (order, email type) keeps this at one email.
	if tally.Completed > 0 {
		req := outbox.QueueRequest{
			OrderID:   order.ID,
			Type:      models.EmailTypeRestorationComplete,
			Recipient: order.CustomerEmail,
			Data:      buildCompletionData(order, jobs),
		}
		var inserted bool
		err = retry.Do(ctx, e.policy, func(ctx context.Context) error {
			var err error
			_, inserted, err = e.queuer.Queue(ctx, req)
			if errors.Is(err, outbox.ErrInvalidRequest) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to queue completion email: %w", err)
		}
		eval.EmailQueued = inserted
	}

	var transitioned bool
	err = retry.Do(ctx, e.policy, func(ctx context.Context) error {
		var err error
		transitioned, err = e.store.SetOrderStatus(ctx, order.ID, models.OrderStatusProcessing, status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	eval.Transitioned = transitioned
	eval.Status = status
	if !transitioned {
		return eval, nil
	}

	slog.Info("order reached terminal state",
		"order_id", order.ID,
		"status", status,
		"completed_jobs", tally.Completed,
		"failed_jobs", tally.Failed,
		"email_queued", eval.EmailQueued,
	)

	eventType := models.EventOrderCompleted
	if status == models.OrderStatusFailed {
		eventType = models.EventOrderFailed
	}
	e.publish(ctx, models.OrderEvent{
		Type:    eventType,
		OrderID: order.ID,
		Payload: map[string]interface{}{
			"status":         string(status),
			"completed_jobs": tally.Completed,
			"failed_jobs":    tally.Failed,
			"total_jobs":     tally.Total,
		},
		At: e.now().UTC(),
	})

	return eval, nil
}

func (e *Evaluator) publish(ctx context.Context, ev models.OrderEvent) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("order event publish failed", "event", ev.Type, "order_id", ev.OrderID, "error", err)
	}
}

func buildCompletionData(order *models.Order, jobs []models.RestorationJob) RestorationCompleteData {
	data := RestorationCompleteData{
		OrderID:           order.ID.String(),
		CustomerEmail:     order.CustomerEmail,
		RestoredImageURLs: []string{},
		OriginalImageURLs: []string{},
		Images:            []ImagePair{},
		TotalCount:        len(jobs),
	}

	for _, job := range jobs {
		if job.Status != models.JobStatusCompleted || !job.RestoredURL.Valid {
			continue
		}
		data.RestoredImageURLs = append(data.RestoredImageURLs, job.RestoredURL.String)
		data.OriginalImageURLs = append(data.OriginalImageURLs, job.OriginalURL)
		data.Images = append(data.Images, ImagePair{
			JobID:       job.ID.String(),
			OriginalURL: job.OriginalURL,
			RestoredURL: job.RestoredURL.String,
		})
	}
	data.RestoredCount = len(data.Images)

	return data
}
