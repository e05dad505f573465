package restoration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/retry"
)

type DispatcherConfig struct {
	// RetryDelay is the fixed wait before a failed submission is tried again.
	RetryDelay time.Duration
	BatchSize  int
}

// Dispatcher submits pending jobs to the provider.
type Dispatcher struct {
	store      Store
	provider   Provider
	reconciler *Reconciler
	cfg        DispatcherConfig
	policy     retry.Policy
	now        func() time.Time
}

func NewDispatcher(store Store, provider Provider, reconciler *Reconciler, cfg DispatcherConfig) *Dispatcher {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		cfg:        cfg,
		policy:     retry.DefaultPolicy,
		now:        time.Now,
	}
}

type DispatchResult struct {
	Claimed     int
	Submitted   int
	Rescheduled int
	Failed      int
}

// DispatchPending claims due pending jobs and submits them. A job another
// dispatcher claimed first is skipped.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	var jobs []models.RestorationJob
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		var err error
		jobs, err = d.store.ListDispatchableJobs(ctx, d.now().UTC(), d.cfg.BatchSize)
		return err
	})
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var result DispatchResult
	for i := range jobs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := d.dispatch(ctx, &jobs[i], &result); err != nil {
			slog.Error("job dispatch failed", "job_id", jobs[i].ID, "order_id", jobs[i].OrderID, "error", err)
		}
	}

	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job *models.RestorationJob, result *DispatchResult) error {
	claim := models.JobTransition{
		From:                job.Status,
		To:                  models.JobStatusProcessing,
		RequireNoExternalID: true,
		ClearNextAttempt:    true,
		Event: models.JobEvent{
			Kind:   models.JobEventClaimed,
			Source: string(SourceDispatch),
		},
	}
	won, err := d.reconciler.transition(ctx, job, claim)
	if err != nil || !won {
		return err
	}
	result.Claimed++

	input, err := providerInput(job)
	if err != nil {
		outcome, ferr := d.reconciler.fail(ctx, job, Observation{Source: SourceDispatch}, err.Error())
		if outcome.Changed {
			result.Failed++
		}
		return ferr
	}

	prediction, err := d.provider.Create(ctx, input)
	if err != nil {
		return d.submitFailed(ctx, job, err, result)
	}

	externalID := prediction.ID
	externalStatus := string(prediction.Status)
	submittedAt := d.now().UTC()
	submitted := models.JobTransition{
		From:                models.JobStatusProcessing,
		To:                  models.JobStatusProcessing,
		RequireNoExternalID: true,
		ExternalJobID:       &externalID,
		ExternalStatus:      &externalStatus,
		SubmittedAt:         &submittedAt,
		Event: models.JobEvent{
			Kind:   models.JobEventSubmitted,
			Source: string(SourceDispatch),
			Detail: externalID,
		},
	}
	won, err = d.reconciler.transition(ctx, job, submitted)
	if err != nil {
		return err
	}
	if !won {
		// Reclaimed while the provider call was in flight.
		slog.Warn("job changed during submission, prediction left orphaned", "job_id", job.ID, "external_job_id", externalID)
		return nil
	}
	result.Submitted++

	slog.Info("restoration job submitted", "job_id", job.ID, "order_id", job.OrderID, "external_job_id", externalID)
	jobID := job.ID
	d.reconciler.publish(ctx, models.OrderEvent{
		Type:    models.EventJobSubmitted,
		OrderID: job.OrderID,
		JobID:   &jobID,
		Payload: map[string]interface{}{"external_job_id": externalID},
		At:      submittedAt,
	})

	// A provider that answers synchronously goes through the same path as a webhook.
	if IsFinal(prediction.Status) {
		outcome, err := d.reconciler.Apply(ctx, job, ObservationFromPrediction(prediction, SourceDispatch))
		if err != nil {
			return err
		}
		if outcome.Changed && job.Status == models.JobStatusFailed {
			result.Failed++
		}
	}

	return nil
}

// submitFailed spends one attempt. The job returns to pending after a fixed
// delay while attempts remain, otherwise it fails for good.
func (d *Dispatcher) submitFailed(ctx context.Context, job *models.RestorationJob, cause error, result *DispatchResult) error {
	attempt := job.AttemptNumber + 1
	msg := fmt.Sprintf("submission failed: %v", cause)

	if attempt < job.MaxAttempts {
		next := d.now().UTC().Add(d.cfg.RetryDelay)
		t := models.JobTransition{
			From:          models.JobStatusProcessing,
			To:            models.JobStatusPending,
			AttemptNumber: &attempt,
			ErrorMessage:  &msg,
			NextAttemptAt: &next,
			Event: models.JobEvent{
				Kind:   models.JobEventSubmitFailed,
				Source: string(SourceDispatch),
				Detail: msg,
			},
		}
		won, err := d.reconciler.transition(ctx, job, t)
		if err != nil {
			return err
		}
		if won {
			result.Rescheduled++
			slog.Warn("job submission failed, will retry",
				"job_id", job.ID,
				"attempt", attempt,
				"max_attempts", job.MaxAttempts,
				"next_attempt_at", next,
				"error", cause,
			)
		}
		return nil
	}

	t := models.JobTransition{
		From:          models.JobStatusProcessing,
		To:            models.JobStatusFailed,
		AttemptNumber: &attempt,
		ErrorMessage:  &msg,
		Event: models.JobEvent{
			Kind:   models.JobEventFailed,
			Source: string(SourceDispatch),
			Detail: msg,
		},
	}
	won, err := d.reconciler.transition(ctx, job, t)
	if err != nil || !won {
		return err
	}
	result.Failed++

	slog.Warn("job submission failed, attempts exhausted", "job_id", job.ID, "attempts", attempt, "error", cause)
	jobID := job.ID
	d.reconciler.publish(ctx, models.OrderEvent{
		Type:    models.EventJobFailed,
		OrderID: job.OrderID,
		JobID:   &jobID,
		At:      d.now().UTC(),
	})
	d.reconciler.afterTransition(ctx, job)
	return nil
}

// RetryJob moves a failed job back to pending on operator request and reopens
// its order when the order had failed. A completed order already sent its one
// completion email, so its jobs are not retried.
func (d *Dispatcher) RetryJob(ctx context.Context, jobID uuid.UUID, reason string) (*models.RestorationJob, error) {
	var job *models.RestorationJob
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		var err error
		job, err = d.store.GetJob(ctx, jobID)
		return permanentIfNotFound(err)
	})
	if err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusFailed || !job.CanRetry() {
		return nil, fmt.Errorf("%w: status %s, attempt %d of %d", ErrNotRetryable, job.Status, job.AttemptNumber, job.MaxAttempts)
	}

	var order *models.Order
	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		var err error
		order, err = d.store.GetOrder(ctx, job.OrderID)
		return permanentIfNotFound(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	switch order.Status {
	case models.OrderStatusRefunded, models.OrderStatusCompleted:
		return nil, fmt.Errorf("%w: order %s", ErrNotRetryable, order.Status)
	}

	detail := reason
	if detail == "" {
		detail = "operator retry"
	}
	// The external handle belongs to the failed attempt; dispatch needs it empty.
	attempt := job.AttemptNumber + 1
	noExternalID := ""
	t := models.JobTransition{
		From:             models.JobStatusFailed,
		To:               models.JobStatusPending,
		ExternalJobID:    &noExternalID,
		AttemptNumber:    &attempt,
		ClearNextAttempt: true,
		Event: models.JobEvent{
			Kind:   models.JobEventRetried,
			Source: string(SourceOperator),
			Detail: detail,
		},
	}
	won, err := d.reconciler.transition(ctx, job, t)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("%w: job changed concurrently", ErrNotRetryable)
	}

	if order.Status == models.OrderStatusFailed {
		err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
			_, err := d.store.SetOrderStatus(ctx, order.ID, models.OrderStatusFailed, models.OrderStatusProcessing)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reopen order: %w", err)
		}
		slog.Info("order reopened for retry", "order_id", order.ID, "previous_status", order.Status)
	}

	slog.Info("job queued for retry", "job_id", job.ID, "reason", detail)
	return job, nil
}

// providerInput decodes the stored input parameters and makes sure a source
// image is present.
func providerInput(job *models.RestorationJob) (map[string]interface{}, error) {
	input := map[string]interface{}{}
	if len(job.InputParameters) > 0 {
		if err := json.Unmarshal(job.InputParameters, &input); err != nil {
			return nil, fmt.Errorf("invalid input parameters: %w", err)
		}
	}

	if image, ok := input["image"].(string); ok && image != "" {
		return input, nil
	}
	if job.OriginalURL != "" {
		input["image"] = job.OriginalURL
		return input, nil
	}
	return nil, ErrMissingSource
}

// IsNotRetryable reports whether err came from a retry request that the job's
// state does not allow.
func IsNotRetryable(err error) bool {
	return errors.Is(err, ErrNotRetryable)
}
