package restoration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/replicate"
	"photo-restore-backend/internal/retry"
)

// Outcome describes what Apply did with an observation. Unknown is set when no
// job matches the external id.
type Outcome struct {
	JobID      uuid.UUID
	Status     models.JobStatus
	Changed    bool
	Unknown    bool
	Evaluation *Evaluation
}

// ReconcilerConfig tunes the engine. MaxDownloadAttempts bounds how often an
// unreachable output URL is fetched before the job fails.
type ReconcilerConfig struct {
	StuckTimeout        time.Duration
	BatchSize           int
	MaxDownloadAttempts int
}

type Reconciler struct {
	store      Store
	provider   Provider
	downloader Downloader
	blobs      BlobStore
	evaluator  *Evaluator
	publisher  Publisher
	cfg        ReconcilerConfig
	policy     retry.Policy
	now        func() time.Time
}

func NewReconciler(
	store Store,
	provider Provider,
	downloader Downloader,
	blobs BlobStore,
	evaluator *Evaluator,
	publisher Publisher,
	cfg ReconcilerConfig,
) *Reconciler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxDownloadAttempts <= 0 {
		cfg.MaxDownloadAttempts = 3
	}
	return &Reconciler{
		store:      store,
		provider:   provider,
		downloader: downloader,
		blobs:      blobs,
		evaluator:  evaluator,
		publisher:  publisher,
		cfg:        cfg,
		policy:     retry.DefaultPolicy,
		now:        time.Now,
	}
}

// HandleWebhook applies a pushed prediction. An unknown external id is
// acknowledged without error so the provider does not retry.
func (r *Reconciler) HandleWebhook(ctx context.Context, p *replicate.Prediction) (Outcome, error) {
	if p.ID == "" {
		return Outcome{Unknown: true}, nil
	}

	var job *models.RestorationJob
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		job, err = r.store.GetJobByExternalID(ctx, p.ID)
		return permanentIfNotFound(err)
	})
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("webhook for unknown prediction ignored", "external_job_id", p.ID, "status", p.Status)
		return Outcome{Unknown: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to look up job: %w", err)
	}

	return r.Apply(ctx, job, ObservationFromPrediction(p, SourceWebhook))
}

// Apply converges job state with an observation. Observing a status the job
// already has is a no-op; only the caller that wins the conditional update
// stores the result, publishes and evaluates the order.
func (r *Reconciler) Apply(ctx context.Context, job *models.RestorationJob, obs Observation) (Outcome, error) {
	outcome := Outcome{JobID: job.ID, Status: job.Status}

	target, ok := JobStatusFor(obs.Status)
	if !ok {
		slog.Warn("unknown provider status ignored", "job_id", job.ID, "status", obs.Status, "source", obs.Source)
		return outcome, nil
	}

	if job.Status.IsTerminal() || job.Status == target && target != models.JobStatusProcessing {
		return outcome, nil
	}

	switch target {
	case models.JobStatusProcessing:
		return outcome, r.refreshExternalStatus(ctx, job, obs)
	case models.JobStatusCompleted:
		return r.complete(ctx, job, obs)
	default:
		msg := obs.Error
		if msg == "" && obs.Status == replicate.StatusCanceled {
			msg = "cancelled by provider"
		} else if msg == "" {
			msg = fmt.Sprintf("provider reported %s", obs.Status)
		}
		return r.fail(ctx, job, obs, msg)
	}
}

func (r *Reconciler) refreshExternalStatus(ctx context.Context, job *models.RestorationJob, obs Observation) error {
	if job.Status != models.JobStatusProcessing {
		return nil
	}
	if job.ExternalStatus.Valid && job.ExternalStatus.String == string(obs.Status) {
		return nil
	}

	externalStatus := string(obs.Status)
	t := models.JobTransition{
		From:           job.Status,
		To:             job.Status,
		ExternalStatus: &externalStatus,
		Event: models.JobEvent{
			Kind:   models.JobEventProviderStatus,
			Source: string(obs.Source),
			Detail: externalStatus,
		},
	}
	_, err := r.transition(ctx, job, t)
	return err
}

func (r *Reconciler) complete(ctx context.Context, job *models.RestorationJob, obs Observation) (Outcome, error) {
	outcome := Outcome{JobID: job.ID, Status: job.Status}

	if obs.OutputURL == "" {
		return r.fail(ctx, job, obs, ErrNoOutput.Error())
	}

	data, contentType, err := r.downloader.Download(ctx, obs.OutputURL)
	if err != nil {
		var statusErr *replicate.HTTPStatusError
		if errors.As(err, &statusErr) {
			return r.fail(ctx, job, obs, fmt.Sprintf("%s: HTTP %d", ErrDownloadFailed, statusErr.StatusCode))
		}
		return r.downloadFailed(ctx, job, obs, err)
	}

	storagePath := restoredPath(job, contentType)
	err = retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.blobs.Upload(ctx, storagePath, data, contentType)
	})
	if err != nil {
		return r.fail(ctx, job, obs, fmt.Sprintf("%s: %v", ErrStoreFailed, err))
	}
	publicURL := r.blobs.PublicURL(storagePath)

	now := r.now().UTC()
	var image *models.Image
	err = retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		image, err = r.store.CreateRestoredImage(ctx, &models.Image{
			ID:            uuid.New(),
			OrderID:       job.OrderID,
			Role:          models.ImageRoleRestored,
			StoragePath:   storagePath,
			PublicURL:     publicURL,
			ByteSize:      sql.NullInt64{Int64: int64(len(data)), Valid: true},
			MimeType:      contentType,
			Status:        models.ImageStatusStored,
			ParentImageID: uuid.NullUUID{UUID: job.OriginalImageID, Valid: true},
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		return r.fail(ctx, job, obs, fmt.Sprintf("%s: %v", ErrStoreFailed, err))
	}

	externalStatus := string(obs.Status)
	restoredURL := image.PublicURL
	t := models.JobTransition{
		From:            job.Status,
		To:              models.JobStatusCompleted,
		ExternalStatus:  &externalStatus,
		RestoredImageID: &image.ID,
		RestoredURL:     &restoredURL,
		CompletedAt:     &now,
		Event: models.JobEvent{
			Kind:   models.JobEventCompleted,
			Source: string(obs.Source),
			Detail: restoredURL,
		},
	}
	won, err := r.transition(ctx, job, t)
	if err != nil || !won {
		return outcome, err
	}

	slog.Info("restoration job completed", "job_id", job.ID, "order_id", job.OrderID, "source", obs.Source)
	jobID := job.ID
	r.publish(ctx, models.OrderEvent{
		Type:    models.EventJobCompleted,
		OrderID: job.OrderID,
		JobID:   &jobID,
		Payload: map[string]interface{}{"restored_url": restoredURL, "original_url": job.OriginalURL},
		At:      now,
	})

	return r.afterTransition(ctx, job), nil
}

// downloadFailed records a network failure fetching the output. The job stays
// processing so the next observation fetches again, until the attempts run out.
func (r *Reconciler) downloadFailed(ctx context.Context, job *models.RestorationJob, obs Observation, cause error) (Outcome, error) {
	outcome := Outcome{JobID: job.ID, Status: job.Status}
	msg := fmt.Sprintf("%s: %v", ErrDownloadFailed, cause)

	attempts := job.History.Count(models.JobEventDownloadFailed) + 1
	if attempts >= r.cfg.MaxDownloadAttempts {
		return r.fail(ctx, job, obs, msg)
	}

	t := models.JobTransition{
		From: job.Status,
		To:   job.Status,
		Event: models.JobEvent{
			Kind:   models.JobEventDownloadFailed,
			Source: string(obs.Source),
			Detail: msg,
		},
	}
	if _, err := r.transition(ctx, job, t); err != nil {
		return outcome, err
	}
	slog.Warn("output download failed", "job_id", job.ID, "attempt", attempts, "max_attempts", r.cfg.MaxDownloadAttempts, "error", cause)
	return outcome, fmt.Errorf("%w: %v", ErrDownloadFailed, cause)
}

func (r *Reconciler) fail(ctx context.Context, job *models.RestorationJob, obs Observation, msg string) (Outcome, error) {
	return r.failWith(ctx, job, obs, models.JobEventFailed, msg)
}

func (r *Reconciler) failWith(ctx context.Context, job *models.RestorationJob, obs Observation, kind models.JobEventKind, msg string) (Outcome, error) {
	outcome := Outcome{JobID: job.ID, Status: job.Status}

	t := models.JobTransition{
		From:         job.Status,
		To:           models.JobStatusFailed,
		ErrorMessage: &msg,
		Event: models.JobEvent{
			Kind:   kind,
			Source: string(obs.Source),
			Detail: msg,
		},
	}
	if obs.Status != "" {
		externalStatus := string(obs.Status)
		t.ExternalStatus = &externalStatus
	}

	won, err := r.transition(ctx, job, t)
	if err != nil || !won {
		return outcome, err
	}

	slog.Warn("restoration job failed", "job_id", job.ID, "order_id", job.OrderID, "source", obs.Source, "error", msg)
	jobID := job.ID
	r.publish(ctx, models.OrderEvent{
		Type:    models.EventJobFailed,
		OrderID: job.OrderID,
		JobID:   &jobID,
		At:      r.now().UTC(),
	})

	return r.afterTransition(ctx, job), nil
}

// afterTransition evaluates the order. Evaluation errors are logged only: the
// job already reached its terminal state and the order sweep retries.
func (r *Reconciler) afterTransition(ctx context.Context, job *models.RestorationJob) Outcome {
	outcome := Outcome{JobID: job.ID, Status: job.Status, Changed: true}

	eval, err := r.evaluator.Evaluate(ctx, job.OrderID)
	if err != nil {
		slog.Error("order evaluation failed", "order_id", job.OrderID, "job_id", job.ID, "error", err)
		return outcome
	}
	outcome.Evaluation = eval
	return outcome
}

// transition applies t with datastore retries and keeps job in sync when the
// conditional update wins.
func (r *Reconciler) transition(ctx context.Context, job *models.RestorationJob, t models.JobTransition) (bool, error) {
	var won bool
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		won, err = r.store.TransitionJob(ctx, job.ID, t)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if won {
		t.Apply(job, r.now().UTC())
	}
	return won, nil
}

func (r *Reconciler) publish(ctx context.Context, ev models.OrderEvent) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("order event publish failed", "event", ev.Type, "order_id", ev.OrderID, "error", err)
	}
}

type PollResult struct {
	Checked   int
	Changed   int
	Reclaimed int
	Errors    int
}

// PollActive asks the provider about every processing job and reclaims jobs
// that never received an external handle.
func (r *Reconciler) PollActive(ctx context.Context) (PollResult, error) {
	var jobs []models.RestorationJob
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		jobs, err = r.store.ListJobsByStatus(ctx, models.JobStatusProcessing, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	var result PollResult
	for i := range jobs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		r.pollJob(ctx, &jobs[i], &result)
	}

	return result, nil
}

// PollOrder refreshes one order's active jobs, then evaluates the order.
func (r *Reconciler) PollOrder(ctx context.Context, orderID uuid.UUID) (PollResult, *Evaluation, error) {
	var jobs []models.RestorationJob
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		jobs, err = r.store.ListJobsByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return PollResult{}, nil, fmt.Errorf("failed to list order jobs: %w", err)
	}

	var result PollResult
	for i := range jobs {
		if jobs[i].Status != models.JobStatusProcessing {
			continue
		}
		r.pollJob(ctx, &jobs[i], &result)
	}

	eval, err := r.evaluator.Evaluate(ctx, orderID)
	if err != nil {
		return result, nil, err
	}
	return result, eval, nil
}

// SweepOrders re-evaluates processing orders. It completes orders whose last
// job transition happened while evaluation was impossible (transient errors, or
// jobs finishing before checkout flipped the order to processing).
func (r *Reconciler) SweepOrders(ctx context.Context) (int, error) {
	var orders []models.Order
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		orders, err = r.store.ListOrdersByStatus(ctx, models.OrderStatusProcessing, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list processing orders: %w", err)
	}

	finished := 0
	for _, order := range orders {
		eval, err := r.evaluator.Evaluate(ctx, order.ID)
		if err != nil {
			slog.Error("order sweep evaluation failed", "order_id", order.ID, "error", err)
			continue
		}
		if eval.Transitioned {
			finished++
		}
	}
	return finished, nil
}

func (r *Reconciler) pollJob(ctx context.Context, job *models.RestorationJob, result *PollResult) {
	result.Checked++

	if !job.ExternalJobID.Valid || job.ExternalJobID.String == "" {
		since := job.CreatedAt
		if job.UpdatedAt.After(since) {
			since = job.UpdatedAt
		}
		if r.now().Sub(since) <= r.cfg.StuckTimeout {
			return
		}
		outcome, err := r.failWith(ctx, job, Observation{Source: SourcePoll}, models.JobEventReclaimed, ErrStuck.Error())
		if err != nil {
			result.Errors++
			slog.Error("stuck job reclamation failed", "job_id", job.ID, "error", err)
			return
		}
		if outcome.Changed {
			result.Reclaimed++
			result.Changed++
		}
		return
	}

	p, err := r.provider.Get(ctx, job.ExternalJobID.String)
	if err != nil {
		result.Errors++
		slog.Warn("provider poll failed", "job_id", job.ID, "external_job_id", job.ExternalJobID.String, "error", err)
		return
	}

	outcome, err := r.Apply(ctx, job, ObservationFromPrediction(p, SourcePoll))
	if err != nil {
		result.Errors++
		slog.Warn("poll reconciliation failed", "job_id", job.ID, "error", err)
		return
	}
	if outcome.Changed {
		result.Changed++
	}
}

func restoredPath(job *models.RestorationJob, contentType string) string {
	ext := ".png"
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/jpeg":
			ext = ".jpg"
		case "image/webp":
			ext = ".webp"
		case "image/png":
			ext = ".png"
		default:
			if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 && strings.HasPrefix(mediaType, "image/") {
				ext = exts[0]
			}
		}
	}
	return fmt.Sprintf("orders/%s/restored/%s%s", job.OrderID, job.ID, ext)
}

func permanentIfNotFound(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}
