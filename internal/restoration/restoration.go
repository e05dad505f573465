// Package restoration drives restoration jobs from submission to a terminal
// state and decides when an order is finished.
//
// Provider truth arrives through three paths (dispatch response, webhook push,
// poll pull). All of them feed Reconciler.Apply, which only performs side
// effects after winning a conditional status update, so the paths may race
// freely.
package restoration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/replicate"
)

var (
	ErrNoOutput       = errors.New("provider reported success without output")
	ErrDownloadFailed = errors.New("output download failed")
	ErrStoreFailed    = errors.New("failed to store restored image")
	ErrStuck          = errors.New("stuck without external job id")
	ErrMissingSource  = errors.New("missing source image url")
	ErrNotRetryable   = errors.New("job cannot be retried")
)

// Store is the persistence the engine needs. Conditional methods report false
// when their precondition no longer holds; that is never an error.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error)
	SetOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) (bool, error)

	GetJob(ctx context.Context, id uuid.UUID) (*models.RestorationJob, error)
	GetJobByExternalID(ctx context.Context, externalID string) (*models.RestorationJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.RestorationJob, error)
	ListDispatchableJobs(ctx context.Context, now time.Time, limit int) ([]models.RestorationJob, error)
	ListJobsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.RestorationJob, error)
	TransitionJob(ctx context.Context, id uuid.UUID, t models.JobTransition) (bool, error)

	// CreateRestoredImage is idempotent per parent image and returns the
	// existing row when one is already linked.
	CreateRestoredImage(ctx context.Context, img *models.Image) (*models.Image, error)
}

type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

type Provider interface {
	Create(ctx context.Context, input map[string]interface{}) (*replicate.Prediction, error)
	Get(ctx context.Context, id string) (*replicate.Prediction, error)
}

type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.OrderEvent) error
}

type Queuer interface {
	Queue(ctx context.Context, req outbox.QueueRequest) (*models.EmailQueueEntry, bool, error)
}

type Source string

const (
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
	SourceDispatch Source = "dispatch"
	SourceOperator Source = "operator"
)

// Observation is one report of provider state for a job.
type Observation struct {
	ExternalID string
	Status     replicate.Status
	OutputURL  string
	Error      string
	Source     Source
}

func ObservationFromPrediction(p *replicate.Prediction, source Source) Observation {
	return Observation{
		ExternalID: p.ID,
		Status:     p.Status,
		OutputURL:  p.OutputURL(),
		Error:      p.ErrorMessage(),
		Source:     source,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.OrderEvent) error { return nil }
