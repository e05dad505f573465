// Package fulfillment turns a paid checkout session into an order with one
// pending restoration job per uploaded photo.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/retry"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

var ErrInvalidSession = errors.New("invalid checkout session")

type Store interface {
	UpsertCustomer(ctx context.Context, email, name string) (*models.Customer, error)
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, bool, error)
	SetOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) (bool, error)
	CreateImage(ctx context.Context, img *models.Image) (*models.Image, error)
	ListImagesByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Image, error)
	CreateJob(ctx context.Context, job *models.RestorationJob) (bool, error)
	ListJobsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.RestorationJob, error)
}

type BlobStore interface {
	Move(ctx context.Context, from, to string) error
	PublicURL(path string) string
}

type Queuer interface {
	Queue(ctx context.Context, req outbox.QueueRequest) (*models.EmailQueueEntry, bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.OrderEvent) error
}

type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentIntent   string            `json:"payment_intent"`
	PaymentStatus   string            `json:"payment_status"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *CustomerDetails  `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
}

type CustomerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (s *CheckoutSession) email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

func (s *CheckoutSession) name() string {
	if s.CustomerDetails != nil {
		return s.CustomerDetails.Name
	}
	return ""
}

// Config for checkout fulfillment. TempPrefix is where the upload page puts
// files before payment; ModelInput is merged into every job's provider input.
type Config struct {
	TempPrefix     string
	JobMaxAttempts int
	ModelInput     map[string]interface{}
}

type Service struct {
	store     Store
	blobs     BlobStore
	queuer    Queuer
	publisher Publisher
	cfg       Config
	policy    retry.Policy
}

func NewService(store Store, blobs BlobStore, queuer Queuer, publisher Publisher, cfg Config) *Service {
	if cfg.TempPrefix == "" {
		cfg.TempPrefix = "temp/"
	}
	if cfg.JobMaxAttempts < 1 {
		cfg.JobMaxAttempts = 3
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		queuer:    queuer,
		publisher: publisher,
		cfg:       cfg,
		policy:    retry.DefaultPolicy,
	}
}

// Result of one checkout event. Duplicate is set when the session was already
// fulfilled; Ignored for event types and sessions that need no action.
type Result struct {
	OrderID   uuid.UUID
	Duplicate bool
	Ignored   bool
	Images    int
	Jobs      int
}

// HandleEvent decodes a verified webhook payload and fulfills completed,
// paid sessions. Other events are acknowledged and ignored.
func (s *Service) HandleEvent(ctx context.Context, payload []byte) (*Result, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if ev.Type != EventCheckoutCompleted && ev.Type != EventAsyncPaymentSucceeded {
		return &Result{Ignored: true}, nil
	}

	var session CheckoutSession
	if err := json.Unmarshal(ev.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" && session.PaymentStatus != "no_payment_required" {
		slog.Info("checkout session not paid yet", "session_id", session.ID, "payment_status", session.PaymentStatus)
		return &Result{Ignored: true}, nil
	}

	return s.Fulfill(ctx, &session)
}

// Fulfill creates the order for a paid session. It is safe to call again for
// the same session: a finished order is reported as a duplicate and an order
// left in pending_payment by an earlier failure is resumed.
func (s *Service) Fulfill(ctx context.Context, session *CheckoutSession) (*Result, error) {
	email := strings.TrimSpace(session.email())
	if session.ID == "" || email == "" {
		return nil, fmt.Errorf("%w: session id and customer email are required", ErrInvalidSession)
	}
	uploads, err := ParseUploadPaths(session.Metadata["upload_paths"])
	if err != nil {
		return nil, err
	}
	for _, p := range uploads {
		if !strings.HasPrefix(p, s.cfg.TempPrefix) || strings.Contains(p, "..") {
			return nil, fmt.Errorf("%w: upload path %q outside %s", ErrInvalidSession, p, s.cfg.TempPrefix)
		}
	}

	customer, err := s.store.UpsertCustomer(ctx, email, session.name())
	if err != nil {
		return nil, err
	}

	order, created, err := s.store.CreateOrder(ctx, &models.Order{
		CustomerID:       customer.ID,
		Status:           models.OrderStatusPendingPayment,
		PaymentReference: session.ID,
		TotalAmount:      session.AmountTotal,
		Currency:         strings.ToLower(session.Currency),
		CustomerEmail:    customer.Email,
	})
	if err != nil {
		return nil, err
	}
	result := &Result{OrderID: order.ID}
	if !created && order.Status != models.OrderStatusPendingPayment {
		slog.Info("checkout session already fulfilled", "session_id", session.ID, "order_id", order.ID)
		result.Duplicate = true
		return result, nil
	}

	images, err := s.storeOriginals(ctx, order, uploads)
	if err != nil {
		return nil, err
	}
	result.Images = len(images)

	jobs, err := s.createJobs(ctx, order, images)
	if err != nil {
		return nil, err
	}
	result.Jobs = jobs

	_, _, err = s.queuer.Queue(ctx, outbox.QueueRequest{
		OrderID:   order.ID,
		Type:      models.EmailTypeOrderConfirmation,
		Recipient: order.CustomerEmail,
		Data: map[string]interface{}{
			"order_id":     order.ID.String(),
			"image_count":  len(images),
			"total_amount": order.TotalAmount,
			"currency":     order.Currency,
		},
	})
	if err != nil {
		return nil, err
	}

	var started bool
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		started, err = s.store.SetOrderStatus(ctx, order.ID, models.OrderStatusPendingPayment, models.OrderStatusProcessing)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start order: %w", err)
	}
	if !started {
		result.Duplicate = true
		return result, nil
	}

	slog.Info("order created from checkout",
		"order_id", order.ID,
		"session_id", session.ID,
		"images", len(images),
		"jobs", jobs,
	)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, models.OrderEvent{
			Type:    models.EventOrderProcessing,
			OrderID: order.ID,
			Payload: map[string]interface{}{"total_jobs": len(images)},
			At:      time.Now().UTC(),
		}); err != nil {
			slog.Warn("order event publish failed", "order_id", order.ID, "error", err)
		}
	}

	return result, nil
}

// storeOriginals moves each temporary upload to the order's folder and records
// it. Uploads moved by an earlier attempt are recognised by their path.
func (s *Service) storeOriginals(ctx context.Context, order *models.Order, uploads []string) ([]models.Image, error) {
	existing, err := s.store.ListImagesByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]models.Image, len(existing))
	for _, img := range existing {
		byPath[img.StoragePath] = img
	}

	images := make([]models.Image, 0, len(uploads))
	for i, upload := range uploads {
		dest := fmt.Sprintf("orders/%s/originals/%02d-%s", order.ID, i+1, path.Base(upload))
		if img, ok := byPath[dest]; ok {
			images = append(images, img)
			continue
		}

		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			err := s.blobs.Move(ctx, upload, dest)
			if errors.Is(err, models.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to move upload %s: %w", upload, err)
		}

		img, err := s.store.CreateImage(ctx, &models.Image{
			ID:          uuid.New(),
			OrderID:     order.ID,
			Role:        models.ImageRoleOriginal,
			StoragePath: dest,
			PublicURL:   s.blobs.PublicURL(dest),
			MimeType:    mimeTypeFor(dest),
			Status:      models.ImageStatusStored,
		})
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	return images, nil
}

func (s *Service) createJobs(ctx context.Context, order *models.Order, images []models.Image) (int, error) {
	jobs, err := s.store.ListJobsByOrder(ctx, order.ID)
	if err != nil {
		return 0, err
	}
	hasJob := make(map[uuid.UUID]bool, len(jobs))
	for _, j := range jobs {
		hasJob[j.OriginalImageID] = true
	}

	created := len(jobs)
	for _, img := range images {
		if hasJob[img.ID] {
			continue
		}

		input := make(map[string]interface{}, len(s.cfg.ModelInput)+1)
		for k, v := range s.cfg.ModelInput {
			input[k] = v
		}
		input["image"] = img.PublicURL
		raw, err := json.Marshal(input)
		if err != nil {
			return created, fmt.Errorf("failed to marshal job input: %w", err)
		}

		ok, err := s.store.CreateJob(ctx, &models.RestorationJob{
			ID:              uuid.New(),
			OrderID:         order.ID,
			OriginalImageID: img.ID,
			Status:          models.JobStatusPending,
			MaxAttempts:     s.cfg.JobMaxAttempts,
			InputParameters: raw,
			OriginalURL:     img.PublicURL,
			History: models.JobHistory{{
				At:     time.Now().UTC(),
				Kind:   models.JobEventCreated,
				Status: models.JobStatusPending,
				Source: "checkout",
			}},
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// ParseUploadPaths accepts the upload list as a JSON array or a comma
// separated string.
func ParseUploadPaths(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: no uploads", ErrInvalidSession)
	}

	var paths []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			return nil, fmt.Errorf("%w: upload_paths: %v", ErrInvalidSession, err)
		}
	} else {
		paths = strings.Split(raw, ",")
	}

	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no uploads", ErrInvalidSession)
	}
	return out, nil
}

func mimeTypeFor(p string) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(p))); t != "" {
		return strings.SplitN(t, ";", 2)[0]
	}
	return "application/octet-stream"
}
