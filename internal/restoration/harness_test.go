package restoration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/replicate"
	"photo-restore-backend/internal/restoration"
	"photo-restore-backend/internal/store/memory"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type fakeProvider struct {
	mu           sync.Mutex
	predictions  map[string]*replicate.Prediction
	createErr    error
	createStatus replicate.Status
	createOutput string
	creates      int
	gets         int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		predictions:  make(map[string]*replicate.Prediction),
		createStatus: replicate.StatusStarting,
	}
}

func (p *fakeProvider) Create(ctx context.Context, input map[string]interface{}) (*replicate.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.creates++
	if p.createErr != nil {
		return nil, p.createErr
	}
	pred := prediction(fmt.Sprintf("pred-%d", p.creates), p.createStatus, p.createOutput, "")
	pred.Input = input
	p.predictions[pred.ID] = pred
	cp := *pred
	return &cp, nil
}

func (p *fakeProvider) Get(ctx context.Context, id string) (*replicate.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gets++
	pred, ok := p.predictions[id]
	if !ok {
		return nil, &replicate.HTTPStatusError{Op: "get prediction", StatusCode: http.StatusNotFound}
	}
	cp := *pred
	return &cp, nil
}

func (p *fakeProvider) set(pred *replicate.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.predictions[pred.ID] = pred
}

func prediction(id string, status replicate.Status, outputURL, errText string) *replicate.Prediction {
	p := &replicate.Prediction{ID: id, Status: status}
	if outputURL != "" {
		p.Output, _ = json.Marshal(outputURL)
	}
	if errText != "" {
		p.Error, _ = json.Marshal(errText)
	}
	return p
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, ev models.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	store      *memory.Store
	blobs      *memory.BlobStore
	provider   *fakeProvider
	events     *recordingPublisher
	outbox     *outbox.Outbox
	evaluator  *restoration.Evaluator
	reconciler *restoration.Reconciler
	dispatcher *restoration.Dispatcher
	assets     *httptest.Server
}

// newHarness wires the engine against in-memory stores. The asset server
// serves PNG bytes under /ok/ and 404 everywhere else.
func newHarness(t *testing.T) *harness {
	t.Helper()

	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ok/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(assets.Close)

	h := &harness{
		store:    memory.NewStore(),
		blobs:    memory.NewBlobStore("https://storage.test/photos"),
		provider: newFakeProvider(),
		events:   &recordingPublisher{},
		assets:   assets,
	}
	h.outbox = outbox.New(h.store, outbox.Templates{
		models.EmailTypeRestorationComplete: "tmpl-complete",
	}, 5)
	h.evaluator = restoration.NewEvaluator(h.store, h.outbox, h.events)
	h.reconciler = restoration.NewReconciler(h.store, h.provider, replicate.NewDownloader(), h.blobs, h.evaluator, h.events,
		restoration.ReconcilerConfig{StuckTimeout: time.Hour})
	h.dispatcher = restoration.NewDispatcher(h.store, h.provider, h.reconciler,
		restoration.DispatcherConfig{RetryDelay: time.Nanosecond})
	return h
}

func (h *harness) okURL(name string) string   { return h.assets.URL + "/ok/" + name }
func (h *harness) goneURL(name string) string { return h.assets.URL + "/gone/" + name }

// seedOrder creates a processing order with one pending job per original image.
func (h *harness) seedOrder(t *testing.T, images int, maxAttempts int) (*models.Order, []models.RestorationJob) {
	t.Helper()
	ctx := context.Background()

	customer, err := h.store.UpsertCustomer(ctx, "ada@example.com", "Ada")
	require.NoError(t, err)

	order, created, err := h.store.CreateOrder(ctx, &models.Order{
		CustomerID:       customer.ID,
		Status:           models.OrderStatusProcessing,
		PaymentReference: "cs_" + uuid.NewString(),
		TotalAmount:      1999,
		Currency:         "usd",
		CustomerEmail:    customer.Email,
	})
	require.NoError(t, err)
	require.True(t, created)

	for i := 0; i < images; i++ {
		path := fmt.Sprintf("orders/%s/originals/%d.jpg", order.ID, i)
		img, err := h.store.CreateImage(ctx, &models.Image{
			OrderID:     order.ID,
			Role:        models.ImageRoleOriginal,
			StoragePath: path,
			PublicURL:   h.blobs.PublicURL(path),
			MimeType:    "image/jpeg",
			Status:      models.ImageStatusStored,
		})
		require.NoError(t, err)

		input, _ := json.Marshal(map[string]string{"image": img.PublicURL})
		ok, err := h.store.CreateJob(ctx, &models.RestorationJob{
			OrderID:         order.ID,
			OriginalImageID: img.ID,
			Status:          models.JobStatusPending,
			MaxAttempts:     maxAttempts,
			InputParameters: input,
			OriginalURL:     img.PublicURL,
		})
		require.NoError(t, err)
		require.True(t, ok)
		// keep creation order stable
		time.Sleep(time.Millisecond)
	}

	jobs, err := h.store.ListJobsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, jobs, images)
	return order, jobs
}

// submit moves a pending job to processing with the given provider handle.
func (h *harness) submit(t *testing.T, job models.RestorationJob, externalID string) models.RestorationJob {
	t.Helper()

	t2 := models.JobTransition{From: models.JobStatusPending, To: models.JobStatusProcessing}
	if externalID != "" {
		t2.ExternalJobID = &externalID
	}
	ok, err := h.store.TransitionJob(context.Background(), job.ID, t2)
	require.NoError(t, err)
	require.True(t, ok)
	return h.job(t, job.ID)
}

func (h *harness) job(t *testing.T, id uuid.UUID) models.RestorationJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return *job
}

func (h *harness) order(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	order, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return *order
}

func (h *harness) emails(t *testing.T, orderID uuid.UUID, emailType models.EmailType) []models.EmailQueueEntry {
	t.Helper()
	all, err := h.store.ListEmails(context.Background(), orderID)
	require.NoError(t, err)

	var out []models.EmailQueueEntry
	for _, e := range all {
		if e.EmailType == emailType {
			out = append(out, e)
		}
	}
	return out
}

func completionData(t *testing.T, entry models.EmailQueueEntry) restoration.RestorationCompleteData {
	t.Helper()
	var data restoration.RestorationCompleteData
	require.NoError(t, json.Unmarshal(entry.DynamicData, &data))
	return data
}

var errProviderDown = errors.New("provider unavailable")
