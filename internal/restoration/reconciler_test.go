package restoration_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/replicate"
	"photo-restore-backend/internal/restoration"
)

func TestReconciler_WebhookAndPollConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, jobs := h.seedOrder(t, 1, 3)
	job := h.submit(t, jobs[0], "pred-a")
	done := prediction("pred-a", replicate.StatusSucceeded, h.okURL("a.png"), "")
	h.provider.set(done)

	outcome, err := h.reconciler.HandleWebhook(ctx, done)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)

	// Same truth arriving again by every path.
	_, err = h.reconciler.HandleWebhook(ctx, done)
	require.NoError(t, err)
	_, err = h.reconciler.PollActive(ctx)
	require.NoError(t, err)
	_, _, err = h.reconciler.PollOrder(ctx, order.ID)
	require.NoError(t, err)
	stale := h.job(t, job.ID)
	again, err := h.reconciler.Apply(ctx, &stale, restoration.ObservationFromPrediction(done, restoration.SourcePoll))
	require.NoError(t, err)
	assert.False(t, again.Changed)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.True(t, got.RestoredImageID.Valid)
	assert.True(t, got.CompletedAt.Valid)

	path := "orders/" + order.ID.String() + "/restored/" + job.ID.String() + ".png"
	assert.True(t, h.blobs.Exists(path))
	assert.Equal(t, h.blobs.PublicURL(path), got.RestoredURL.String)

	images, err := h.store.ListImagesByOrder(ctx, order.ID)
	require.NoError(t, err)
	restored := 0
	for _, img := range images {
		if img.Role == models.ImageRoleRestored {
			restored++
		}
	}
	assert.Equal(t, 1, restored)

	assert.Equal(t, models.OrderStatusCompleted, h.order(t, order.ID).Status)
	assert.Len(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete), 1)
	assert.Equal(t, 1, h.events.count(models.EventJobCompleted))
	assert.Equal(t, 1, h.events.count(models.EventOrderCompleted))
}

func TestReconciler_DownloadNotFoundFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, jobs := h.seedOrder(t, 1, 3)
	job := h.submit(t, jobs[0], "pred-a")

	_, err := h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusSucceeded, h.goneURL("a.png"), ""))
	require.NoError(t, err)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "output download failed: HTTP 404", got.ErrorMessage.String)
	assert.False(t, got.RestoredImageID.Valid)
	assert.Equal(t, 0, h.blobs.Len())

	assert.Equal(t, models.OrderStatusFailed, h.order(t, order.ID).Status)
	assert.Empty(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete))
}

func TestReconciler_UnreachableOutputFailsAfterAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	closed := httptest.NewServer(http.NotFoundHandler())
	outputURL := closed.URL + "/out.png"
	closed.Close()

	order, jobs := h.seedOrder(t, 1, 3)
	job := h.submit(t, jobs[0], "pred-a")
	done := prediction("pred-a", replicate.StatusSucceeded, outputURL, "")
	h.provider.set(done)

	_, err := h.reconciler.HandleWebhook(ctx, done)
	assert.ErrorIs(t, err, restoration.ErrDownloadFailed)
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 1, got.History.Count(models.JobEventDownloadFailed))

	result, err := h.reconciler.PollActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, models.JobStatusProcessing, h.job(t, job.ID).Status)

	result, err = h.reconciler.PollActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Changed)

	got = h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.ErrorMessage.String, restoration.ErrDownloadFailed.Error()+": "))
	assert.Equal(t, 0, h.blobs.Len())
	assert.Equal(t, models.OrderStatusFailed, h.order(t, order.ID).Status)
	assert.Empty(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete))

	result, err = h.reconciler.PollActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Checked)
}

func TestReconciler_SucceededWithoutOutputFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, jobs := h.seedOrder(t, 1, 3)
	job := h.submit(t, jobs[0], "pred-a")

	_, err := h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusSucceeded, "", ""))
	require.NoError(t, err)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, restoration.ErrNoOutput.Error(), got.ErrorMessage.String)
}

func TestReconciler_PartialSuccessCompletesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, jobs := h.seedOrder(t, 2, 3)
	jobA := h.submit(t, jobs[0], "pred-a")
	jobB := h.submit(t, jobs[1], "pred-b")

	providerURL := h.okURL("a.png")
	_, err := h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusSucceeded, providerURL, ""))
	require.NoError(t, err)

	// One job still active: nothing terminal yet.
	assert.Equal(t, models.OrderStatusProcessing, h.order(t, order.ID).Status)
	assert.Empty(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete))

	_, err = h.reconciler.HandleWebhook(ctx, prediction("pred-b", replicate.StatusFailed, "", "CUDA out of memory"))
	require.NoError(t, err)

	assert.Equal(t, "CUDA out of memory", h.job(t, jobB.ID).ErrorMessage.String)
	assert.Equal(t, models.OrderStatusCompleted, h.order(t, order.ID).Status)

	emails := h.emails(t, order.ID, models.EmailTypeRestorationComplete)
	require.Len(t, emails, 1)
	assert.Equal(t, "ada@example.com", emails[0].Recipient)
	assert.Equal(t, "tmpl-complete", emails[0].TemplateID)

	data := completionData(t, emails[0])
	assert.Equal(t, 1, data.RestoredCount)
	assert.Equal(t, 2, data.TotalCount)
	require.Len(t, data.RestoredImageURLs, 1)
	assert.Equal(t, h.job(t, jobA.ID).RestoredURL.String, data.RestoredImageURLs[0])
	assert.NotEqual(t, providerURL, data.RestoredImageURLs[0])
	assert.True(t, strings.HasPrefix(data.RestoredImageURLs[0], "https://storage.test/photos/orders/"))
	assert.Equal(t, []string{jobA.OriginalURL}, data.OriginalImageURLs)
}

func TestReconciler_AllFailedFailsOrderWithoutEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, jobs := h.seedOrder(t, 2, 3)
	h.submit(t, jobs[0], "pred-a")
	h.submit(t, jobs[1], "pred-b")

	_, err := h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusFailed, "", "bad input"))
	require.NoError(t, err)
	_, err = h.reconciler.HandleWebhook(ctx, prediction("pred-b", replicate.StatusCanceled, "", ""))
	require.NoError(t, err)

	assert.Equal(t, "cancelled by provider", h.job(t, jobs[1].ID).ErrorMessage.String)
	assert.Equal(t, models.OrderStatusFailed, h.order(t, order.ID).Status)
	assert.Empty(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete))
	assert.Equal(t, 1, h.events.count(models.EventOrderFailed))
}

func TestReconciler_UnknownPredictionIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.reconciler.HandleWebhook(context.Background(),
		prediction("pred-unknown", replicate.StatusSucceeded, h.okURL("x.png"), ""))

	require.NoError(t, err)
	assert.True(t, outcome.Unknown)
	assert.Equal(t, 0, h.blobs.Len())
}

func TestReconciler_ProcessingRefreshesExternalStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, jobs := h.seedOrder(t, 1, 3)
	job := h.submit(t, jobs[0], "pred-a")

	outcome, err := h.reconciler.Apply(ctx, &job, restoration.Observation{
		ExternalID: "pred-a",
		Status:     replicate.StatusProcessing,
		Source:     restoration.SourcePoll,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Changed)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "processing", got.ExternalStatus.String)
	last, ok := got.History.Last()
	require.True(t, ok)
	assert.Equal(t, models.JobEventProviderStatus, last.Kind)
}

func TestReconciler_PollActiveReclaimsStuckJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Jobs created two hours ago and claimed without ever getting a handle.
	h.store.SetClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	order, jobs := h.seedOrder(t, 1, 3)
	stuck := h.submit(t, jobs[0], "")
	h.store.SetClock(time.Now)

	_, fresh := h.seedOrder(t, 1, 3)
	recent := h.submit(t, fresh[0], "")

	result, err := h.reconciler.PollActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed)

	got := h.job(t, stuck.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, restoration.ErrStuck.Error(), got.ErrorMessage.String)
	last, _ := got.History.Last()
	assert.Equal(t, models.JobEventReclaimed, last.Kind)
	assert.Equal(t, models.OrderStatusFailed, h.order(t, order.ID).Status)

	assert.Equal(t, models.JobStatusProcessing, h.job(t, recent.ID).Status)
	assert.Equal(t, 0, h.provider.gets)
}

func TestReconciler_PollActiveSkipsProviderErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, jobs := h.seedOrder(t, 2, 3)
	h.submit(t, jobs[0], "pred-missing")
	done := h.submit(t, jobs[1], "pred-b")
	h.provider.set(prediction("pred-b", replicate.StatusSucceeded, h.okURL("b.png"), ""))

	result, err := h.reconciler.PollActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Changed)
	assert.Equal(t, 1, result.Errors)

	assert.Equal(t, models.JobStatusProcessing, h.job(t, jobs[0].ID).Status)
	assert.Equal(t, models.JobStatusCompleted, h.job(t, done.ID).Status)
}

func TestEvaluator_WaitsForCheckoutThenSweepCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, jobs := h.seedOrder(t, 1, 3)
	ok, err := h.store.SetOrderStatus(ctx, order.ID, models.OrderStatusProcessing, models.OrderStatusPendingPayment)
	require.NoError(t, err)
	require.True(t, ok)

	h.submit(t, jobs[0], "pred-a")
	_, err = h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusSucceeded, h.okURL("a.png"), ""))
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPendingPayment, h.order(t, order.ID).Status)
	assert.Empty(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete))

	ok, err = h.store.SetOrderStatus(ctx, order.ID, models.OrderStatusPendingPayment, models.OrderStatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	finished, err := h.reconciler.SweepOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, finished)
	assert.Equal(t, models.OrderStatusCompleted, h.order(t, order.ID).Status)
	assert.Len(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete), 1)

	finished, err = h.reconciler.SweepOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, finished)
}

func TestEvaluator_RepeatedEvaluationHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, jobs := h.seedOrder(t, 1, 3)
	h.submit(t, jobs[0], "pred-a")
	_, err := h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusSucceeded, h.okURL("a.png"), ""))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		eval, err := h.evaluator.Evaluate(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, eval.Terminal)
		assert.False(t, eval.Transitioned)
		assert.False(t, eval.EmailQueued)
	}

	assert.Len(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete), 1)
	assert.Equal(t, 1, h.events.count(models.EventOrderCompleted))
}

func TestReconciler_ConcurrentPathsSendOneEmail(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t)
		ctx := context.Background()

		order, jobs := h.seedOrder(t, 3, 3)
		var done []*replicate.Prediction
		for i, job := range jobs {
			id := fmt.Sprintf("pred-%d", i)
			h.submit(t, job, id)
			p := prediction(id, replicate.StatusSucceeded, h.okURL(id+".png"), "")
			h.provider.set(p)
			done = append(done, p)
		}

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			for _, p := range done {
				wg.Add(1)
				go func(p *replicate.Prediction) {
					defer wg.Done()
					_, _ = h.reconciler.HandleWebhook(ctx, p)
				}(p)
			}
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = h.reconciler.PollActive(ctx)
			}()
			go func() {
				defer wg.Done()
				_, _, _ = h.reconciler.PollOrder(ctx, order.ID)
			}()
		}
		wg.Wait()

		for _, job := range jobs {
			assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
		}
		assert.Equal(t, models.OrderStatusCompleted, h.order(t, order.ID).Status)

		emails := h.emails(t, order.ID, models.EmailTypeRestorationComplete)
		require.Len(t, emails, 1, "round %d", round)
		assert.Len(t, completionData(t, emails[0]).RestoredImageURLs, 3)
		assert.Equal(t, 3, h.events.count(models.EventJobCompleted))
		assert.Equal(t, 1, h.events.count(models.EventOrderCompleted))
	}
}

// flakyQueuer fails the first failures calls, then queues through next.
type flakyQueuer struct {
	next     restoration.Queuer
	failures int
	calls    int
}

func (q *flakyQueuer) Queue(ctx context.Context, req outbox.QueueRequest) (*models.EmailQueueEntry, bool, error) {
	q.calls++
	if q.calls <= q.failures {
		return nil, false, errProviderDown
	}
	return q.next.Queue(ctx, req)
}

func TestEvaluator_RetriesTransientQueueErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Hold the order back so the job completes without queuing the email.
	order, jobs := h.seedOrder(t, 1, 3)
	ok, err := h.store.SetOrderStatus(ctx, order.ID, models.OrderStatusProcessing, models.OrderStatusPendingPayment)
	require.NoError(t, err)
	require.True(t, ok)
	h.submit(t, jobs[0], "pred-a")
	_, err = h.reconciler.HandleWebhook(ctx, prediction("pred-a", replicate.StatusSucceeded, h.okURL("a.png"), ""))
	require.NoError(t, err)
	ok, err = h.store.SetOrderStatus(ctx, order.ID, models.OrderStatusPendingPayment, models.OrderStatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	queuer := &flakyQueuer{next: h.outbox, failures: 2}
	eval, err := restoration.NewEvaluator(h.store, queuer, h.events).Evaluate(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, queuer.calls)
	assert.True(t, eval.EmailQueued)
	assert.True(t, eval.Transitioned)
	assert.Equal(t, models.OrderStatusCompleted, h.order(t, order.ID).Status)
	assert.Len(t, h.emails(t, order.ID, models.EmailTypeRestorationComplete), 1)
}
