package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"photo-restore-backend/internal/models"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/store/memory"
)

type fakeMailer struct {
	mu   sync.Mutex
	err  error
	sent []outbox.Message
}

func (m *fakeMailer) Send(ctx context.Context, msg outbox.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

var templates = outbox.Templates{
	models.EmailTypeOrderConfirmation:   "tmpl-confirm",
	models.EmailTypeRestorationComplete: "tmpl-complete",
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Minute, outbox.Backoff(1))
	assert.Equal(t, 4*time.Minute, outbox.Backoff(2))
	assert.Equal(t, 8*time.Minute, outbox.Backoff(3))
	assert.Equal(t, time.Minute, outbox.Backoff(0))
	assert.Equal(t, outbox.Backoff(16), outbox.Backoff(40))
}

func TestQueue_OneShotTypesAreIdempotent(t *testing.T) {
	store := memory.NewStore()
	ob := outbox.New(store, templates, 5)
	ctx := context.Background()
	orderID := uuid.New()

	entry, inserted, err := ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeRestorationComplete,
		Recipient: "ada@example.com",
		Data:      map[string]string{"order_id": orderID.String()},
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "tmpl-complete", entry.TemplateID)
	assert.Equal(t, models.EmailStatusPending, entry.Status)
	assert.Equal(t, 5, entry.MaxAttempts)

	_, inserted, err = ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeRestorationComplete,
		Recipient: "ada@example.com",
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	for i := 0; i < 2; i++ {
		_, inserted, err = ob.Queue(ctx, outbox.QueueRequest{
			OrderID:   orderID,
			Type:      models.EmailTypeShareFamily,
			Recipient: "family@example.com",
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	entries, err := store.ListEmails(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestQueue_RequiresRecipient(t *testing.T) {
	ob := outbox.New(memory.NewStore(), templates, 5)

	_, _, err := ob.Queue(context.Background(), outbox.QueueRequest{OrderID: uuid.New(), Type: models.EmailTypeOrderConfirmation})
	assert.ErrorIs(t, err, outbox.ErrInvalidRequest)
}

func TestRelay_DeliversDueEmails(t *testing.T) {
	store := memory.NewStore()
	ob := outbox.New(store, templates, 5)
	mailer := &fakeMailer{}
	relay := outbox.NewRelay(store, mailer, 10)
	ctx := context.Background()
	orderID := uuid.New()

	_, _, err := ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeOrderConfirmation,
		Recipient: "ada@example.com",
		Data:      map[string]int{"images": 2},
	})
	require.NoError(t, err)
	_, _, err = ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeShareFamily,
		Recipient: "family@example.com",
		Delay:     time.Hour,
	})
	require.NoError(t, err)

	result, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Sent)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ada@example.com", mailer.sent[0].To)
	assert.Equal(t, "tmpl-confirm", mailer.sent[0].TemplateID)
	assert.JSONEq(t, `{"images":2}`, string(mailer.sent[0].Data))

	entries, err := store.ListEmails(ctx, orderID)
	require.NoError(t, err)
	for _, e := range entries {
		switch e.EmailType {
		case models.EmailTypeOrderConfirmation:
			assert.Equal(t, models.EmailStatusSent, e.Status)
			assert.True(t, e.SentAt.Valid)
		case models.EmailTypeShareFamily:
			assert.Equal(t, models.EmailStatusPending, e.Status)
		}
	}

	result, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}

func TestRelay_ReschedulesWithBackoff(t *testing.T) {
	store := memory.NewStore()
	ob := outbox.New(store, templates, 5)
	relay := outbox.NewRelay(store, &fakeMailer{err: errors.New("connection reset")}, 10)
	ctx := context.Background()
	orderID := uuid.New()

	_, _, err := ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeOrderConfirmation,
		Recipient: "ada@example.com",
	})
	require.NoError(t, err)

	before := time.Now()
	result, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rescheduled)

	entries, err := store.ListEmails(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, models.EmailStatusPending, e.Status)
	assert.Equal(t, 1, e.AttemptNumber)
	assert.Equal(t, "connection reset", e.LastError.String)
	assert.WithinDuration(t, before.Add(2*time.Minute), e.ScheduledFor, 5*time.Second)

	// Not due yet.
	result, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}

func TestRelay_FailsAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	ob := outbox.New(store, templates, 1)
	relay := outbox.NewRelay(store, &fakeMailer{err: errors.New("timeout")}, 10)
	ctx := context.Background()
	orderID := uuid.New()

	_, _, err := ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeOrderConfirmation,
		Recipient: "ada@example.com",
	})
	require.NoError(t, err)

	result, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	entries, err := store.ListEmails(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.EmailStatusFailed, entries[0].Status)
	assert.Equal(t, 1, entries[0].AttemptNumber)
	assert.Equal(t, "timeout", entries[0].LastError.String)
}

func TestRelay_RejectedEmailFailsImmediately(t *testing.T) {
	store := memory.NewStore()
	ob := outbox.New(store, outbox.Templates{}, 5)
	relay := outbox.NewRelay(store, outbox.NewSendGridMailer("http://unused.test", "key", "from@example.com", "Shop"), 10)
	ctx := context.Background()
	orderID := uuid.New()

	_, _, err := ob.Queue(ctx, outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeOrderConfirmation,
		Recipient: "ada@example.com",
	})
	require.NoError(t, err)

	result, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

// markStore fails the first failures sent marks and honors cancellation.
type markStore struct {
	*memory.Store
	failures int
	calls    int
}

func (s *markStore) MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return errors.New("connection refused")
	}
	return s.Store.MarkEmailSent(ctx, id, sentAt)
}

// cancelingMailer delivers and then cancels the pass that called it.
type cancelingMailer struct {
	cancel context.CancelFunc
}

func (m *cancelingMailer) Send(ctx context.Context, msg outbox.Message) error {
	m.cancel()
	return nil
}

func queueConfirmation(t *testing.T, store outbox.Store, orderID uuid.UUID) {
	t.Helper()
	_, _, err := outbox.New(store, templates, 5).Queue(context.Background(), outbox.QueueRequest{
		OrderID:   orderID,
		Type:      models.EmailTypeOrderConfirmation,
		Recipient: "ada@example.com",
	})
	require.NoError(t, err)
}

func TestRelay_MarksSentAfterPassIsCanceled(t *testing.T) {
	store := &markStore{Store: memory.NewStore(), failures: 1}
	orderID := uuid.New()
	queueConfirmation(t, store, orderID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := outbox.NewRelay(store, &cancelingMailer{cancel: cancel}, 10)

	result, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 0, result.Unconfirmed)
	assert.Equal(t, 2, store.calls)

	entries, err := store.ListEmails(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.EmailStatusSent, entries[0].Status)
}

func TestRelay_ReportsUnconfirmedDelivery(t *testing.T) {
	store := &markStore{Store: memory.NewStore(), failures: -1}
	orderID := uuid.New()
	queueConfirmation(t, store, orderID)
	mailer := &fakeMailer{}

	result, err := outbox.NewRelay(store, mailer, 10).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Unconfirmed)
	assert.Len(t, mailer.sent, 1)

	entries, err := store.ListEmails(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.EmailStatusSending, entries[0].Status)
}

func TestSendGridMailer_Send(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/cert.pdf":
			_, _ = w.Write([]byte("%PDF"))
		case "/v3/mail/send":
			assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &got))
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	mailer := outbox.NewSendGridMailer(server.URL+"/v3/", "sg-key", "from@example.com", "Shop")
	err := mailer.Send(context.Background(), outbox.Message{
		Type:       models.EmailTypeRestorationComplete,
		To:         "ada@example.com",
		TemplateID: "d-123",
		Data:       json.RawMessage(`{"restored_count":1}`),
		Attachments: []models.Attachment{{
			Filename:    "cert.pdf",
			ContentType: "application/pdf",
			URL:         server.URL + "/files/cert.pdf",
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "d-123", got["template_id"])
	attachments := got["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	assert.Equal(t, "JVBERg==", attachments[0].(map[string]interface{})["content"])
}

func TestSendGridMailer_ClientErrorIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"invalid email"}]}`))
	}))
	defer server.Close()

	mailer := outbox.NewSendGridMailer(server.URL, "sg-key", "from@example.com", "Shop")
	err := mailer.Send(context.Background(), outbox.Message{To: "nope", TemplateID: "d-1"})
	assert.ErrorIs(t, err, outbox.ErrRejected)
}

func TestSendGridMailer_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	mailer := outbox.NewSendGridMailer(server.URL, "sg-key", "from@example.com", "Shop")
	err := mailer.Send(context.Background(), outbox.Message{To: "ada@example.com", TemplateID: "d-1"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, outbox.ErrRejected))
}
