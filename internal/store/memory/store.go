// Package memory holds in-process implementations of the fulfillment stores.
// They back offline mode and the tests and follow the same conditional-update
// rules as the Postgres store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"photo-restore-backend/internal/models"
)

type Store struct {
	mu        sync.Mutex
	customers map[uuid.UUID]*models.Customer
	orders    map[uuid.UUID]*models.Order
	images    map[uuid.UUID]*models.Image
	jobs      map[uuid.UUID]*models.RestorationJob
	emails    map[uuid.UUID]*models.EmailQueueEntry
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		customers: make(map[uuid.UUID]*models.Customer),
		orders:    make(map[uuid.UUID]*models.Order),
		images:    make(map[uuid.UUID]*models.Image),
		jobs:      make(map[uuid.UUID]*models.RestorationJob),
		emails:    make(map[uuid.UUID]*models.EmailQueueEntry),
		now:       time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Customers

func (s *Store) UpsertCustomer(ctx context.Context, email, name string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, c := range s.customers {
		if c.Email == email {
			if name != "" {
				c.Name.String, c.Name.Valid = name, true
			}
			cp := *c
			return &cp, nil
		}
	}

	c := &models.Customer{ID: uuid.New(), Email: email, CreatedAt: s.now().UTC()}
	if name != "" {
		c.Name.String, c.Name.Valid = name, true
	}
	s.customers[c.ID] = c
	cp := *c
	return &cp, nil
}

// Orders

// CreateOrder inserts order unless one with the same payment reference exists,
// in which case the existing order is returned with created=false.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.PaymentReference != "" {
		for _, o := range s.orders {
			if o.PaymentReference == order.PaymentReference {
				cp := *o
				return &cp, false, nil
			}
		}
	}

	o := *order
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := s.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = &o
	cp := o
	return &cp, true, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Order
	for _, o := range s.orders {
		if o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	now := s.now().UTC()
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case models.OrderStatusCompleted, models.OrderStatusFailed:
		o.CompletedAt.Time, o.CompletedAt.Valid = now, true
	case models.OrderStatusProcessing:
		o.CompletedAt.Valid = false
	}
	return true, nil
}

// Images

func (s *Store) CreateImage(ctx context.Context, img *models.Image) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.images {
		if existing.StoragePath == img.StoragePath {
			cp := *existing
			return &cp, nil
		}
	}
	return s.insertImage(img), nil
}

func (s *Store) CreateRestoredImage(ctx context.Context, img *models.Image) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.ParentImageID.Valid {
		for _, existing := range s.images {
			if existing.Role == models.ImageRoleRestored && existing.ParentImageID == img.ParentImageID {
				cp := *existing
				return &cp, nil
			}
		}
	}
	return s.insertImage(img), nil
}

func (s *Store) insertImage(img *models.Image) *models.Image {
	i := *img
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = s.now().UTC()
	}
	s.images[i.ID] = &i
	cp := i
	return &cp
}

func (s *Store) ListImagesByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Image
	for _, img := range s.images {
		if img.OrderID == orderID {
			out = append(out, *img)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StoragePath < out[j].StoragePath
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Jobs

// CreateJob reports false when the original image already has an active job.
func (s *Store) CreateJob(ctx context.Context, job *models.RestorationJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.OriginalImageID == job.OriginalImageID && existing.Status.IsActive() {
			return false, nil
		}
	}

	j := copyJob(job)
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := s.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	job.ID = j.ID
	return true, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.RestorationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) GetJobByExternalID(ctx context.Context, externalID string) (*models.RestorationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if externalID == "" {
		return nil, models.ErrNotFound
	}
	for _, j := range s.jobs {
		if j.ExternalJobID.Valid && j.ExternalJobID.String == externalID {
			return copyJob(j), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.RestorationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectJobs(limit, func(j *models.RestorationJob) bool {
		return j.Status == status
	}), nil
}

func (s *Store) ListDispatchableJobs(ctx context.Context, now time.Time, limit int) ([]models.RestorationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectJobs(limit, func(j *models.RestorationJob) bool {
		if j.Status != models.JobStatusPending && j.Status != models.JobStatusQueued {
			return false
		}
		return !j.NextAttemptAt.Valid || !j.NextAttemptAt.Time.After(now)
	}), nil
}

func (s *Store) ListJobsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.RestorationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectJobs(0, func(j *models.RestorationJob) bool {
		return j.OrderID == orderID
	}), nil
}

func (s *Store) TransitionJob(ctx context.Context, id uuid.UUID, t models.JobTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !t.Matches(j) {
		return false, nil
	}
	t.Apply(j, s.now().UTC())
	return true, nil
}

// selectJobs returns copies ordered by creation time. Callers hold mu.
func (s *Store) selectJobs(limit int, keep func(*models.RestorationJob) bool) []models.RestorationJob {
	var out []models.RestorationJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID.String() < out[k].ID.String()
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyJob(j *models.RestorationJob) *models.RestorationJob {
	cp := *j
	if j.History != nil {
		cp.History = append(models.JobHistory(nil), j.History...)
	}
	if j.InputParameters != nil {
		cp.InputParameters = append(json.RawMessage(nil), j.InputParameters...)
	}
	return &cp
}

// Email queue

func (s *Store) EnqueueEmail(ctx context.Context, entry *models.EmailQueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.EmailType.OneShot() {
		for _, e := range s.emails {
			if e.OrderID == entry.OrderID && e.EmailType == entry.EmailType {
				return false, nil
			}
		}
	}

	e := copyEmail(entry)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.emails[e.ID] = e
	return true, nil
}

func (s *Store) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]models.EmailQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.EmailQueueEntry
	for _, e := range s.emails {
		if e.Status == models.EmailStatusPending && !e.ScheduledFor.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.EmailQueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = models.EmailStatusSending
		e.UpdatedAt = now
		out = append(out, *copyEmail(e))
	}
	return out, nil
}

func (s *Store) MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return s.updateEmail(id, func(e *models.EmailQueueEntry) {
		e.Status = models.EmailStatusSent
		e.SentAt.Time, e.SentAt.Valid = sentAt, true
		e.UpdatedAt = sentAt
	})
}

func (s *Store) RescheduleEmail(ctx context.Context, id uuid.UUID, attempt int, next time.Time, lastErr string) error {
	return s.updateEmail(id, func(e *models.EmailQueueEntry) {
		e.Status = models.EmailStatusPending
		e.AttemptNumber = attempt
		e.ScheduledFor = next
		e.LastError.String, e.LastError.Valid = lastErr, true
		e.UpdatedAt = s.now().UTC()
	})
}

func (s *Store) MarkEmailFailed(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error {
	return s.updateEmail(id, func(e *models.EmailQueueEntry) {
		e.Status = models.EmailStatusFailed
		e.AttemptNumber = attempt
		e.LastError.String, e.LastError.Valid = lastErr, true
		e.UpdatedAt = s.now().UTC()
	})
}

func (s *Store) ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.emails {
		if e.Status == models.EmailStatusSending && e.UpdatedAt.Before(claimedBefore) {
			e.Status = models.EmailStatusPending
			n++
		}
	}
	return n, nil
}

// ListEmails returns the order's queue entries, oldest first.
func (s *Store) ListEmails(ctx context.Context, orderID uuid.UUID) ([]models.EmailQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.EmailQueueEntry
	for _, e := range s.emails {
		if e.OrderID == orderID {
			out = append(out, *copyEmail(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) updateEmail(id uuid.UUID, fn func(*models.EmailQueueEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return models.ErrNotFound
	}
	fn(e)
	return nil
}

func copyEmail(e *models.EmailQueueEntry) *models.EmailQueueEntry {
	cp := *e
	if e.DynamicData != nil {
		cp.DynamicData = append(json.RawMessage(nil), e.DynamicData...)
	}
	if e.Attachments != nil {
		cp.Attachments = append(models.Attachments(nil), e.Attachments...)
	}
	return &cp
}
