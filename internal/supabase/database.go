package supabase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"photo-restore-backend/internal/models"
)

// DatabaseClient is the Postgres store behind the Supabase project. Every
// status change is a conditional UPDATE on the expected prior status; zero
// affected rows means another actor got there first.
type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, connectionString string) (*DatabaseClient, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &DatabaseClient{db: db}, nil
}

func (d *DatabaseClient) DB() *sql.DB { return d.db }

func (d *DatabaseClient) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DatabaseClient) Close() error { return d.db.Close() }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

// Customers

func (d *DatabaseClient) UpsertCustomer(ctx context.Context, email, name string) (*models.Customer, error) {
	var c models.Customer
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO customers (email, name)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (email) DO UPDATE SET name = COALESCE(EXCLUDED.name, customers.name)
		RETURNING id, email, name, created_at
	`, strings.ToLower(strings.TrimSpace(email)), name).Scan(&c.ID, &c.Email, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return &c, nil
}

// Orders

const orderColumns = `id, customer_id, status, payment_reference, total_amount, currency,
	customer_email, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.CustomerID, &o.Status, &o.PaymentReference, &o.TotalAmount, &o.Currency,
		&o.CustomerEmail, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder inserts order keyed by its payment reference. A duplicate
// reference returns the existing order with created=false.
func (d *DatabaseClient) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	id := order.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	created, err := scanOrder(d.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, customer_id, status, payment_reference, total_amount, currency, customer_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_reference) DO NOTHING
		RETURNING `+orderColumns,
		id, order.CustomerID, order.Status, order.PaymentReference, order.TotalAmount, order.Currency, order.CustomerEmail,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create order: %w", err)
	}

	existing, err := scanOrder(d.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, order.PaymentReference))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get order by payment reference: %w", notFound(err))
	}
	return existing, false, nil
}

func (d *DatabaseClient) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(d.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (d *DatabaseClient) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (d *DatabaseClient) SetOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1::text,
			completed_at = CASE
				WHEN $1::text IN ('completed', 'failed') THEN NOW()
				WHEN $1::text = 'processing' THEN NULL
				ELSE completed_at
			END
		WHERE id = $2 AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return affected(res)
}

// Images

const imageColumns = `id, order_id, role, storage_path, public_url, byte_size, mime_type, status,
	parent_image_id, created_at`

func scanImage(row rowScanner) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.OrderID, &img.Role, &img.StoragePath, &img.PublicURL, &img.ByteSize,
		&img.MimeType, &img.Status, &img.ParentImageID, &img.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (d *DatabaseClient) insertImage(ctx context.Context, img *models.Image) (*models.Image, error) {
	id := img.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return scanImage(d.db.QueryRowContext(ctx, `
		INSERT INTO images (id, order_id, role, storage_path, public_url, byte_size, mime_type, status, parent_image_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
		RETURNING `+imageColumns,
		id, img.OrderID, img.Role, img.StoragePath, img.PublicURL, img.ByteSize, img.MimeType, img.Status, img.ParentImageID,
	))
}

// CreateImage is idempotent per storage path.
func (d *DatabaseClient) CreateImage(ctx context.Context, img *models.Image) (*models.Image, error) {
	created, err := d.insertImage(ctx, img)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}

	existing, err := scanImage(d.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE storage_path = $1`, img.StoragePath))
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", notFound(err))
	}
	return existing, nil
}

// CreateRestoredImage is idempotent per parent image.
func (d *DatabaseClient) CreateRestoredImage(ctx context.Context, img *models.Image) (*models.Image, error) {
	created, err := d.insertImage(ctx, img)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create restored image: %w", err)
	}

	existing, err := scanImage(d.db.QueryRowContext(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE role = 'restored' AND (parent_image_id = $1 OR storage_path = $2)
		LIMIT 1
	`, img.ParentImageID, img.StoragePath))
	if err != nil {
		return nil, fmt.Errorf("failed to get restored image: %w", notFound(err))
	}
	return existing, nil
}

func (d *DatabaseClient) ListImagesByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Image, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE order_id = $1
		ORDER BY created_at, storage_path
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

// Jobs

const jobColumns = `id, order_id, original_image_id, status, external_job_id, external_status,
	attempt_number, max_attempts, input_parameters, error_message, restored_image_id, original_url,
	restored_url, submitted_at, completed_at, next_attempt_at, history, created_at, updated_at`

func scanJob(row rowScanner) (*models.RestorationJob, error) {
	var j models.RestorationJob
	var input []byte
	err := row.Scan(&j.ID, &j.OrderID, &j.OriginalImageID, &j.Status, &j.ExternalJobID, &j.ExternalStatus,
		&j.AttemptNumber, &j.MaxAttempts, &input, &j.ErrorMessage, &j.RestoredImageID, &j.OriginalURL,
		&j.RestoredURL, &j.SubmittedAt, &j.CompletedAt, &j.NextAttemptAt, &j.History, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.InputParameters = input
	return &j, nil
}

func (d *DatabaseClient) queryJobs(ctx context.Context, query string, args ...interface{}) ([]models.RestorationJob, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RestorationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CreateJob reports false when the original image already has an active job.
func (d *DatabaseClient) CreateJob(ctx context.Context, job *models.RestorationJob) (bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	input := []byte(job.InputParameters)
	if len(input) == 0 {
		input = []byte("{}")
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO restoration_jobs (id, order_id, original_image_id, status, attempt_number, max_attempts,
			input_parameters, original_url, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`, job.ID, job.OrderID, job.OriginalImageID, job.Status, job.AttemptNumber, job.MaxAttempts,
		input, job.OriginalURL, job.History)
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) GetJob(ctx context.Context, id uuid.UUID) (*models.RestorationJob, error) {
	j, err := scanJob(d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM restoration_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (d *DatabaseClient) GetJobByExternalID(ctx context.Context, externalID string) (*models.RestorationJob, error) {
	j, err := scanJob(d.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM restoration_jobs WHERE external_job_id = $1`, externalID))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (d *DatabaseClient) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.RestorationJob, error) {
	return d.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM restoration_jobs
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
}

func (d *DatabaseClient) ListDispatchableJobs(ctx context.Context, now time.Time, limit int) ([]models.RestorationJob, error) {
	return d.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM restoration_jobs
		WHERE status IN ('pending', 'queued')
			AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
}

func (d *DatabaseClient) ListJobsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.RestorationJob, error) {
	return d.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM restoration_jobs
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
}

// TransitionJob applies t as a single conditional UPDATE. The history event is
// appended to the JSONB array in the same statement.
func (d *DatabaseClient) TransitionJob(ctx context.Context, id uuid.UUID, t models.JobTransition) (bool, error) {
	sets := []string{"status = $1"}
	args := []interface{}{string(t.To)}
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if t.ExternalJobID != nil {
		set("external_job_id", sql.NullString{String: *t.ExternalJobID, Valid: *t.ExternalJobID != ""})
	}
	if t.ExternalStatus != nil {
		set("external_status", *t.ExternalStatus)
	}
	if t.AttemptNumber != nil {
		set("attempt_number", *t.AttemptNumber)
	}
	if t.ErrorMessage != nil {
		set("error_message", *t.ErrorMessage)
	}
	if t.RestoredImageID != nil {
		set("restored_image_id", *t.RestoredImageID)
	}
	if t.RestoredURL != nil {
		set("restored_url", *t.RestoredURL)
	}
	if t.SubmittedAt != nil {
		set("submitted_at", *t.SubmittedAt)
	}
	if t.CompletedAt != nil {
		set("completed_at", *t.CompletedAt)
	}
	if t.NextAttemptAt != nil {
		set("next_attempt_at", *t.NextAttemptAt)
	} else if t.ClearNextAttempt {
		sets = append(sets, "next_attempt_at = NULL")
	}
	if t.Event.Kind != "" {
		ev := t.Event
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		if ev.Status == "" {
			ev.Status = t.To
		}
		data, err := json.Marshal(models.JobHistory{ev})
		if err != nil {
			return false, fmt.Errorf("failed to marshal job event: %w", err)
		}
		args = append(args, data)
		sets = append(sets, fmt.Sprintf("history = history || $%d::jsonb", len(args)))
	}

	args = append(args, id, string(t.From))
	where := fmt.Sprintf("id = $%d AND status = $%d", len(args)-1, len(args))
	if t.RequireNoExternalID {
		where += " AND (external_job_id IS NULL OR external_job_id = '')"
	}

	res, err := d.db.ExecContext(ctx,
		"UPDATE restoration_jobs SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return affected(res)
}

// Email queue

const emailColumns = `id, order_id, email_type, recipient, template_id, dynamic_data, attachments, status,
	attempt_number, max_attempts, scheduled_for, last_error, sent_at, created_at, updated_at`

func scanEmail(row rowScanner) (*models.EmailQueueEntry, error) {
	var e models.EmailQueueEntry
	var data []byte
	err := row.Scan(&e.ID, &e.OrderID, &e.EmailType, &e.Recipient, &e.TemplateID, &data, &e.Attachments, &e.Status,
		&e.AttemptNumber, &e.MaxAttempts, &e.ScheduledFor, &e.LastError, &e.SentAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.DynamicData = data
	return &e, nil
}

// EnqueueEmail reports false when the one-shot index already holds a row for
// the order and email type.
func (d *DatabaseClient) EnqueueEmail(ctx context.Context, entry *models.EmailQueueEntry) (bool, error) {
	data := []byte(entry.DynamicData)
	if len(data) == 0 {
		data = []byte("{}")
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO email_queue (id, order_id, email_type, recipient, template_id, dynamic_data, attachments,
			status, attempt_number, max_attempts, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`, entry.ID, entry.OrderID, entry.EmailType, entry.Recipient, entry.TemplateID, data, entry.Attachments,
		entry.Status, entry.AttemptNumber, entry.MaxAttempts, entry.ScheduledFor)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue email: %w", err)
	}
	return affected(res)
}

// ClaimDueEmails moves due pending rows to sending. SKIP LOCKED lets several
// relays drain the queue without delivering a row twice.
func (d *DatabaseClient) ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]models.EmailQueueEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		UPDATE email_queue
		SET status = 'sending', updated_at = $1
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'pending' AND scheduled_for <= $1
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+emailColumns,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim emails: %w", err)
	}
	defer rows.Close()

	var entries []models.EmailQueueEntry
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (d *DatabaseClient) MarkEmailSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = $1, updated_at = $1
		WHERE id = $2
	`, sentAt, id)
	return err
}

func (d *DatabaseClient) RescheduleEmail(ctx context.Context, id uuid.UUID, attempt int, next time.Time, lastErr string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending', attempt_number = $1, scheduled_for = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4
	`, attempt, next, lastErr, id)
	return err
}

func (d *DatabaseClient) MarkEmailFailed(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', attempt_number = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, attempt, lastErr, id)
	return err
}

func (d *DatabaseClient) ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'sending' AND updated_at < $1
	`, claimedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
