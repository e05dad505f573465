package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EmailType string

const (
	EmailTypeOrderConfirmation   EmailType = "order_confirmation"
	EmailTypeRestorationComplete EmailType = "restoration_complete"
	EmailTypeShareFamily         EmailType = "share_family"
)

// OneShot reports whether at most one email of this type may exist per order.
func (t EmailType) OneShot() bool {
	return t == EmailTypeOrderConfirmation || t == EmailTypeRestorationComplete
}

type EmailStatus string

const (
	EmailStatusPending EmailStatus = "pending"
	EmailStatusSending EmailStatus = "sending"
	EmailStatusSent    EmailStatus = "sent"
	EmailStatusFailed  EmailStatus = "failed"
	EmailStatusBounced EmailStatus = "bounced"
)

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	// Content is base64 encoded.
	Content string `json:"content,omitempty"`
}

type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported attachments type %T", src)
	}
}

type EmailQueueEntry struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	EmailType     EmailType
	Recipient     string
	TemplateID    string
	DynamicData   json.RawMessage
	Attachments   Attachments
	Status        EmailStatus
	AttemptNumber int
	MaxAttempts   int
	ScheduledFor  time.Time
	LastError     sql.NullString
	SentAt        sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
