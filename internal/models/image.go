package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type ImageRole string

const (
	ImageRoleOriginal ImageRole = "original"
	ImageRoleRestored ImageRole = "restored"
)

const (
	ImageStatusStored  = "stored"
	ImageStatusDeleted = "deleted"
)

type Image struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	Role          ImageRole
	StoragePath   string
	PublicURL     string
	ByteSize      sql.NullInt64
	MimeType      string
	Status        string
	ParentImageID uuid.NullUUID
	CreatedAt     time.Time
}
