package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// IsTerminal reports whether fulfillment has finished for the order.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusRefunded
}

type Customer struct {
	ID        uuid.UUID
	Email     string
	Name      sql.NullString
	CreatedAt time.Time
}

type Order struct {
	ID               uuid.UUID
	CustomerID       uuid.UUID
	Status           OrderStatus
	PaymentReference string
	TotalAmount      int64
	Currency         string
	CustomerEmail    string
	CompletedAt      sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
