// Package events fans order progress out to subscribers. Delivery is best
// effort: a failing sink is logged and never blocks fulfillment.
package events

import (
	"context"
	"errors"
	"log/slog"

	"photo-restore-backend/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.OrderEvent) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.OrderEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			slog.Warn("event sink failed", "event", ev.Type, "order_id", ev.OrderID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
