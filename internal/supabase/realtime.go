package supabase

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"
	"photo-restore-backend/internal/models"
)

// RealtimeClient publishes order progress by inserting into order_events.
// Supabase Realtime streams the inserts to subscribed clients.
type RealtimeClient struct {
	client *supabase.Client
}

func NewRealtimeClient(client *supabase.Client) *RealtimeClient {
	return &RealtimeClient{
		client: client,
	}
}

type orderEventRow struct {
	OrderID string                 `json:"order_id"`
	JobID   *string                `json:"job_id,omitempty"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

func (r *RealtimeClient) Publish(ctx context.Context, ev models.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row := orderEventRow{
		OrderID: ev.OrderID.String(),
		Event:   ev.Type,
		Payload: ev.Payload,
	}
	if ev.JobID != nil {
		jobID := ev.JobID.String()
		row.JobID = &jobID
	}
	if row.Payload == nil {
		row.Payload = map[string]interface{}{}
	}

	if _, _, err := r.client.From("order_events").Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}
