package outbox

import (
	"context"
	"log/slog"
)

// LogMailer writes emails to the structured log instead of sending them.
// Used when no email provider is configured.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, msg Message) error {
	slog.Info("outbox: email (log mailer)",
		"type", msg.Type,
		"to", msg.To,
		"template_id", msg.TemplateID,
		"data", string(msg.Data),
		"attachments", len(msg.Attachments),
	)
	return nil
}
