package replicate

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// PredictionIn is the body of a create prediction request.
type PredictionIn struct {
	Version             string                 `json:"version"`
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

// Prediction is returned by create, get and webhook deliveries alike.
type Prediction struct {
	ID          string                 `json:"id"`
	Version     string                 `json:"version,omitempty"`
	Status      Status                 `json:"status"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	Logs        string                 `json:"logs,omitempty"`
	CreatedAt   *time.Time             `json:"created_at,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// OutputURL extracts the result URL. Image models return either a single URL
// or a list of URLs; the first non-empty entry wins.
func (p *Prediction) OutputURL() string {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return ""
	}

	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return strings.TrimSpace(single)
	}

	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil {
		for _, u := range list {
			if u = strings.TrimSpace(u); u != "" {
				return u
			}
		}
	}

	return ""
}

// ErrorMessage returns the provider error text, or "" when none was reported.
func (p *Prediction) ErrorMessage() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}

	var msg string
	if err := json.Unmarshal(p.Error, &msg); err == nil {
		return msg
	}

	return string(p.Error)
}
