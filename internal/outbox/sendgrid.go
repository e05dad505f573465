package outbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SendGridMailer delivers dynamic-template emails through the SendGrid v3 API.
type SendGridMailer struct {
	baseURL    string
	apiKey     string
	fromEmail  string
	fromName   string
	httpClient *http.Client
}

func NewSendGridMailer(baseURL, apiKey, fromEmail, fromName string) *SendGridMailer {
	return &SendGridMailer{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To                  []sendGridAddress `json:"to"`
	DynamicTemplateData json.RawMessage   `json:"dynamic_template_data,omitempty"`
}

type sendGridAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition,omitempty"`
}

type sendGridMail struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	TemplateID       string                    `json:"template_id"`
	Attachments      []sendGridAttachment      `json:"attachments,omitempty"`
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	if msg.TemplateID == "" {
		return fmt.Errorf("no template configured for %s: %w", msg.Type, ErrRejected)
	}

	mail := sendGridMail{
		Personalizations: []sendGridPersonalization{{
			To:                  []sendGridAddress{{Email: msg.To}},
			DynamicTemplateData: msg.Data,
		}},
		From:       sendGridAddress{Email: m.fromEmail, Name: m.fromName},
		TemplateID: msg.TemplateID,
	}

	for _, a := range msg.Attachments {
		content := a.Content
		if content == "" && a.URL != "" {
			data, err := m.fetch(ctx, a.URL)
			if err != nil {
				return fmt.Errorf("failed to fetch attachment %s: %w", a.Filename, err)
			}
			content = base64.StdEncoding.EncodeToString(data)
		}
		mail.Attachments = append(mail.Attachments, sendGridAttachment{
			Content:     content,
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}

	jsonData, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/mail/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("failed to send email: status %d, body: %s: %w", resp.StatusCode, string(body), ErrRejected)
	}
	return fmt.Errorf("failed to send email: status %d, body: %s", resp.StatusCode, string(body))
}

func (m *SendGridMailer) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
