package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL     string
	apiToken    string
	version     string
	callbackURL string
	httpClient  *http.Client
}

// HTTPStatusError reports a non-OK response from the provider or an output host.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("failed to %s: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

func NewClient(baseURL, apiToken, version, callbackURL string) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiToken:    apiToken,
		version:     version,
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Create submits a new prediction. The provider calls back on the configured
// webhook once the prediction reaches a final state.
func (c *Client) Create(ctx context.Context, input map[string]interface{}) (*Prediction, error) {
	reqBody := PredictionIn{
		Version: c.version,
		Input:   input,
	}
	if c.callbackURL != "" {
		reqBody.Webhook = c.callbackURL
		reqBody.WebhookEventsFilter = []string{"completed"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result Prediction
	if err := c.do(req, "create prediction", http.StatusCreated, &result); err != nil {
		return nil, err
	}

	if result.ID == "" {
		return nil, fmt.Errorf("prediction id is empty in response")
	}

	return &result, nil
}

// Get fetches the current state of a prediction.
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result Prediction
	if err := c.do(req, "get prediction", http.StatusOK, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Client) do(req *http.Request, op string, wantStatus int, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != wantStatus && resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(body))
	}

	return nil
}

// Downloader fetches prediction outputs. Output URLs are pre-signed, so no
// provider credentials are sent.
type Downloader struct {
	httpClient *http.Client
}

func NewDownloader() *Downloader {
	return &Downloader{
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Download returns the body and content type of url. A non-200 response yields
// an *HTTPStatusError so callers can record the status code.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", &HTTPStatusError{Op: "download output", StatusCode: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return data, contentType, nil
}
