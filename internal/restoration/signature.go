package restoration

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

var (
	ErrMissingHeaders    = errors.New("missing webhook headers")
	ErrInvalidTimestamp  = errors.New("invalid webhook timestamp")
	ErrTimestampSkew     = errors.New("webhook timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// WebhookVerifier checks provider webhook deliveries signed with HMAC-SHA256
// over "{id}.{timestamp}.{body}".
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier accepts the secret as issued ("whsec_<base64>"); the key is
// the base64-decoded part after the first underscore.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	encoded := secret
	if i := strings.Index(secret, "_"); i >= 0 {
		encoded = secret[i+1:]
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhook secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("webhook secret is empty")
	}

	return &WebhookVerifier{key: key, tolerance: tolerance, now: time.Now}, nil
}

// Verify returns nil for an authentic, fresh delivery.
func (v *WebhookVerifier) Verify(header http.Header, body []byte) error {
	id := header.Get(HeaderWebhookID)
	timestamp := header.Get(HeaderWebhookTimestamp)
	signatures := header.Get(HeaderWebhookSignature)
	if id == "" || timestamp == "" || signatures == "" {
		return ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrTimestampSkew
	}

	expected := []byte(v.Sign(id, timestamp, body))
	for _, candidate := range strings.Fields(signatures) {
		parts := strings.SplitN(candidate, ",", 2)
		if len(parts) != 2 || parts[0] != "v1" {
			continue
		}
		if hmac.Equal([]byte(parts[1]), expected) {
			return nil
		}
	}

	return ErrSignatureMismatch
}

// Sign computes the base64 signature for a delivery.
func (v *WebhookVerifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StatusCode maps a verification error to the HTTP response code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSignatureMismatch):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
