package fulfillment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const SignatureHeader = "Stripe-Signature"

var (
	ErrMissingSignature = errors.New("missing checkout signature")
	ErrStaleSignature   = errors.New("checkout signature timestamp outside tolerance")
	ErrInvalidSignature = errors.New("checkout signature mismatch")
)

// SignatureVerifier checks "t=<unix>,v1=<hex hmac>" headers where the HMAC is
// SHA-256 over "<t>.<body>" keyed with the endpoint secret.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (v *SignatureVerifier) Verify(header string, body []byte) error {
	if header == "" {
		return ErrMissingSignature
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMissingSignature)
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return ErrStaleSignature
		}
	}

	expected := []byte(v.sign(timestamp, body))
	for _, c := range candidates {
		if hmac.Equal([]byte(c), expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Header builds a signature header for body at t.
func (v *SignatureVerifier) Header(t time.Time, body []byte) string {
	timestamp := strconv.FormatInt(t.Unix(), 10)
	return "t=" + timestamp + ",v1=" + v.sign(timestamp, body)
}

func (v *SignatureVerifier) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
