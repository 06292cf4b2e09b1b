// Package webhooks signs outgoing webhook bodies and verifies them on receipt
// using HMAC-SHA256 over the raw body.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
	Scheme          = "generic-hmac-sha256/v1"
)

var ErrEmptySecret = errors.New("webhook secret is empty")

// Sign returns the hex encoded HMAC-SHA256 of body.
func Sign(secret string, body []byte) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SetHeaders signs body and stamps the signature and event headers on h.
func SetHeaders(h http.Header, secret, eventID, eventType string, body []byte) error {
	sig, err := Sign(secret, body)
	if err != nil {
		return err
	}
	h.Set(SignatureHeader, sig)
	h.Set(EventIDHeader, eventID)
	h.Set(EventTypeHeader, eventType)
	return nil
}

type VerificationResult struct {
	Valid     bool   `json:"valid"`
	Scheme    string `json:"scheme"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

func Verify(headers http.Header, rawBody []byte, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, ErrEmptySecret
	}
	res := VerificationResult{
		Scheme:    Scheme,
		EventID:   strings.TrimSpace(headers.Get(EventIDHeader)),
		EventType: strings.TrimSpace(headers.Get(EventTypeHeader)),
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}

	provided, err := hex.DecodeString(strings.TrimSpace(headers.Get(SignatureHeader)))
	if err != nil || len(provided) == 0 {
		return res, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), provided)
	return res, nil
}
