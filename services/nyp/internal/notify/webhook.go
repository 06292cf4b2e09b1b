package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pricelane/pkg/webhooks"

	"github.com/google/uuid"
)

// WebhookSink posts every event as JSON to a single endpoint. When a secret
// is set the body is signed with webhooks.Sign.
type WebhookSink struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		URL:        strings.TrimSpace(url),
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, e Event) error {
	const op = "notify.WebhookSink.Send"

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	eventID := "evt_" + uuid.NewString()
	if s.Secret != "" {
		if err := webhooks.SetHeaders(req.Header, s.Secret, eventID, string(e.Type), body); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	} else {
		req.Header.Set(webhooks.EventIDHeader, eventID)
		req.Header.Set(webhooks.EventTypeHeader, string(e.Type))
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: endpoint returned %d", op, resp.StatusCode)
	}
	return nil
}
