package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when a secret is set.
const SignatureHeader = "X-Signature-SHA256"

// WebhookClient posts JSON payloads to webhook endpoints. Delivery is a single
// attempt; callers decide whether a failure matters.
type WebhookClient struct {
	client *http.Client
	secret string
}

// NewWebhookClient creates a webhook client with the given timeout and signing secret.
func NewWebhookClient(timeout time.Duration, secret string) *WebhookClient {
	return &WebhookClient{
		client: &http.Client{Timeout: timeout},
		secret: secret,
	}
}

// Post serializes payload and sends it to url, returning an error for transport
// failures or non-2xx responses.
func (c *WebhookClient) Post(ctx context.Context, url string, eventType Type, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("failed to marshal webhook payload").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.NewInternalError("failed to create webhook request").WithCause(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Governance-Engine-Notifier/1.0")
	req.Header.Set("X-Event-Type", string(eventType))
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, c.secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewInternalError("webhook delivery failed").WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewInternalError(fmt.Sprintf("webhook returned status: %d", resp.StatusCode))
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
