package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/elonfeng/polieval/internal/retry"
)

// Webhook sends notifications to a generic HTTP endpoint.
type Webhook struct {
	poster
	url    string
	secret string
}

// NewWebhook creates a new generic webhook notifier.
func NewWebhook(url, secret string, policy retry.Policy) *Webhook {
	return &Webhook{poster: newPoster("webhook", policy), url: url, secret: secret}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var headers map[string]string
	// HMAC signature for verification.
	if w.secret != "" {
		headers = map[string]string{"X-Signature-256": "sha256=" + Sign(w.secret, body)}
	}
	return w.post(ctx, w.url, headers, body)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
