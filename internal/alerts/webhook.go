package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/paysentinel/internal/retry"
)

// WebhookSink delivers alerts to an external URL as signed JSON. Delivery
// runs inline in the handler call with bounded retries; the evaluator's
// panic guard keeps slow or failing endpoints from affecting other
// handlers.
type WebhookSink struct {
	url        string
	secret     string
	client     *http.Client
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
}

// NewWebhookSink creates a sink posting alerts to url. secret, when set,
// enables HMAC-SHA256 payload signatures.
func NewWebhookSink(url, secret string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// Handler adapts the sink to the evaluator's handler contract.
func (s *WebhookSink) Handler() Handler {
	return func(a Alert) {
		if err := s.Send(context.Background(), a); err != nil {
			s.logger.Warn("alert webhook delivery failed", "alertId", a.ID, "url", s.url, "error", err)
		}
	}
}

// Send posts one alert, retrying transient failures with backoff.
func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	return retry.Do(ctx, s.attempts, s.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-PaySentinel-Alert", string(a.Type))
		req.Header.Set("X-PaySentinel-Timestamp", a.Timestamp)
		if s.secret != "" {
			req.Header.Set("X-PaySentinel-Signature", sign(payload, s.secret))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
			// Client errors will not improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against the payload. Exported
// for webhook consumers written against this module.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(sign(payload, secret)), []byte(signature))
}
