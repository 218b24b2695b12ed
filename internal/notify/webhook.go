// Package notify sends completion and health events to an optional
// webhook endpoint. Delivery is best effort; a failed notification is a
// logged warning, never a run failure.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 payload signature when a
// shared secret is configured.
const SignatureHeader = "X-Hostback-Signature"

// Event names the notification kinds hostback emits.
const (
	EventBackupCompleted = "backup_completed"
	EventBackupFailed    = "backup_failed"
	EventHealthFailed    = "health_failed"
)

// Payload is the JSON body posted to the webhook endpoint.
type Payload struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Sender posts payloads with HMAC signing and retry.
type Sender struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger

	maxRetries int
}

// NewSender creates a sender for the configured endpoint. An empty URL
// yields a nil sender, which every method treats as "notifications off".
func NewSender(url, secret string, logger zerolog.Logger) *Sender {
	if url == "" {
		return nil
	}
	return &Sender{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     logger.With().Str("component", "notify").Logger(),
		maxRetries: 3,
	}
}

// Send posts one event. Retries with exponential backoff; the returned
// error is informational, callers log it as a warning at most.
func (s *Sender) Send(ctx context.Context, eventType string, data any) error {
	if s == nil {
		return nil
	}

	body, err := json.Marshal(Payload{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			s.logger.Debug().Int("attempt", attempt+1).Msg("retrying webhook")
		}

		lastErr = s.doSend(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", s.maxRetries, lastErr)
}

func (s *Sender) doSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Signature(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Info().Int("status", resp.StatusCode).Msg("webhook notification sent")
		return nil
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

// Signature computes the HMAC-SHA256 signature for a payload body.
func Signature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
