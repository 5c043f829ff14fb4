// Package webhook implements the outbound alert dispatcher used by the
// adaptive update worker: a signed POST to a downstream listener,
// carrying job_id so the listener can deduplicate, retried with
// exponential backoff. This package
// never renders or routes to Slack/email — it only produces and signs
// the payload; the downstream listener decides what to do with it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sender posts an alert payload to a downstream listener. Callers depend
// only on this interface; Dispatcher is the one production implementation.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// Event is one outbound alert: a rollback/anomaly notice or an applied
// update notice from the adaptive update worker.
type Event struct {
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"` // "applied" | "blocked" | "preview"
	StrategyID string         `json:"strategy_id"`
	Symbol    string          `json:"symbol"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// Anomaly describes one guardrail breach found by the diff against the
// prior snapshot.
type Anomaly struct {
	Field    string  `json:"field"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	AbsDelta float64 `json:"abs_delta"`
}

const signatureHeader = "X-OBS-Signature"

var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Dispatcher POSTs a JSON Event body, signed with HMAC-SHA256 over the raw
// body using secret, and retries on failure per backoffSchedule.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// NewDispatcher builds a Dispatcher targeting url, signing bodies with
// secret. An empty secret disables signing (matches
// validateGitHubWebhookSignature's "no secret configured" convention).
func NewDispatcher(url, secret string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Send posts event, retrying up to len(backoffSchedule) additional times
// on transport error or a non-2xx response. Idempotency is the receiver's
// responsibility, keyed on event.JobID.
func (d *Dispatcher) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	var lastErr error
	attempts := append([]time.Duration{0}, backoffSchedule...)
	for attempt, delay := range attempts {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = d.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		d.logger.Warn("webhook delivery attempt failed",
			zap.String("job_id", event.JobID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("webhook: all %d attempts failed for job %s: %w", len(attempts), event.JobID, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set(signatureHeader, "sha256="+d.sign(body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(d.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound signature header against body using
// secret — the mirror of Dispatcher.sign, kept here so a downstream test
// double or replay tool can validate what Dispatcher produced.
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	const prefix = "sha256="
	if len(signatureHeader) <= len(prefix) || signatureHeader[:len(prefix)] != prefix {
		return false
	}
	got, err := hex.DecodeString(signatureHeader[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)
	return hmac.Equal(got, want)
}
