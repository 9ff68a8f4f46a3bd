// Package webhook delivers signed job-completion notifications. Each
// delivery carries an HMAC signature over the body and a timestamp so
// receivers can authenticate the sender and reject replays.
package webhook

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
	"strconv"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/retry"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Headers carried on every delivery.
const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Payload is the notification body for a terminal job. Event and Timestamp
// are filled by Dispatch when left zero.
type Payload struct {
	Event     string               `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	JobID     string               `json:"job_id"`
	Status    transcript.JobStatus `json:"status"`
	VideoID   string               `json:"video_id"`
	Language  string               `json:"language"`
	Clean     bool                 `json:"clean"`
	ErrorKind transcript.ErrorKind `json:"error_kind,omitempty"`
	ErrorHint string               `json:"error_hint,omitempty"`
	Artifact  *transcript.Artifact `json:"artifact,omitempty"`
}

// Sign computes the delivery signature: an HMAC-SHA256 over the body, a
// dot, and the timestamp, hex encoded with a scheme prefix.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received delivery in constant time. Receivers
// should also bound the timestamp age themselves.
func VerifySignature(secret string, body []byte, timestamp, signature string) bool {
	expected := Sign(secret, body, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Config wires a Dispatcher.
type Config struct {
	// Secret signs every delivery. Required.
	Secret string
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
	// Backoff paces redelivery. Defaults to 3 attempts with 1s then 2s
	// gaps.
	Backoff retry.Policy
	Client  *http.Client
	Logger  *slog.Logger
	// Observe is called once per Dispatch with the final outcome.
	Observe func(delivered bool)
}

// Dispatcher posts signed notifications with bounded redelivery.
type Dispatcher struct {
	secret  string
	client  *http.Client
	backoff retry.Policy
	logger  *slog.Logger
	observe func(delivered bool)
	now     func() time.Time
}

// NewDispatcher validates the config and returns a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("webhook secret required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff.Attempts == 0 {
		backoff = retry.Policy{Attempts: 3, Base: time.Second, Cap: 2 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(bool) {}
	}
	return &Dispatcher{
		secret:  cfg.Secret,
		client:  client,
		backoff: backoff,
		logger:  logger.With("component", "webhook"),
		observe: observe,
		now:     time.Now,
	}, nil
}

// Dispatch signs and posts the payload. It retries transport failures and
// non-2xx responses until the attempts are spent, then reports failure.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload Payload) error {
	if payload.Event == "" {
		payload.Event = "job." + string(payload.Status)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = d.now().UTC()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	err = retry.Do(ctx, d.backoff, nil, func(ctx context.Context, attempt int) error {
		if err := d.deliver(ctx, url, body); err != nil {
			d.logger.WarnContext(ctx, "webhook delivery failed",
				"url", url, "job_id", payload.JobID, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	d.observe(err == nil)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s: %w", url, err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, url string, body []byte) error {
	timestamp := strconv.FormatInt(d.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(SignatureHeader, Sign(d.secret, body, timestamp))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}
