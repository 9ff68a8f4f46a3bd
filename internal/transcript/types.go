// Package transcript defines the domain model shared by the cache tiers,
// the extraction pipeline, and the delivery stages: subtitle segments,
// committed artifacts, job records, and the closed error taxonomy.
package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Engine identifies which extraction engine produced an artifact.
type Engine string

const (
	EnginePrimary  Engine = "primary"
	EngineFallback Engine = "fallback"
)

// Segment is a single subtitle cue.
type Segment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Artifact is the committed extraction result for one fingerprint. It is
// immutable once its status becomes ready; mutation happens only through a
// fresh commit that replaces the row wholesale.
type Artifact struct {
	VideoID    string    `json:"video_id"`
	Language   string    `json:"language"`
	Clean      bool      `json:"clean"`
	Title      string    `json:"title,omitempty"`
	EngineUsed Engine    `json:"engine_used"`
	Segments   []Segment `json:"segments"`
	PlainText  string    `json:"plain_text,omitempty"`
	DurationMS int64     `json:"extraction_duration_ms"`
	Integrity  string    `json:"integrity"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the artifact is past its durable-tier expiry.
func (a Artifact) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// ComputeIntegrity returns the content hash over the ordered segments. Two
// artifacts with equal segment content hash identically regardless of title
// or timing of extraction, which is what the tier-coherence checks compare.
func ComputeIntegrity(segments []Segment) string {
	h := sha256.New()
	for _, seg := range segments {
		fmt.Fprintf(h, "%.3f|%.3f|%s\n", seg.Start, seg.Duration, seg.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// JobStatus is the lifecycle state of an extraction job. Transitions are
// monotonic: queued -> running -> {finished, failed}, with cancelled
// reachable only from queued.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobCancelled
}

// WebhookStatus tracks notification delivery for a terminal job.
type WebhookStatus string

const (
	WebhookNone      WebhookStatus = "none"
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
)

// Job is the durable record of one extraction request.
type Job struct {
	ID            string        `json:"job_id"`
	VideoID       string        `json:"video_id"`
	Language      string        `json:"language"`
	Clean         bool          `json:"clean"`
	Status        JobStatus     `json:"status"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	ErrorHint     string        `json:"error_hint,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	WebhookURL    string        `json:"webhook_url,omitempty"`
	WebhookStatus WebhookStatus `json:"webhook_delivery_status"`
	Attempts      int           `json:"attempts"`
}
