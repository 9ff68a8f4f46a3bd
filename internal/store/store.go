// Package store is the durable tier: extracted artifacts plus job records
// that must outlive the volatile queue snapshots. The production
// implementation is Postgres via pgx; an in-memory implementation backs
// tests and deployments that run without a database.
package store

import (
	"context"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// Repository persists extracted artifacts and job records beyond cache and
// queue lifetimes. A nil result with a nil error from the getters means the
// row does not exist.
type Repository interface {
	GetArtifact(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error)
	PutArtifact(ctx context.Context, artifact *transcript.Artifact) error
	DeleteArtifact(ctx context.Context, fp fingerprint.Fingerprint) error
	// PutJob upserts the job record keyed on its id. Workers write every
	// status transition through so a job survives queue-tier data loss.
	PutJob(ctx context.Context, job *transcript.Job) error
	// GetJob loads a job record by id.
	GetJob(ctx context.Context, id string) (*transcript.Job, error)
	// PurgeExpired removes artifacts whose expiry precedes now and reports
	// how many rows were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	// PurgeAll removes every stored artifact.
	PurgeAll(ctx context.Context) (int64, error)
	// CountArtifacts reports the stored row count for the admin surface.
	CountArtifacts(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
