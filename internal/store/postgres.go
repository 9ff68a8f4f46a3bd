package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			video_id    TEXT        NOT NULL,
			language    TEXT        NOT NULL,
			clean_flag  BOOLEAN     NOT NULL,
			title       TEXT        NOT NULL DEFAULT '',
			engine      TEXT        NOT NULL,
			segments    JSONB       NOT NULL,
			plain_text  TEXT        NOT NULL DEFAULT '',
			duration_ms BIGINT      NOT NULL DEFAULT 0,
			integrity   TEXT        NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ,
			PRIMARY KEY (video_id, language, clean_flag)
		)`,
		`CREATE INDEX IF NOT EXISTS artifacts_expires_at_idx ON artifacts (expires_at)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id         TEXT        PRIMARY KEY,
			video_id       TEXT        NOT NULL,
			language       TEXT        NOT NULL,
			clean_flag     BOOLEAN     NOT NULL,
			status         TEXT        NOT NULL,
			error_kind     TEXT        NOT NULL DEFAULT '',
			error_hint     TEXT        NOT NULL DEFAULT '',
			enqueued_at    TIMESTAMPTZ NOT NULL,
			started_at     TIMESTAMPTZ,
			ended_at       TIMESTAMPTZ,
			webhook_url    TEXT        NOT NULL DEFAULT '',
			webhook_status TEXT        NOT NULL DEFAULT 'none',
			attempts       INT         NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) GetArtifact(ctx context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT title, engine, segments, plain_text, duration_ms, integrity, created_at, expires_at
		 FROM artifacts WHERE video_id = $1 AND language = $2 AND clean_flag = $3`,
		fp.VideoID, fp.Language, fp.Clean)

	var (
		artifact  transcript.Artifact
		engine    string
		segments  []byte
		expiresAt *time.Time
	)
	err := row.Scan(&artifact.Title, &engine, &segments, &artifact.PlainText,
		&artifact.DurationMS, &artifact.Integrity, &artifact.CreatedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select artifact %s: %w", fp.Key(), err)
	}
	if err := json.Unmarshal(segments, &artifact.Segments); err != nil {
		return nil, fmt.Errorf("decode artifact segments %s: %w", fp.Key(), err)
	}
	artifact.VideoID = fp.VideoID
	artifact.Language = fp.Language
	artifact.Clean = fp.Clean
	artifact.EngineUsed = transcript.Engine(engine)
	if expiresAt != nil {
		artifact.ExpiresAt = *expiresAt
	}
	return &artifact, nil
}

func (r *postgresRepository) PutArtifact(ctx context.Context, artifact *transcript.Artifact) error {
	segments, err := json.Marshal(artifact.Segments)
	if err != nil {
		return fmt.Errorf("encode artifact segments: %w", err)
	}
	var expiresAt *time.Time
	if !artifact.ExpiresAt.IsZero() {
		expiry := artifact.ExpiresAt.UTC()
		expiresAt = &expiry
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO artifacts (video_id, language, clean_flag, title, engine, segments, plain_text, duration_ms, integrity, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (video_id, language, clean_flag) DO UPDATE SET
			title = EXCLUDED.title,
			engine = EXCLUDED.engine,
			segments = EXCLUDED.segments,
			plain_text = EXCLUDED.plain_text,
			duration_ms = EXCLUDED.duration_ms,
			integrity = EXCLUDED.integrity,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		artifact.VideoID, artifact.Language, artifact.Clean, artifact.Title,
		string(artifact.EngineUsed), segments, artifact.PlainText,
		artifact.DurationMS, artifact.Integrity, createdAt.UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("upsert artifact %s:%s: %w", artifact.VideoID, artifact.Language, err)
	}
	return nil
}

func (r *postgresRepository) DeleteArtifact(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM artifacts WHERE video_id = $1 AND language = $2 AND clean_flag = $3`,
		fp.VideoID, fp.Language, fp.Clean)
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", fp.Key(), err)
	}
	return nil
}

func (r *postgresRepository) PutJob(ctx context.Context, job *transcript.Job) error {
	var startedAt, endedAt *time.Time
	if !job.StartedAt.IsZero() {
		started := job.StartedAt.UTC()
		startedAt = &started
	}
	if !job.EndedAt.IsZero() {
		ended := job.EndedAt.UTC()
		endedAt = &ended
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, video_id, language, clean_flag, status, error_kind, error_hint, enqueued_at, started_at, ended_at, webhook_url, webhook_status, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			error_kind = EXCLUDED.error_kind,
			error_hint = EXCLUDED.error_hint,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			webhook_status = EXCLUDED.webhook_status,
			attempts = EXCLUDED.attempts`,
		job.ID, job.VideoID, job.Language, job.Clean, string(job.Status),
		string(job.ErrorKind), job.ErrorHint, job.EnqueuedAt.UTC(), startedAt, endedAt,
		job.WebhookURL, string(job.WebhookStatus), job.Attempts)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetJob(ctx context.Context, id string) (*transcript.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT video_id, language, clean_flag, status, error_kind, error_hint, enqueued_at, started_at, ended_at, webhook_url, webhook_status, attempts
		 FROM jobs WHERE job_id = $1`, id)

	var (
		job                transcript.Job
		status             string
		errorKind          string
		webhookStatus      string
		startedAt, endedAt *time.Time
	)
	err := row.Scan(&job.VideoID, &job.Language, &job.Clean, &status, &errorKind,
		&job.ErrorHint, &job.EnqueuedAt, &startedAt, &endedAt,
		&job.WebhookURL, &webhookStatus, &job.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	job.ID = id
	job.Status = transcript.JobStatus(status)
	job.ErrorKind = transcript.ErrorKind(errorKind)
	job.WebhookStatus = transcript.WebhookStatus(webhookStatus)
	if startedAt != nil {
		job.StartedAt = *startedAt
	}
	if endedAt != nil {
		job.EndedAt = *endedAt
	}
	return &job, nil
}

func (r *postgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *postgresRepository) PurgeAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM artifacts`)
	if err != nil {
		return 0, fmt.Errorf("purge artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *postgresRepository) CountArtifacts(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ Repository = (*postgresRepository)(nil)
