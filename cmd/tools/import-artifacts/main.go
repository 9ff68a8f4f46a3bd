// Command import-artifacts loads a JSON dump of transcript artifacts into
// the Postgres durable tier, for backfilling a fresh deployment from an
// export.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/store"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

func main() {
	jsonPath := flag.String("json", "artifacts.json", "path to the artifact dump to import")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	skipExpired := flag.Bool("skip-expired", true, "skip artifacts already past their expiry")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("YTSUBS_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, YTSUBS_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	artifacts, err := loadDump(*jsonPath)
	if err != nil {
		logger.Error("failed to load artifact dump", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded artifact dump", "path", *jsonPath, "artifacts", len(artifacts))

	ctx := context.Background()
	repo, err := store.NewPostgresRepository(ctx, store.PostgresConfig{
		DSN:             dsn,
		ApplicationName: "ytsubs-import",
	})
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = repo.Close(context.Background())
	}()

	now := time.Now()
	imported, skipped := 0, 0
	for i := range artifacts {
		artifact := &artifacts[i]
		if err := validate(artifact); err != nil {
			logger.Error("invalid artifact", "index", i, "error", err)
			os.Exit(1)
		}
		if *skipExpired && artifact.Expired(now) {
			skipped++
			continue
		}
		if err := repo.PutArtifact(ctx, artifact); err != nil {
			logger.Error("failed to import artifact",
				"video_id", artifact.VideoID, "language", artifact.Language, "error", err)
			os.Exit(1)
		}
		imported++
	}

	count, err := repo.CountArtifacts(ctx)
	if err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	if count < int64(imported) {
		logger.Error("verification mismatch", "imported", imported, "stored", count)
		os.Exit(1)
	}

	logger.Info("import completed", "imported", imported, "skipped", skipped, "stored", count)
}

func loadDump(path string) ([]transcript.Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var artifacts []transcript.Artifact
	if err := json.Unmarshal(raw, &artifacts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return artifacts, nil
}

// validate fills derivable fields and rejects rows the repository would
// choke on.
func validate(artifact *transcript.Artifact) error {
	if artifact.VideoID == "" {
		return fmt.Errorf("video_id is required")
	}
	if artifact.Language == "" {
		return fmt.Errorf("language is required")
	}
	if len(artifact.Segments) == 0 {
		return fmt.Errorf("artifact %s/%s has no segments", artifact.VideoID, artifact.Language)
	}
	if artifact.Integrity == "" {
		artifact.Integrity = transcript.ComputeIntegrity(artifact.Segments)
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	return nil
}
