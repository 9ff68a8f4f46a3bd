package store

import (
	"context"
	"sync"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/fingerprint"
	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// MemoryRepository keeps artifacts and job records in maps. It backs tests
// and deployments without a database; data does not survive a restart.
type MemoryRepository struct {
	mu        sync.RWMutex
	artifacts map[string]transcript.Artifact
	jobs      map[string]transcript.Job
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		artifacts: make(map[string]transcript.Artifact),
		jobs:      make(map[string]transcript.Job),
	}
}

func (r *MemoryRepository) GetArtifact(_ context.Context, fp fingerprint.Fingerprint) (*transcript.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	artifact, ok := r.artifacts[fp.Key()]
	if !ok {
		return nil, nil
	}
	clone := artifact
	clone.Segments = append([]transcript.Segment(nil), artifact.Segments...)
	return &clone, nil
}

func (r *MemoryRepository) PutArtifact(_ context.Context, artifact *transcript.Artifact) error {
	fp := fingerprint.Fingerprint{VideoID: artifact.VideoID, Language: artifact.Language, Clean: artifact.Clean}
	clone := *artifact
	clone.Segments = append([]transcript.Segment(nil), artifact.Segments...)
	r.mu.Lock()
	r.artifacts[fp.Key()] = clone
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) DeleteArtifact(_ context.Context, fp fingerprint.Fingerprint) error {
	r.mu.Lock()
	delete(r.artifacts, fp.Key())
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) PutJob(_ context.Context, job *transcript.Job) error {
	r.mu.Lock()
	r.jobs[job.ID] = *job
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (*transcript.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := job
	return &clone, nil
}

func (r *MemoryRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for key, artifact := range r.artifacts {
		if artifact.Expired(now) {
			delete(r.artifacts, key)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryRepository) PurgeAll(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := int64(len(r.artifacts))
	r.artifacts = make(map[string]transcript.Artifact)
	return removed, nil
}

func (r *MemoryRepository) CountArtifacts(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.artifacts)), nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close(context.Context) error { return nil }

var _ Repository = (*MemoryRepository)(nil)
