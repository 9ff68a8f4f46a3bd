package store

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {}

func TestRetentionSweeperPurgesOnTick(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	stale, fp := storedArtifact(t, time.Now().Add(-time.Minute))
	if err := repo.PutArtifact(ctx, stale); err != nil {
		t.Fatal(err)
	}

	ticker := &fakeTicker{ch: make(chan time.Time)}
	stop := startRetentionSweeperWithTicker(ctx, slog.Default(), repo, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	t.Cleanup(stop)

	ticker.ch <- time.Now()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, _ := repo.GetArtifact(ctx, fp); got == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not purge the expired artifact")
}

func TestRetentionSweeperStopIsIdempotent(t *testing.T) {
	stop := StartRetentionSweeper(context.Background(), slog.Default(), NewMemoryRepository(), time.Hour)
	stop()
	stop()
}

func TestRetentionSweeperDisabledWithoutInterval(t *testing.T) {
	stop := StartRetentionSweeper(context.Background(), slog.Default(), NewMemoryRepository(), 0)
	stop()
}
