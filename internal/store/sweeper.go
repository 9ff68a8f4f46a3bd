package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }

func (t timeTicker) Stop() { t.ticker.Stop() }

type tickerFactory func(time.Duration) sweepTicker

// StartRetentionSweeper periodically removes artifacts past their expiry.
// The returned function stops the sweeper and waits for the current pass to
// finish; it is safe to call more than once.
func StartRetentionSweeper(ctx context.Context, logger *slog.Logger, repo Repository, interval time.Duration) func() {
	return startRetentionSweeperWithTicker(ctx, logger, repo, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRetentionSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	repo Repository,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if repo == nil || interval <= 0 {
		return func() {}
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C():
				removed, err := repo.PurgeExpired(sweepCtx, time.Now())
				if err != nil {
					if logger != nil {
						logger.Error("failed to purge expired artifacts", "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("purged expired artifacts", "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
