package cleanup

import (
	"context"
	"time"

	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/metrics"

	"github.com/rs/zerolog/log"
)

// StaleItemsRecoveryJob releases items that stayed claimed for too long, e.g. because the scheduler that claimed them was aborted
// or its tab was closed. They go back to pending, or to failed if they used up their attempts.
type StaleItemsRecoveryJob struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewStaleItemsRecoveryJob(repo *db.KbqRepo, metricsService metrics.Service, intervalMs int64) *StaleItemsRecoveryJob {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancelFunc := context.WithTimeout(context.Background(), jobTimeout(intervalMs))
				recovered, err := repo.RecoverStaleItems(ctx)
				if err != nil {
					log.Error().Err(err).Msg("failed to recover stale items")
				} else if recovered > 0 {
					metricsService.IncItemsStaleRecoveredTotalBy(recovered)
					log.Info().Int64("items", recovered).Msg("stale items recovered")
				}
				cancelFunc()
			case <-done:
				return
			}
		}
	}()

	return &StaleItemsRecoveryJob{
		ticker: ticker,
		done:   done,
	}
}

func (j *StaleItemsRecoveryJob) Close() error {
	j.ticker.Stop()
	close(j.done)
	return nil
}

// jobTimeout leaves a second of the interval for the next tick, but never less than a second.
func jobTimeout(intervalMs int64) time.Duration {
	timeoutMs := intervalMs - 1000
	if timeoutMs < 1000 {
		timeoutMs = 1000
	}
	return time.Duration(timeoutMs) * time.Millisecond
}
