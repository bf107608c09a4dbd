package maintenance

import (
	"context"
	"time"

	"github.com/n0rdy/kbq/db"

	"github.com/rs/zerolog/log"
)

// DbOptimizationJob runs PRAGMA optimize periodically, as the claim and status queries depend on fresh index statistics.
type DbOptimizationJob struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewDbOptimizationJob(repo *db.KbqRepo, intervalMs int64, maxDurationMs int64) *DbOptimizationJob {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				start := time.Now()
				ctx, cancelFunc := context.WithTimeout(context.Background(), time.Duration(maxDurationMs)*time.Millisecond)
				repo.Optimize(ctx)
				cancelFunc()
				log.Debug().Dur("took", time.Since(start)).Msg("database optimized")
			case <-done:
				return
			}
		}
	}()

	return &DbOptimizationJob{
		ticker: ticker,
		done:   done,
	}
}

func (j *DbOptimizationJob) Close() error {
	j.ticker.Stop()
	close(j.done)
	return nil
}
