package cleanup

import (
	"context"
	"time"

	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/metrics"

	"github.com/rs/zerolog/log"
)

// ExpiredQueuesArchivalJob archives completed queues nobody dismissed, so that the page-load detection stops reporting them.
type ExpiredQueuesArchivalJob struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewExpiredQueuesArchivalJob(repo *db.KbqRepo, metricsService metrics.Service, intervalMs int64) *ExpiredQueuesArchivalJob {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancelFunc := context.WithTimeout(context.Background(), jobTimeout(intervalMs))
				archived, err := repo.ArchiveExpiredQueues(ctx)
				if err != nil {
					log.Error().Err(err).Msg("failed to archive expired queues")
				} else if archived > 0 {
					metricsService.IncQueuesArchivedTotalBy(archived)
					log.Info().Int64("queues", archived).Msg("expired queues archived")
				}
				cancelFunc()
			case <-done:
				return
			}
		}
	}()

	return &ExpiredQueuesArchivalJob{
		ticker: ticker,
		done:   done,
	}
}

func (j *ExpiredQueuesArchivalJob) Close() error {
	j.ticker.Stop()
	close(j.done)
	return nil
}
