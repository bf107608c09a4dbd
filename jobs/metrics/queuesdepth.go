package metrics

import (
	"context"
	"time"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/metrics"

	"github.com/rs/zerolog/log"
)

type QueuesDepthMetricsJob struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewQueuesDepthMetricsJob(metricsService metrics.Service, repo *db.KbqRepo, intervalMs int64) *QueuesDepthMetricsJob {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancelFunc := context.WithTimeout(context.Background(), time.Duration(intervalMs)*time.Millisecond)
				depths, err := repo.SelectQueuesDepth(ctx)
				if err != nil {
					log.Error().Err(err).Msg("failed to fetch queues depth by QueuesDepthMetricsJob")
				} else {
					reported := map[string]bool{}
					for _, d := range depths {
						metricsService.SetQueueDepth(d.QueueType, int64(d.Pending), int64(d.Processing))
						reported[d.QueueType] = true
					}
					// a type without unfinished queues has no rows, its gauges must drop to zero
					for _, queueType := range []string{common.SitemapQueueType, common.PdfQueueType} {
						if !reported[queueType] {
							metricsService.SetQueueDepth(queueType, 0, 0)
						}
					}
				}
				cancelFunc()
			case <-done:
				return
			}
		}
	}()

	return &QueuesDepthMetricsJob{
		ticker: ticker,
		done:   done,
	}
}

func (j *QueuesDepthMetricsJob) Close() error {
	j.ticker.Stop()
	close(j.done)
	return nil
}
