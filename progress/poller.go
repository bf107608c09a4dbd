package progress

import (
	"context"
	"time"

	"github.com/n0rdy/kbq/common"

	"github.com/rs/zerolog/log"
)

type StatusSource interface {
	GetStatus(queueId string, ctx context.Context) (*common.QueueStatus, error)
}

// StatusSink receives every snapshot the poller managed to fetch.
type StatusSink interface {
	ShowStatus(queue common.QueueHandle, status *common.QueueStatus)
}

// Poller refreshes the status card on its own schedule. It only reads, the scheduler never looks at what it fetched.
type Poller struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewPoller(source StatusSource, sink StatusSink, queue common.QueueHandle, intervalMs int64) *Poller {
	interval := time.Duration(intervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancelFunc := context.WithTimeout(context.Background(), interval)
				status, err := source.GetStatus(queue.QueueId, ctx)
				cancelFunc()
				if err != nil {
					log.Debug().Err(err).Str("queue_id", queue.QueueId).Msg("failed to poll queue status")
					continue
				}
				sink.ShowStatus(queue, status)
			case <-done:
				return
			}
		}
	}()

	return &Poller{
		ticker: ticker,
		done:   done,
	}
}

func (p *Poller) Close() error {
	p.ticker.Stop()
	close(p.done)
	return nil
}
