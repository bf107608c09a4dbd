package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/n0rdy/kbq/client"
	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"
	"github.com/n0rdy/kbq/metrics"
	"github.com/n0rdy/kbq/progress"
	"github.com/n0rdy/kbq/scheduler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func RunCmd() *cobra.Command {
	var queueId string
	var queueType string
	var batchSize int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drive an existing queue until the server reports it complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsSupportedQueueType(queueType) {
				return fmt.Errorf("unsupported queue type %q, expected %s or %s", queueType, common.SitemapQueueType, common.PdfQueueType)
			}

			d, err := newDriver(batchSize)
			if err != nil {
				return err
			}
			return d.drive(func(ctx context.Context) ([]*scheduler.Session, error) {
				handle := common.QueueHandle{QueueId: queueId, QueueType: queueType}
				return []*scheduler.Session{d.scheduler.Start(handle, ctx)}, nil
			})
		},
	}

	runCmd.Flags().StringVar(&queueId, "queue-id", "", "ID of the queue to drive")
	runCmd.Flags().StringVar(&queueType, "queue-type", common.SitemapQueueType, "Type of the queue: sitemap or pdf")
	runCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Concurrent requests per batch (default from KBQ_SCHEDULER_BATCH_SIZE or 5)")
	runCmd.MarkFlagRequired("queue-id")

	return runCmd
}

func ResumeCmd() *cobra.Command {
	var batchSize int

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume every queue the server still reports as processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDriver(batchSize)
			if err != nil {
				return err
			}
			return d.drive(func(ctx context.Context) ([]*scheduler.Session, error) {
				return d.scheduler.ResumeActive(d.client, ctx)
			})
		},
	}

	resumeCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Concurrent requests per batch (default from KBQ_SCHEDULER_BATCH_SIZE or 5)")

	return resumeCmd
}

// driver is the CLI rendition of the admin page: one scheduler, a status card per queue and the stop button on Ctrl+C.
type driver struct {
	appConfigs *configs.AppConfigs
	client     *client.Client
	presenter  *progress.Presenter
	scheduler  *scheduler.Scheduler
}

func newDriver(batchSize int) (*driver, error) {
	appConfigs, err := loadConfigs()
	if err != nil {
		return nil, err
	}
	if batchSize > 0 {
		appConfigs.SchedulerConfig.BatchSize = batchSize
	}

	kbqClient := client.NewClient(appConfigs.ClientConfig)
	presenter := progress.NewPresenter(os.Stdout, verbose)

	return &driver{
		appConfigs: appConfigs,
		client:     kbqClient,
		presenter:  presenter,
		// the CLI exposes no metrics endpoint
		scheduler: scheduler.NewScheduler(kbqClient, presenter, metrics.NewMetricsService(false), appConfigs.SchedulerConfig),
	}, nil
}

// drive waits for every started session to terminate. The first interrupt aborts the sessions cooperatively,
// the second one cancels the requests in flight as well.
func (d *driver) drive(start func(ctx context.Context) ([]*scheduler.Session, error)) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions, err := start(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("nothing to process")
		return nil
	}

	for _, sess := range sessions {
		poller := progress.NewPoller(d.client, d.presenter, sess.Handle(), d.appConfigs.ProgressPollIntervalMs)
		defer poller.Close()
	}

	allDone := make(chan struct{})
	go func() {
		defer close(allDone)
		for _, sess := range sessions {
			<-sess.Done()
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupts := 0
	for {
		select {
		case <-allDone:
			return d.summarize(sessions)
		case <-sigCh:
			interrupts++
			if interrupts == 1 {
				log.Info().Msg("stopping after the items in flight, press Ctrl+C again to cancel them")
				for _, sess := range sessions {
					sess.Abort()
				}
				continue
			}
			log.Warn().Msg("cancelling the items in flight")
			cancel()
		}
	}
}

func (d *driver) summarize(sessions []*scheduler.Session) error {
	var aborted int
	for _, sess := range sessions {
		if sess.Wait().Reason == scheduler.AbortedReason {
			aborted++
		}
	}
	if aborted > 0 {
		return errors.New("processing was stopped before the queue completed")
	}
	return nil
}
