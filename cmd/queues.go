package cmd

import (
	"fmt"
	"os"

	"github.com/n0rdy/kbq/client"
	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/progress"

	"github.com/spf13/cobra"
)

func StatusCmd() *cobra.Command {
	var queueType string

	return withQueueType(&cobra.Command{
		Use:   "status <queue-id>",
		Short: "Show the status card of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kbqClient, err := newClient()
			if err != nil {
				return err
			}

			status, err := kbqClient.GetStatus(args[0], cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get queue status: %w", err)
			}

			presenter := progress.NewPresenter(os.Stdout, verbose)
			presenter.ShowStatus(common.QueueHandle{QueueId: args[0], QueueType: queueType}, status)
			presenter.Flush()
			for _, fi := range status.FailedItems {
				fmt.Printf("    ! %s: %s (attempts: %d)\n", fi.ItemData, fi.ErrorMessage, fi.Attempts)
			}
			return nil
		},
	}, &queueType)
}

func ArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <queue-id>",
		Short: "Archive a queue, it is no longer reported as active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kbqClient, err := newClient()
			if err != nil {
				return err
			}

			if err := kbqClient.ArchiveQueue(args[0], cmd.Context()); err != nil {
				return fmt.Errorf("failed to archive queue: %w", err)
			}
			fmt.Printf("queue %s archived\n", args[0])
			return nil
		},
	}
}

func RetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <queue-id>",
		Short: "Reset the failed items of a queue to pending, then drive it with 'kbq run'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kbqClient, err := newClient()
			if err != nil {
				return err
			}

			resp, err := kbqClient.RetryFailed(args[0], cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to retry failed items: %w", err)
			}
			fmt.Printf("%d failed items of queue %s are pending again\n", resp.Retried, args[0])
			return nil
		},
	}
}

func withQueueType(cmd *cobra.Command, queueType *string) *cobra.Command {
	cmd.Flags().StringVar(queueType, "queue-type", common.SitemapQueueType, "Type of the queue: sitemap or pdf")
	return cmd
}

func newClient() (*client.Client, error) {
	appConfigs, err := loadConfigs()
	if err != nil {
		return nil, err
	}
	return client.NewClient(appConfigs.ClientConfig), nil
}
