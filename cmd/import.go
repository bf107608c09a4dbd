package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/scheduler"

	"github.com/spf13/cobra"
)

// pdftotext separates pages with a form feed
const pageSeparator = "\f"

func ImportCmd() *cobra.Command {
	var botId string
	var batchSize int
	var noRun bool

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Create a queue and drive it to completion",
	}

	sitemapCmd := &cobra.Command{
		Use:   "sitemap <sitemap-url>",
		Short: "Import every page listed in a sitemap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDriver(batchSize)
			if err != nil {
				return err
			}

			created, err := d.client.CreateSitemapQueue(args[0], botId, cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to create sitemap queue: %w", err)
			}
			return startImported(d, created, noRun)
		},
	}

	pdfCmd := &cobra.Command{
		Use:   "pdf <pages.txt>",
		Short: "Import PDF pages from a text file, one page per form feed separated block (pdftotext output)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			d, err := newDriver(batchSize)
			if err != nil {
				return err
			}

			created, err := d.client.CreatePdfQueue(common.NewPdfQueueRequest{
				BotId:    botId,
				FileName: strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])),
				Pages:    strings.Split(string(content), pageSeparator),
			}, cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to create PDF queue: %w", err)
			}
			return startImported(d, created, noRun)
		},
	}

	importCmd.PersistentFlags().StringVar(&botId, "bot-id", "", "Chatbot the knowledge entries belong to")
	importCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0, "Concurrent requests per batch (default from KBQ_SCHEDULER_BATCH_SIZE or 5)")
	importCmd.PersistentFlags().BoolVar(&noRun, "no-run", false, "Only create the queue, drive it later with 'kbq run' or 'kbq resume'")

	importCmd.AddCommand(sitemapCmd)
	importCmd.AddCommand(pdfCmd)

	return importCmd
}

func startImported(d *driver, created *common.NewQueueResponse, noRun bool) error {
	fmt.Printf("queue %s created with %d %s items\n", created.QueueId, created.Total, created.QueueType)
	if noRun {
		return nil
	}

	return d.drive(func(ctx context.Context) ([]*scheduler.Session, error) {
		handle := common.QueueHandle{QueueId: created.QueueId, QueueType: created.QueueType}
		return []*scheduler.Session{d.scheduler.Start(handle, ctx)}, nil
	})
}
