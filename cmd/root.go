package cmd

import (
	"os"
	"time"

	"github.com/n0rdy/kbq/configs"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "kbq",
	Short: "Knowledge base ingestion queue: server and batch scheduler",
	Long: `kbq ingests sitemap pages and PDF pages into a chatbot knowledge base.

The server holds the queues and processes items, the client side drives a queue
in small concurrent batches until the server confirms that nothing is left.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func Execute() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Base URL of the kbq server (default from KBQ_CLIENT_BASE_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(RunCmd())
	rootCmd.AddCommand(ResumeCmd())
	rootCmd.AddCommand(ImportCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(ArchiveCmd())
	rootCmd.AddCommand(RetryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfigs reads the environment and applies the global flags on top.
func loadConfigs() (*configs.AppConfigs, error) {
	appConfigs, err := configs.Load()
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		appConfigs.ClientConfig.BaseURL = serverURL
	}
	return appConfigs, nil
}
