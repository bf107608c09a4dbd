package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0rdy/kbq/api"
	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"
	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/jobs/cleanup"
	"github.com/n0rdy/kbq/jobs/maintenance"
	jobsmetrics "github.com/n0rdy/kbq/jobs/metrics"
	"github.com/n0rdy/kbq/metrics"
	"github.com/n0rdy/kbq/services"
	"github.com/n0rdy/kbq/utils"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func ServeCmd() *cobra.Command {
	var dbPath string
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfigs, err := loadConfigs()
			if err != nil {
				return err
			}
			if addr != "" {
				appConfigs.ServerConfig.Addr = addr
			}
			return serve(appConfigs, dbPath)
		},
	}

	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to the SQLite database file (default: per-OS data directory)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (default from KBQ_SERVER_ADDR or localhost:8080)")

	return serveCmd
}

func serve(appConfigs *configs.AppConfigs, dbPath string) error {
	dbPath, err := utils.ResolveDBPath(dbPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve database path")
		return err
	}

	repo, err := db.NewSQLiteRepo(dbPath, appConfigs)
	if err != nil {
		log.Error().Err(err).Msg("failed to create SQLite repository")
		return err
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		log.Error().Err(err).Msg("failed to migrate database")
		return err
	}

	metricsService := metrics.NewMetricsService(appConfigs.MetricsEnabled)
	router := NewServerRouter(repo, metricsService, appConfigs)

	staleItemsRecoveryJob := cleanup.NewStaleItemsRecoveryJob(repo, metricsService, appConfigs.JobsIntervals.StaleItemsRecoveryMs)
	defer staleItemsRecoveryJob.Close()
	expiredQueuesArchivalJob := cleanup.NewExpiredQueuesArchivalJob(repo, metricsService, appConfigs.JobsIntervals.ExpiredQueuesArchivalMs)
	defer expiredQueuesArchivalJob.Close()
	dbOptimizationJob := maintenance.NewDbOptimizationJob(repo, appConfigs.JobsIntervals.DbOptimizationMs, appConfigs.MaintenanceMaxDurationMs)
	defer dbOptimizationJob.Close()
	if appConfigs.MetricsEnabled {
		queuesDepthMetricsJob := jobsmetrics.NewQueuesDepthMetricsJob(metricsService, repo, appConfigs.JobsIntervals.QueuesDepthMetricsMs)
		defer queuesDepthMetricsJob.Close()
	}

	// HTTP/1.1 stays on for browsers and WordPress, unencrypted HTTP/2 for the CLI and local tooling
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	kbqServer := &http.Server{
		Addr:              appConfigs.ServerConfig.Addr,
		Handler:           http.TimeoutHandler(router.NewRouter(), appConfigs.ServerConfig.Timeouts.Handle, "timeout"),
		WriteTimeout:      appConfigs.ServerConfig.Timeouts.Write,
		ReadTimeout:       appConfigs.ServerConfig.Timeouts.Read,
		ReadHeaderTimeout: appConfigs.ServerConfig.Timeouts.ReadHeader,
		IdleTimeout:       appConfigs.ServerConfig.Timeouts.Idle,
		Protocols:         &protocols,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", kbqServer.Addr).Str("db", dbPath).Msg("kbq server starting")
		serverErrCh <- kbqServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serverErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			log.Info().Msg("server shutdown")
			return nil
		}
		log.Warn().Err(err).Msg("server failed")
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("server shutdown requested")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := kbqServer.Shutdown(ctx); err != nil {
		if err := kbqServer.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close server")
			return err
		}
	}
	log.Info().Msg("server shutdown")
	return nil
}

// NewServerRouter wires the services the API needs on top of the repository.
func NewServerRouter(repo *db.KbqRepo, metricsService metrics.Service, appConfigs *configs.AppConfigs) *api.Router {
	fetchClient := &http.Client{
		Timeout: time.Duration(appConfigs.PageFetchTimeoutMs) * time.Millisecond,
	}

	processors := map[string]services.ContentProcessor{
		common.SitemapQueueType: services.NewPageProcessor(fetchClient),
		common.PdfQueueType:     services.NewPdfPageProcessor(),
	}

	queuesService := services.NewQueuesService(repo, services.NewSitemapReader(fetchClient), metricsService, appConfigs)
	itemsService := services.NewItemsService(repo, processors, metricsService)
	monitoringService := services.NewMonitoringService(repo)

	return api.NewRouter(queuesService, itemsService, monitoringService, appConfigs.MetricsEnabled)
}
