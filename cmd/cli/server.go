// Package cli provides the command-line interface for scanwatch.
// This file implements the server command.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/scanwatch/internal/api"
	"github.com/anstrom/scanwatch/internal/api/handlers"
	"github.com/anstrom/scanwatch/internal/config"
	"github.com/anstrom/scanwatch/internal/db"
	"github.com/anstrom/scanwatch/internal/export"
	"github.com/anstrom/scanwatch/internal/hub"
	"github.com/anstrom/scanwatch/internal/jobs"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
	"github.com/anstrom/scanwatch/internal/scanning"
	"github.com/anstrom/scanwatch/internal/store"
)

// Timeout constants.
const (
	databaseTimeout       = 10 * time.Second
	shutdownGrace         = 5 * time.Second
	systemMetricsInterval = 15 * time.Second
)

// Server command flags.
var (
	serverHost string
	serverPort int
)

// serverCmd runs the scan service in the foreground until interrupted.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the scan service",
	Long: `Run the scanwatch service: the job manager, the event hub and the
HTTP API with its websocket event stream.

The server stops on SIGINT or SIGTERM. Queued and running jobs are
cancelled during shutdown and their subscribers receive the terminal event.`,
	Example: `  scanwatch server
  scanwatch server --config /etc/scanwatch/config.yaml
  scanwatch server --host 0.0.0.0 --port 9090`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serverHost != "" {
			cfg.API.Host = serverHost
		}
		if serverPort > 0 {
			cfg.API.Port = serverPort
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logging.Default())
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverHost, "host", "", "API listen address (overrides config)")
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "API listen port (overrides config)")
}

// runServer wires the service together and blocks until ctx is done or a
// component fails.
func runServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Starting scanwatch server",
		"version", version,
		"commit", commit,
		"build_time", buildTime,
		"address", cfg.GetAPIAddress(),
		"store", cfg.Store.Driver)

	jobStore, pinger, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := jobStore.Close(); closeErr != nil {
			logger.Error("Failed to close job store", "error", closeErr)
		}
	}()

	prom := metrics.NewPrometheusMetrics()
	eventHub := hub.New(cfg.Hub, hub.WithLogger(logger), hub.WithMetrics(prom))

	limiter := scanning.NewFixedProcessLimiter(cfg.Scanning.MaxProcesses)
	defer func() { _ = limiter.Close() }()
	scanner := scanning.NewNmapScanner(scanning.NmapConfig{
		BinaryPath:        cfg.Scanning.NmapPath,
		SkipHostDiscovery: cfg.Scanning.SkipHostDiscovery,
	}, limiter, nil, logger)

	manager := jobs.NewManager(cfg.Jobs, jobStore, scanner, eventHub,
		jobs.WithLogger(logger), jobs.WithMetrics(prom))
	if err := manager.Start(ctx); err != nil {
		eventHub.Close()
		return fmt.Errorf("failed to start job manager: %w", err)
	}

	server := api.New(cfg, api.Dependencies{
		Jobs:     manager,
		Exporter: export.NewService(manager.Query, nil, logger, prom),
		Hub:      eventHub,
		Store:    pinger,
	}, logger, prom)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		prom.StartPeriodicUpdates(gctx, systemMetricsInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout+shutdownGrace)
		defer cancel()
		err := manager.Shutdown(shutdownCtx)
		eventHub.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// openStore builds the configured job store. The returned pinger is nil for
// the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, handlers.Pinger, error) {
	if !cfg.IsPostgres() {
		return store.NewMemoryStore(), nil, nil
	}

	logger.Info("Connecting to database...")
	dbCtx, cancel := context.WithTimeout(ctx, databaseTimeout)
	defer cancel()

	database, err := db.Connect(dbCtx, &cfg.Store.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if cfg.Store.AutoMigrate {
		applied, err := db.NewMigrator(database.DB).Up(dbCtx)
		if err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("Applied migrations", "migrations", applied)
		}
	}
	return db.NewJobStore(database), database, nil
}
