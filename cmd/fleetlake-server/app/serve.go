package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"

	"github.com/fleetlake/fleetlake/internal/api"
	"github.com/fleetlake/fleetlake/internal/config"
	"github.com/fleetlake/fleetlake/internal/connector"
	"github.com/fleetlake/fleetlake/internal/readers"
	"github.com/fleetlake/fleetlake/internal/store"
	enginesync "github.com/fleetlake/fleetlake/internal/sync"
	"github.com/fleetlake/fleetlake/internal/sync/state"
	"github.com/fleetlake/fleetlake/internal/sync/writer"
	"github.com/fleetlake/fleetlake/internal/telemetry"
	"github.com/fleetlake/fleetlake/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the data lake server",
	Long: `Start the data lake server: the sync scheduler mirrors provider data
into PostgreSQL on its configured cadences while the REST API serves the
mirror and exposes sync controls.

The server requires a configuration file (--config) that specifies:
- The provider connection (OAuth2 credentials, subscription key, customer number)
- The database the mirror is written to
- Sync cadences, retrieval windows and error handling

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 35 * time.Second // must exceed serverRequestTimeout so the middleware answers first
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Provider == nil {
		return fmt.Errorf("provider configuration is required")
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"organization", cfg.GetOrganizationID(),
		"connection", cfg.GetConnectionID())

	if cfg.Server.Address != "" {
		address = cfg.Server.Address
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	metricsEnabled := config.BoolOr(cfg.Server.EnableMetrics, true)
	telemetryProvider, err := telemetry.NewProvider(
		"fleetlake-server", versions.GetVersionInfo().Version, metricsEnabled)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	var meterProvider metric.MeterProvider
	if telemetryProvider != nil {
		meterProvider = telemetryProvider.MeterProvider
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	conn, err := connector.NewDKV(cfg.Provider, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create provider connector: %w", err)
	}

	scheduler := enginesync.New(cfg,
		conn,
		writer.NewDBWriter(pool),
		state.NewDBStateService(pool),
		enginesync.WithMetrics(syncMetrics),
	)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()
	go func() {
		if err := scheduler.Start(schedulerCtx); err != nil {
			slog.Error("Sync scheduler failed", "error", err)
		}
	}()

	freshnessThreshold := config.DurationOr(cfg.Sync.FreshnessThreshold, config.DefaultFreshnessThreshold)
	routes := api.NewRoutes(
		cfg.GetOrganizationID(),
		scheduler,
		readers.NewTransactionsReader(pool),
		readers.NewCardsReader(pool),
		readers.NewVehiclesReader(pool),
		readers.NewFreshnessReader(pool, freshnessThreshold),
	)

	serverOpts := []api.ServerOption{api.WithRequestTimeout(serverRequestTimeout)}
	if telemetryProvider != nil {
		serverOpts = append(serverOpts, api.WithMetricsRegistry(telemetryProvider.Registry))
	}
	router := api.NewServer(routes, serverOpts...)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	if err := scheduler.Stop(); err != nil && !errors.Is(err, enginesync.ErrNotRunning) {
		slog.Error("Failed to stop sync scheduler", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}
