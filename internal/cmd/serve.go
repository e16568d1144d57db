package cmd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/appid"
	"github.com/brokerguard/brokerguard/internal/config"
	errwrap "github.com/brokerguard/brokerguard/internal/errors"
	"github.com/brokerguard/brokerguard/internal/keeper"
	"github.com/brokerguard/brokerguard/internal/metrics"
	"github.com/brokerguard/brokerguard/internal/observability"
	"github.com/brokerguard/brokerguard/internal/server"
	"github.com/brokerguard/brokerguard/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

const uptimeInterval = 15 * time.Second

// telemetryHealthChecker ensures the telemetry system and exporter are up.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker client with the admin HTTP server",
	Long: `Run the broker client as a long-lived process and expose its state over HTTP.

Endpoints:
  /health, /health/live, /health/ready, /health/startup
  /status          session, statistics, rate limits and pacing
  /status/alerts   alert history
  /version, /metrics
  /admin/signal    when BROKERGUARD_ADMIN_TOKEN is set

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read config and clear a latched login failure`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serverHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	namespace := appid.TelemetryNamespace
	observability.InitServerLogger(appid.BinaryName, level, cfg.Logging.Profile, namespace)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(appid.BinaryName, cfg.Metrics.Port, namespace); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
		}
	}
	startedAt := time.Now()
	metrics.SetServerStartTime(startedAt.Unix())

	logger.Info("Initializing server",
		zap.String("service", appid.BinaryName),
		zap.String("version", versionInfo.Version),
		zap.String("broker", cfg.Broker.Mode),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Int("metrics_port", observability.GetMetricsPort()))

	ctx := context.WithoutCancel(cmd.Context())
	k, stopKeeper, err := startKeeper(ctx, keeper.Options{Logger: logger})
	if err != nil {
		return err
	}
	var stopOnce sync.Once
	stopClient := func() { stopOnce.Do(stopKeeper) }
	defer stopClient()

	registerHealthChecks(cfg, k)
	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.SetBrokerMode(cfg.Broker.Mode)

	srv := server.New(cfg.Server, server.Options{
		Status: k,
		Trace:  traceFile != "" || cfg.Tracing.Enabled,
		Pprof:  cfg.Debug.Enabled && cfg.Debug.PprofEnabled,
	})

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Shutdown handlers run LIFO: HTTP server, then client, then logger.
	flushed := make(chan struct{})
	signals.OnShutdown(func(context.Context) error {
		defer close(flushed)
		if err := logger.Sync(); err != nil {
			logger.Debug("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})
	signals.OnShutdown(func(context.Context) error {
		logger.Info("Stopping broker client...")
		stopClient()
		return nil
	})
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		return reloadConfig(ctx, k)
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	stopUptime := make(chan struct{})
	defer close(stopUptime)
	go trackUptime(startedAt, stopUptime)

	errChan := make(chan error, 2)
	go func() {
		errChan <- srv.Start()
	}()
	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		return errwrap.WrapInternal(ctx, err, "server error")
	}

	// Start returned after a graceful Shutdown; let the remaining handlers finish.
	select {
	case <-flushed:
	case <-time.After(shutdownTimeout + 5*time.Second):
		logger.Warn("Timed out waiting for shutdown handlers")
	}
	return nil
}

func registerHealthChecks(cfg *config.Config, k *keeper.Keeper) {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	for name, check := range k.HealthCheckers() {
		if name == "monitor" {
			hm.RegisterLivenessChecker(name, check)
			continue
		}
		hm.RegisterChecker(name, check)
	}
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
}

// reloadConfig re-reads and validates the config file. Running components
// keep their settings; the reload clears a latched login failure so the next
// call retries with fresh credentials.
func reloadConfig(ctx context.Context, k *keeper.Keeper) error {
	logger := observability.ServerLogger
	logger.Info("Received SIGHUP: reloading configuration")

	overrides, err := parseOverrides(setFlags)
	if err != nil {
		return err
	}
	cfg, err := config.Load(ctx, cfgFile, overrides)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		logger.Error("Config reload failed; keeping current configuration",
			zap.String("file", config.ConfigFileUsed()),
			zap.Error(err))
		return errwrap.FromDomain(ctx, err)
	}
	appConfig = cfg

	if status := k.Session().Status(); status.AuthFailure != "" {
		k.Session().ClearAuthFailure()
		logger.Info("Cleared latched login failure", zap.String("previous", status.AuthFailure))
	}
	logger.Info("Configuration reloaded; restart to apply limiter, pacer or session changes",
		zap.String("file", config.ConfigFileUsed()))
	return nil
}

func trackUptime(startedAt time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(uptimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			metrics.SetServerUptime(int64(time.Since(startedAt).Seconds()))
		}
	}
}

var errServeFlags = errors.New("--port must be between 0 and 65535")

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (default server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (default server.port)")
	serveCmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("port") && (serverPort < 0 || serverPort > 65535) {
			return errServeFlags
		}
		return nil
	}
}
