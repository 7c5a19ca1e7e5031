// Package main implements the entry point for unsflow, the unified
// namespace pipeline: it normalizes raw equipment observations into
// hierarchy-aware documents and fans them out over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/unsflow/component"
	"github.com/c360/unsflow/config"
	"github.com/c360/unsflow/metric"
	"github.com/c360/unsflow/natsclient"
	"github.com/c360/unsflow/pipeline"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "unsflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.MetricsAddr != "" {
		cfg.Metrics.Addr = cliCfg.MetricsAddr
	}
	slog.Info("Configuration loaded",
		"nats_url", cfg.Redacted().NATS.URL,
		"sources", len(cfg.Pipeline.Sources),
		"active_format", cfg.Pipeline.ActiveFormat)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	natsClient, metricsRegistry, err := setupInfrastructure(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
		slog.Info("Metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	deps := component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	}
	processor, err := pipeline.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if err := processor.Initialize(); err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	return runWithSignalHandling(ctx, processor, cliCfg.ShutdownTimeout)
}

// setupInfrastructure connects NATS and wires connection health into the
// metrics gauges.
func setupInfrastructure(ctx context.Context, cfg *config.Config) (*natsclient.Client, *metric.MetricsRegistry, error) {
	metricsRegistry := metric.NewMetricsRegistry()
	coreMetrics := metricsRegistry.CoreMetrics()

	opts := []natsclient.ClientOption{
		natsclient.WithClientName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithTimeout(cfg.NATS.Timeout.Std()),
		natsclient.WithReconnectCallback(func() {
			coreMetrics.NATSReconnects.Inc()
		}),
		natsclient.WithStatusCallback(func(status natsclient.ConnectionStatus) {
			if status == natsclient.StatusCircuitOpen {
				coreMetrics.NATSCircuitBreaker.Set(1)
			} else {
				coreMetrics.NATSCircuitBreaker.Set(0)
			}
		}),
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.CredsFile != "" {
		opts = append(opts, natsclient.WithCredsFile(cfg.NATS.CredsFile))
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}
	natsClient.OnHealthChange(func(healthy bool) {
		if healthy {
			coreMetrics.NATSConnected.Set(1)
		} else {
			coreMetrics.NATSConnected.Set(0)
		}
	})

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := natsClient.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	coreMetrics.NATSConnected.Set(1)

	return natsClient, metricsRegistry, nil
}

// runWithSignalHandling starts the pipeline and blocks until a shutdown
// signal arrives.
func runWithSignalHandling(ctx context.Context, processor *pipeline.Processor, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := processor.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	slog.Info("unsflow started", "version", Version)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := processor.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}

	stats := processor.Stats()
	slog.Info("Pipeline stopped",
		"messages_processed", stats.MessagesProcessed,
		"messages_dropped", stats.MessagesDropped,
		"transform_errors", stats.TransformErrors)
	return nil
}
