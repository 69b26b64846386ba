package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/release-edge/server"
	"github.com/wolfeidau/release-edge/telemetry"
)

type ServeCmd struct {
	Address     string `help:"Address to listen on (overrides server.address)."`
	Environment string `help:"Deployment environment (dev, staging, prod, e2e-tests)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	extra := map[string]any{}
	if c.Address != "" {
		extra["server.address"] = c.Address
	}
	if c.Environment != "" {
		extra["environment"] = c.Environment
	}

	cfg, err := loadConfig(context.Background(), g, extra)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Prometheus || cfg.Metrics.OTLPEndpoint != "" {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "release-edge",
			ServiceVersion:   version,
			OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
			EnablePrometheus: cfg.Metrics.Prometheus,
			FlushInterval:    cfg.Metrics.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(flushCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	srv, err := server.New(ctx, cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"bucket", cfg.Storage.Bucket,
		"origin", cfg.Origin.Host,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		return err
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		return err
	}
	return nil
}
