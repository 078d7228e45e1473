// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the mTunnel TLS tunnel daemon.
package main

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

	"github.com/absmach/mtunnel/pkg/config"
	"github.com/absmach/mtunnel/pkg/health"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const runtimeSampleInterval = 15 * time.Second

func main() {
	proc, err := config.LoadProcess(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse process settings: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(proc.LogLevel, proc.LogFormat)

	if err := run(proc, os.Args[1:], logger); err != nil {
		logger.Error("mTunnel stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(proc config.Process, args []string, logger *slog.Logger) error {
	path := configPath(proc, args)
	file, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	logger.Info("loaded configuration",
		slog.String("path", path),
		slog.Int("tunnels", len(file.Tunnels)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("mtunnel", reg)

	srv, err := server.New(server.Config{
		ShutdownTimeout: proc.ShutdownTimeout,
		Logger:          logger,
		Metrics:         m,
	}, file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	g.Go(func() error {
		m.SampleRuntime(ctx, runtimeSampleInterval)
		return nil
	})

	if proc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", proc.MetricsAddr, mux, logger)
		})
	}

	if proc.HealthAddr != "" {
		checker := health.NewChecker(5 * time.Second)
		checker.RegisterCritical("listeners", health.ListenersCheck(srv.Counts))
		checker.Register("tunnels", health.TunnelsCheck(srv.Counts))
		g.Go(func() error {
			return serveHTTP(ctx, "health", proc.HealthAddr, checker.Mux(), logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("graceful shutdown completed")
	return nil
}

// configPath returns the tunnel file path. A positional argument takes
// precedence over the environment.
func configPath(proc config.Process, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if proc.ConfigFile != "" {
		return proc.ConfigFile
	}
	return config.DefaultFile
}

// serveHTTP runs an auxiliary HTTP server until ctx is done.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
