package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/octoflow/octoflow/internal/config"
	"github.com/octoflow/octoflow/internal/observability"
	"github.com/octoflow/octoflow/internal/scheduler"
	"github.com/octoflow/octoflow/internal/storage/postgres"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	loggerProvider, logger, err := observability.InitLogger(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	slog.SetDefault(logger)
	defer func() {
		if err := loggerProvider.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shut down logger provider: %v", err)
		}
	}()

	tracerProvider, err := observability.InitTracerProvider(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down tracer provider", "error", err)
		}
	}()

	meterProvider, err := observability.InitMeterProvider(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down meter provider", "error", err)
		}
	}()

	store, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	sched := scheduler.New(cfg, store, scheduler.LoggingExecutor{})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- sched.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal, stopping scheduler", "signal", sig.String())
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Scheduler shutdown returned error", "error", err)
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Scheduler failed", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Scheduler shut down gracefully")
}
