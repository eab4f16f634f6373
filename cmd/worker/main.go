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

	"agent-queue/internal/client"
	"agent-queue/internal/config"
	"agent-queue/internal/telemetry"
	workerproc "agent-queue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Generate a worker ID from hostname when WORKER_ID is unset.
	if cfg.Worker.ID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.Worker.ID = hostname
		} else {
			cfg.Worker.ID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	queue := client.New(cfg.Worker.QueueURL,
		client.WithWorkerToken(cfg.Worker.Token),
		client.WithLogger(log))

	sink, err := workerproc.NewArtifactSink(ctx, cfg.Worker)
	if err != nil {
		log.Error("init artifact sink", "error", err)
		os.Exit(1)
	}

	processor := workerproc.NewProcessor(queue, sink, workerproc.OptionsFromConfig(cfg.Worker), log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	if err := processor.Run(ctx); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
