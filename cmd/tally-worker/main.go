package main

import (
	"context"
	"errors"
	"os"
	"time"

	"tally/internal/amqp"
	"tally/internal/backend"
	"tally/internal/balance"
	"tally/internal/cli"
	"tally/internal/log"
	"tally/internal/worker"
)

func main() {
	// Load .env file for local development; a missing file is fine.
	cfg := cli.MustLoadConfig(".env")
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting tally-worker")

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}

	ctx, stop := cli.GracefulShutdown(context.Background(), logger)
	defer stop()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	// The worker consumes events; it never publishes them.
	bcfg.AMQPURL = ""

	res, err := cli.InitBackend(ctx, logger, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	defer cli.CloseBackend(logger, res)

	exporter, err := backend.NewFactory(logger).CreateExporter(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize balance exporter", log.FieldError, err)
		os.Exit(1)
	}
	if exporter == nil {
		logger.Info("Balance export disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	w := worker.NewEventWorker(res.Ledger, balance.NewAggregator(res.Ledger), exporter, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := amqpClient.ConsumeEvents(ctx, w.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Event consumption failed", log.FieldError, err)
		}
		stop()
	}()

	<-ctx.Done()
	select {
	case <-done:
		logger.Info("Worker shutdown complete")
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("Shutdown timeout reached")
	}
}
