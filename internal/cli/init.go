// Package cli provides common CLI initialization utilities shared by
// cmd/tally and cmd/tally-worker.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tally/internal/backend"
	"tally/internal/config"
	"tally/internal/log"
)

// LoadConfig loads .env files and the environment, then validates the result.
func LoadConfig(dotenvFiles ...string) (*config.Config, error) {
	cfg, err := config.Load(dotenvFiles...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadConfig is LoadConfig for main packages: it exits the process on
// failure, logging through the default logger.
func MustLoadConfig(dotenvFiles ...string) *config.Config {
	cfg, err := LoadConfig(dotenvFiles...)
	if err != nil {
		log.FromContext(context.Background()).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// SetupLogger builds the configured logger for component and installs it as the
// default logger.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	lc := cfg.LogConfig()
	if component != "" {
		lc.Component = component
	}
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// InitBackend opens the ledger backend described by bcfg.
func InitBackend(ctx context.Context, logger *log.Logger, bcfg backend.Config) (*backend.BackendResult, error) {
	if err := bcfg.Validate(); err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, fmt.Errorf("initialize %s backend: %w", bcfg.Type, err)
	}
	return res, nil
}

// CloseBackend runs the backend cleanup and logs its error.
func CloseBackend(logger *log.Logger, res *backend.BackendResult) {
	if res == nil || res.Cleanup == nil {
		return
	}
	if err := res.Cleanup(); err != nil {
		logger.Error("Backend cleanup failed", log.FieldError, err)
	}
}

// GracefulShutdown returns a context cancelled on SIGINT, SIGTERM or when
// parent ends. The stop function releases the signal handler.
func GracefulShutdown(parent context.Context, logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
		}
		cancel()
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
