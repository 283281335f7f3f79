package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/backend"
	"tally/internal/cache"
	"tally/internal/cli"
	"tally/internal/config"
	"tally/internal/currency"
	apphttp "tally/internal/http"
	"tally/internal/log"
	"tally/internal/middleware/ratelimit"
	"tally/internal/services"
	"tally/internal/settle"
)

func main() {
	// Load .env file for local development; a missing file is fine.
	cfg := cli.MustLoadConfig(".env")
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	ctx, stop := cli.GracefulShutdown(context.Background(), logger)
	defer stop()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	res, err := cli.InitBackend(ctx, logger, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	defer cli.CloseBackend(logger, res)

	conv, err := newConverter(cfg)
	if err != nil {
		logger.Error("Failed to initialize exchange rates", log.FieldError, err)
		os.Exit(1)
	}

	currencies, err := cfg.CurrencySet()
	if err != nil {
		logger.Error("Invalid currency set", log.FieldError, err)
		os.Exit(1)
	}

	// Warm the rate cache without delaying startup.
	go func() {
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		defer warmCancel()
		if err := conv.Warm(warmCtx, currencies.Sorted()); err != nil {
			logger.Warn("Rate cache warm-up incomplete", log.FieldError, err)
		}
	}()

	caches := cache.NewManager(logger)
	if cfg.RatesRefreshInterval > 0 {
		caches.Register(conv)
		caches.Start(ctx, cfg.RatesRefreshInterval)
	}
	defer caches.Stop()

	svc := services.NewSettlementService(res.Ledger, settle.NewSimplifier(conv), res.Publisher, logger,
		services.WithCurrencies(currencies))

	srv, err := apphttp.NewServer(cfg.Addr(), svc, logger, apphttp.Options{
		RateLimit:      ratelimit.Config{RequestsPerWindow: cfg.RateLimit, Window: time.Minute},
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		logger.Error("Failed to build HTTP server", log.FieldError, err)
		os.Exit(1)
	}
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	// Graceful shutdown handling
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	}()

	logger.Info("Starting tally server",
		"port", cfg.Port,
		"backend", bcfg.Type,
		"events", res.Publisher != nil,
		"default_currency", cfg.Default())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
	}

	stop()
	<-stopped
	m := srv.RequestMetrics()
	logger.Info("Server stopped",
		"requests", m.TotalRequests,
		"server_errors", m.ServerErrors,
		"rate_limited", srv.RateLimitMetrics().TotalHits)
}

// newConverter uses the HTTP rate source when RATES_URL is set and the
// static table otherwise.
func newConverter(cfg *config.Config) (*currency.Converter, error) {
	var src currency.RateSource
	if cfg.RatesURL != "" {
		httpSrc, err := currency.NewHTTPSource(cfg.RatesURL, &http.Client{Timeout: cfg.RatesFetchTimeout})
		if err != nil {
			return nil, err
		}
		src = httpSrc
	} else {
		table, err := cfg.StaticRateTable()
		if err != nil {
			return nil, err
		}
		src = currency.StaticSource{Base: cfg.Default(), Rates: table}
	}

	return currency.NewConverter(src,
		currency.WithTTL(cfg.RatesTTL),
		currency.WithFetchTimeout(cfg.RatesFetchTimeout),
		currency.WithCache(cache.NewLRUCache[decimal.Decimal](cfg.RatesCacheSize)),
	), nil
}
