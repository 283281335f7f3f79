package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/middleware/ratelimit"
	"tally/internal/middleware/security"
	"tally/internal/middleware/trace"
	"tally/internal/services"
)

// Ledger is the part of the settlement service the API drives.
type Ledger interface {
	CreateExpense(ctx context.Context, in services.ExpenseInput) (core.Expense, error)
	DeleteExpense(ctx context.Context, id uuid.UUID) error
	Expense(ctx context.Context, id uuid.UUID) (core.Expense, error)
	Expenses(ctx context.Context, householdID int64, asOf time.Time) ([]core.Expense, error)

	RecordPayment(ctx context.Context, in services.PaymentInput) (core.Payment, error)
	ConfirmPayment(ctx context.Context, id uuid.UUID) (core.Payment, error)
	FailPayment(ctx context.Context, id uuid.UUID) (core.Payment, error)
	UndoPayment(ctx context.Context, id uuid.UUID, note string) (core.Payment, error)
	Payment(ctx context.Context, id uuid.UUID) (core.Payment, error)
	Payments(ctx context.Context, householdID int64, asOf time.Time) ([]core.Payment, error)

	Balances(ctx context.Context, householdID int64, asOf time.Time) (core.Balances, error)
	Settlement(ctx context.Context, householdID int64, asOf time.Time, target *core.Currency) (services.Settlement, error)
	ApplySimplification(ctx context.Context, householdID int64, txs []core.SettlementTransaction) ([]core.Payment, error)
	ApplyCurrentPlan(ctx context.Context, householdID int64) ([]core.Payment, error)
	Summary(ctx context.Context, householdID int64, asOf time.Time) (core.SpendingSummary, error)

	Ping(ctx context.Context) error
}

var _ Ledger = (*services.SettlementService)(nil)

// Options tunes the server. The zero value is usable.
type Options struct {
	RateLimit      ratelimit.Config
	TrustedProxies []string
	MaxBodyBytes   int64
	ReadyTimeout   time.Duration
}

type Server struct {
	http.Server
	svc          Ledger
	logger       *log.Logger
	limiter      *ratelimit.Limiter
	tracer       *trace.Middleware
	clientIP     *security.ClientIPResolver
	maxBodyBytes int64
	readyTimeout time.Duration
	shutdownOnce sync.Once
}

// NewServer builds the JSON API. Shutdown must be called to stop the rate
// limiter.
func NewServer(addr string, svc Ledger, logger *log.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	resolver, err := security.NewClientIPResolver(opts.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Second
	}

	s := &Server{
		svc:          svc,
		logger:       logger,
		limiter:      ratelimit.NewLimiter(opts.RateLimit),
		clientIP:     resolver,
		maxBodyBytes: opts.MaxBodyBytes,
		readyTimeout: opts.ReadyTimeout,
	}
	s.tracer = trace.NewMiddleware(resolver.ClientIP)
	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(log.Middleware(s.logger))
	r.Use(s.tracer.Middleware)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError("no such route").Write(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		MethodNotAllowedError().Write(w)
	})

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)

	limited := s.limiter.Middleware(s.clientIP.ClientIP, s.onRateLimited)

	r.Route("/households/{household}", func(r chi.Router) {
		r.Get("/expenses", s.handleListExpenses)
		r.Get("/payments", s.handleListPayments)
		r.Get("/balances", s.handleBalances)
		r.Get("/settlement", s.handleSettlement)
		r.Get("/summary", s.handleSummary)

		r.Group(func(r chi.Router) {
			r.Use(limited)
			r.Post("/expenses", s.handleCreateExpense)
			r.Delete("/expenses/{expense}", s.handleDeleteExpense)
			r.Post("/payments", s.handleRecordPayment)
			r.Post("/settlement/apply", s.handleApplySettlement)
		})
	})

	r.Route("/payments/{payment}", func(r chi.Router) {
		r.Get("/", s.handleGetPayment)
		r.Group(func(r chi.Router) {
			r.Use(limited)
			r.Post("/confirm", s.handleConfirmPayment)
			r.Post("/fail", s.handleFailPayment)
			r.Post("/undo", s.handleUndoPayment)
		})
	})

	return r
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.clientIP.ClientIP(r),
		log.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, please try again later").Write(w)
}

// RateLimitMetrics exposes the limiter counters.
func (s *Server) RateLimitMetrics() ratelimit.Metrics {
	return s.limiter.GetMetrics()
}

// RequestMetrics exposes the trace counters.
func (s *Server) RequestMetrics() trace.Metrics {
	return s.tracer.GetMetrics()
}

// Shutdown stops the rate limiter and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
	})
	return s.Server.Shutdown(ctx)
}
