package log

import (
	"context"
	"log/slog"
	"net/http"
)

// ContextKey type for context keys
type ContextKey string

// LoggerContextKey is the context key for the request logger.
const LoggerContextKey ContextKey = "logger"

// NewContext returns a copy of ctx carrying logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// FromContext returns the logger stored in ctx, or one wrapping slog.Default
// with component "unknown".
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return &Logger{Logger: slog.Default(), component: "unknown"}
}

// FromContextOr returns the logger stored in ctx, or fallback when ctx has
// none.
func FromContextOr(ctx context.Context, fallback *Logger) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return fallback
}

// Middleware stores logger in every request context so handlers and the
// middleware after it can enrich it.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), logger)))
		})
	}
}

// StructuredLogger writes the recurring log records of the API and the
// settlement service with consistent field names.
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

// LogHTTPStart records an incoming request at Info.
func (sl *StructuredLogger) LogHTTPStart(ctx context.Context, r *http.Request, clientIP string) {
	f := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent"), r.Header.Get("Referer")).
		WithClientIP(clientIP)
	sl.logger.WithComponent(ComponentHTTP).InfoContext(ctx, "HTTP request started", f.ToSlice()...)
}

// LogHTTPEnd records a finished request: Info below 400, Warn for client
// errors, Error for server errors.
func (sl *StructuredLogger) LogHTTPEnd(ctx context.Context, r *http.Request, statusCode int, durationMs int64, clientIP string) {
	f := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "", "").
		WithHTTPResponse(statusCode, durationMs, statusCode < 400).
		WithClientIP(clientIP)
	sl.logger.WithComponent(ComponentHTTP).Log(ctx, statusLevel(statusCode), "HTTP request completed", f.ToSlice()...)
}

func statusLevel(code int) slog.Level {
	switch {
	case code >= 500:
		return slog.LevelError
	case code >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// LogLedgerChange records a committed ledger write.
func (sl *StructuredLogger) LogLedgerChange(ctx context.Context, operation string, householdID int64, entityKey, entityID string) {
	f := NewFields().
		WithOperation(operation).
		WithHousehold(householdID).
		With(entityKey, entityID)
	sl.logger.WithComponent(ComponentSettlement).InfoContext(ctx, "Ledger updated", f.ToSlice()...)
}

// LogDefect records an integrity violation: corrupted data or a bug, never a
// caller mistake.
func (sl *StructuredLogger) LogDefect(ctx context.Context, msg string, err error, fields LogFields) {
	f := orNew(fields).
		WithError(err).
		With(FieldDefect, true).
		With(FieldErrorKind, "integrity")
	sl.logger.ErrorContext(ctx, msg, f.ToSlice()...)
}

// LogError records an unclassified failure of operation in component.
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component string, operation string, fields LogFields) {
	f := orNew(fields).
		WithError(err).
		WithOperation(operation)
	sl.logger.WithComponent(component).ErrorContext(ctx, msg, f.ToSlice()...)
}

func orNew(f LogFields) LogFields {
	if f == nil {
		return NewFields()
	}
	return f
}
