package trace

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tally/internal/log"
)

func TestMiddleware_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generated", incoming: "", keep: false},
		{name: "propagated", incoming: "abc-123", keep: true},
		{name: "rejected", incoming: "bad id with spaces", keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			m := NewMiddleware(func(*http.Request) string { return "10.0.0.1" })
			h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
				w.WriteHeader(http.StatusTeapot)
			}))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(HeaderRequestID)
			if got == "" || got != seen {
				t.Fatalf("response id %q, context id %q", got, seen)
			}
			if tt.keep && got != tt.incoming {
				t.Errorf("request id = %q, want %q", got, tt.incoming)
			}
			if !tt.keep && !strings.HasPrefix(got, "req_") {
				t.Errorf("request id = %q, want generated", got)
			}
			if rec.Code != http.StatusTeapot {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_LogsWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Format: "json", Output: &buf})
	m := NewMiddleware(nil)
	h := log.Middleware(logger)(m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).InfoContext(r.Context(), "inside handler")
		w.WriteHeader(http.StatusInternalServerError)
	})))

	req := httptest.NewRequest(http.MethodPost, "/households/1/expenses", nil)
	req.Header.Set(HeaderRequestID, "trace-me")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected start, handler and end lines, got %d: %s", len(lines), buf.String())
	}
	for _, l := range lines {
		if !strings.Contains(l, `"request_id":"trace-me"`) {
			t.Errorf("line without request id: %s", l)
		}
	}
	if !strings.Contains(lines[2], `"level":"ERROR"`) || !strings.Contains(lines[2], `"status_code":500`) {
		t.Errorf("completion line should be an error with the status: %s", lines[2])
	}

	metrics := m.GetMetrics()
	if metrics.TotalRequests != 1 || metrics.ServerErrors != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}
