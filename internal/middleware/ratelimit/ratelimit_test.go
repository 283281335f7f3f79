package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, limit int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	rl := NewLimiter(Config{RequestsPerWindow: limit, Window: time.Minute, Now: clock.Now})
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestLimiter_Allow(t *testing.T) {
	rl, clock := newLimiter(t, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("fourth request should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other clients have their own budget")
	}

	clock.Advance(30 * time.Second)
	if rl.Allow("10.0.0.1") {
		t.Fatal("window has not elapsed yet")
	}
	if got := rl.RetryAfter("10.0.0.1"); got != 30*time.Second {
		t.Errorf("RetryAfter() = %v, want 30s", got)
	}

	clock.Advance(30 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("new window should reset the budget")
	}

	m := rl.GetMetrics()
	if m.TotalHits != 2 || m.ClientCount != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	rl, clock := newLimiter(t, 1)
	rl.Allow("a")
	clock.Advance(5 * time.Minute)
	rl.Allow("b")

	clock.Advance(6 * time.Minute)
	rl.cleanupStaleEntries()

	if got := rl.ActiveClients(); got != 1 {
		t.Errorf("ActiveClients() = %d, want 1", got)
	}
}

func TestLimiter_StopTwice(t *testing.T) {
	rl := NewLimiter(DefaultConfig())
	rl.Stop()
	rl.Stop()
}

func TestLimiter_Middleware(t *testing.T) {
	rl, _ := newLimiter(t, 1)
	h := rl.Middleware(
		func(r *http.Request) string { return r.RemoteAddr },
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	codes := make([]int, 0, 2)
	var retry string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/households/1/expenses", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		retry = rec.Header().Get("Retry-After")
	}

	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	if retry != "60" {
		t.Errorf("Retry-After = %q, want 60", retry)
	}
}
