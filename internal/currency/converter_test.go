package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/cache"
	"tally/internal/core"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	calls atomic.Int32
	rate  decimal.Decimal
	err   error
	gate  chan struct{} // when set, Rate waits for it to close
}

func (f *fakeSource) Rate(ctx context.Context, _, _ core.Currency) (decimal.Decimal, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	return f.rate, f.err
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	src := &fakeSource{err: errors.New("must not be called")}
	c := NewConverter(src)

	for _, m := range []core.Money{
		core.NewMoney(1, core.USD),
		core.NewMoney(-12345, core.BRL),
		core.NewMoney(0, core.EUR),
	} {
		got, err := c.Convert(context.Background(), m, m.Currency)
		if err != nil || got != m {
			t.Errorf("Convert(%v) = %v, %v", m, got, err)
		}
	}
	if src.calls.Load() != 0 {
		t.Fatal("identity conversion hit the rate source")
	}
}

func TestConvertRoundsHalfAwayFromZero(t *testing.T) {
	src := &fakeSource{rate: decimal.RequireFromString("1.5")}
	c := NewConverter(src)
	ctx := context.Background()

	tests := []struct {
		in   int64
		want int64
	}{
		{1, 2},   // 1.5 -> 2
		{-1, -2}, // -1.5 -> -2
		{3, 5},   // 4.5 -> 5
		{10000, 15000},
	}
	for _, tt := range tests {
		got, err := c.Convert(ctx, core.NewMoney(tt.in, core.EUR), core.USD)
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		if got.Amount != tt.want || got.Currency != core.USD {
			t.Errorf("Convert(%d) = %v, want %d USD", tt.in, got, tt.want)
		}
	}
}

func TestStaleRateUsedWhenFetchFails(t *testing.T) {
	rates := cache.NewLRUCache[decimal.Decimal](0)
	rates.Set(PairKey(core.EUR, core.USD), decimal.RequireFromString("1.10"), t0.Add(-2*time.Hour))

	src := &fakeSource{err: errors.New("provider down")}
	c := NewConverter(src, WithCache(rates), WithTTL(time.Hour), WithClock(fixedClock(t0)))

	got, err := c.Convert(context.Background(), core.NewMoney(1000, core.EUR), core.USD)
	if err != nil {
		t.Fatalf("Convert with stale rate: %v", err)
	}
	if got.Amount != 1100 {
		t.Fatalf("got %v, want 11.00 USD", got)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected one refresh attempt, got %d", src.calls.Load())
	}
}

func TestNoRateAtAllIsRateUnavailable(t *testing.T) {
	src := &fakeSource{err: errors.New("provider down")}
	c := NewConverter(src)

	_, err := c.Convert(context.Background(), core.NewMoney(1000, core.EUR), core.USD)
	var rue *core.RateUnavailableError
	if !errors.As(err, &rue) || rue.From != core.EUR || rue.To != core.USD {
		t.Fatalf("expected RateUnavailableError, got %v", err)
	}
	if !errors.Is(err, core.ErrRateUnavailable) || core.KindOf(err) != core.KindDependency {
		t.Fatalf("error not classified as dependency failure: %v", err)
	}
}

func TestFetchTimeoutIsRateUnavailable(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	defer close(src.gate)
	c := NewConverter(src, WithFetchTimeout(10*time.Millisecond))

	_, err := c.Rate(context.Background(), core.CAD, core.BBD, time.Time{})
	if !errors.Is(err, core.ErrRateUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout to surface as RateUnavailable, got %v", err)
	}
}

func TestFreshRateServedFromCache(t *testing.T) {
	src := &fakeSource{rate: decimal.RequireFromString("5.2")}
	now := t0
	c := NewConverter(src, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Rate(ctx, core.USD, core.BRL, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls.Load() != 1 {
		t.Fatalf("fresh rate fetched %d times", src.calls.Load())
	}

	now = t0.Add(61 * time.Minute)
	src.rate = decimal.RequireFromString("5.3")
	r, err := c.Rate(ctx, core.USD, core.BRL, time.Time{})
	if err != nil || !r.Equal(decimal.RequireFromString("5.3")) {
		t.Fatalf("expired rate not refreshed: %v, %v", r, err)
	}
}

func TestColdCacheCallersShareOneFetch(t *testing.T) {
	src := &fakeSource{rate: decimal.RequireFromString("0.7"), gate: make(chan struct{})}
	c := NewConverter(src)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Rate(context.Background(), core.CAD, core.EUR, time.Time{})
			errs <- err
		}()
	}
	// Give every caller time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source called %d times, want 1", n)
	}
}

func TestStaleReadersDoNotWaitForRefresh(t *testing.T) {
	rates := cache.NewLRUCache[decimal.Decimal](0)
	rates.Set(PairKey(core.USD, core.CAD), decimal.RequireFromString("1.35"), t0.Add(-3*time.Hour))
	src := &fakeSource{rate: decimal.RequireFromString("1.40"), gate: make(chan struct{})}
	c := NewConverter(src, WithCache(rates), WithClock(fixedClock(t0)), WithFetchTimeout(time.Second))

	refreshed := make(chan decimal.Decimal)
	go func() {
		r, _ := c.Rate(context.Background(), core.USD, core.CAD, time.Time{})
		refreshed <- r
	}()
	deadline := time.Now().Add(time.Second)
	for src.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	r, err := c.Rate(context.Background(), core.USD, core.CAD, time.Time{})
	if err != nil || !r.Equal(decimal.RequireFromString("1.35")) {
		t.Fatalf("stale read = %v, %v", r, err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("stale read blocked on the refresh")
	}

	close(src.gate)
	if got := <-refreshed; !got.Equal(decimal.RequireFromString("1.40")) {
		t.Fatalf("refreshing caller got %v", got)
	}
	if e, _ := rates.Get(PairKey(core.USD, core.CAD)); !e.StoredAt.Equal(t0) {
		t.Fatalf("cache not updated: %+v", e)
	}
}

func TestRateRejectsUnsupportedCurrency(t *testing.T) {
	c := NewConverter(&fakeSource{})
	_, err := c.Rate(context.Background(), core.Currency("GBP"), core.USD, time.Time{})
	if !errors.Is(err, core.ErrUnsupportedCurrency) {
		t.Fatalf("got %v", err)
	}
	if _, err := c.Convert(context.Background(), core.NewMoney(1, core.USD), "XYZ"); !errors.Is(err, core.ErrUnsupportedCurrency) {
		t.Fatalf("got %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	rates := cache.NewLRUCache[decimal.Decimal](0)
	rates.Set(PairKey(core.EUR, core.USD), decimal.RequireFromString("1.1"), t0.Add(-2*time.Hour))
	rates.Set(PairKey(core.USD, core.EUR), decimal.RequireFromString("0.9"), t0)
	src := &fakeSource{rate: decimal.RequireFromString("1.2")}
	c := NewConverter(src, WithCache(rates), WithClock(fixedClock(t0)))

	n, err := c.RefreshExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RefreshExpired = %d, %v", n, err)
	}
	if e, _ := rates.Get(PairKey(core.EUR, core.USD)); !e.Value.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("stale pair not refreshed: %+v", e)
	}

	src.err = errors.New("down")
	rates.Set(PairKey(core.EUR, core.USD), decimal.RequireFromString("1.1"), t0.Add(-2*time.Hour))
	if _, err := c.RefreshExpired(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if e, _ := rates.Get(PairKey(core.EUR, core.USD)); !e.Value.Equal(decimal.RequireFromString("1.1")) {
		t.Fatal("failed refresh must keep the stale rate")
	}
}

func TestStaticSource(t *testing.T) {
	s := StaticSource{Base: core.USD, Rates: map[core.Currency]decimal.Decimal{
		core.EUR: decimal.RequireFromString("0.8"),
		core.CAD: decimal.RequireFromString("1.2"),
	}}
	ctx := context.Background()

	r, err := s.Rate(ctx, core.EUR, core.CAD)
	if err != nil || !r.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("EUR/CAD = %v, %v", r, err)
	}
	r, err = s.Rate(ctx, core.USD, core.EUR)
	if err != nil || !r.Equal(decimal.RequireFromString("0.8")) {
		t.Fatalf("USD/EUR = %v, %v", r, err)
	}
	if _, err := s.Rate(ctx, core.USD, core.BBD); !errors.Is(err, ErrNoRate) {
		t.Fatalf("expected ErrNoRate, got %v", err)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("base") != "EUR" || r.URL.Query().Get("symbols") != "USD" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"EUR","rates":{"USD":1.0825}}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/latest", srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	r, err := src.Rate(ctx, core.EUR, core.USD)
	if err != nil || !r.Equal(decimal.RequireFromString("1.0825")) {
		t.Fatalf("Rate = %v, %v", r, err)
	}
	if _, err := src.Rate(ctx, core.USD, core.EUR); err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if _, err := NewHTTPSource("not a url", nil); err == nil {
		t.Fatal("expected invalid url error")
	}
}
