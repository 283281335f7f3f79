package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tally/internal/cache"
	"tally/internal/core"
)

const (
	DefaultTTL          = time.Hour
	DefaultFetchTimeout = 5 * time.Second
	DefaultCacheSize    = 256
)

// Converter converts Money using cached spot rates.
//
// A fresh cached rate is returned directly. A stale one is refreshed by the
// first caller to notice, with a bounded timeout; callers arriving while that
// refresh is running get the stale rate without waiting, and the refreshing
// caller falls back to it if the fetch fails. Only a pair with no cached rate
// at all blocks callers, who share a single fetch.
type Converter struct {
	source  RateSource
	rates   *cache.LRUCache[decimal.Decimal]
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	group      singleflight.Group
	mu         sync.Mutex
	refreshing map[string]struct{}
}

type Option func(*Converter)

// WithTTL sets how long a fetched rate counts as fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Converter) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds every call to the rate source.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Converter) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCache injects the rate cache. Tests use it to pre-seed rates.
func WithCache(rates *cache.LRUCache[decimal.Decimal]) Option {
	return func(c *Converter) {
		if rates != nil {
			c.rates = rates
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Converter) {
		if now != nil {
			c.now = now
		}
	}
}

func NewConverter(source RateSource, opts ...Option) *Converter {
	c := &Converter{
		source:     source,
		ttl:        DefaultTTL,
		timeout:    DefaultFetchTimeout,
		now:        time.Now,
		refreshing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rates == nil {
		c.rates = cache.NewLRUCache[decimal.Decimal](DefaultCacheSize)
	}
	return c
}

// PairKey is the cache key of a currency pair.
func PairKey(from, to core.Currency) string {
	return string(from) + "/" + string(to)
}

func parsePairKey(key string) (core.Currency, core.Currency, bool) {
	from, to, ok := strings.Cut(key, "/")
	if !ok {
		return "", "", false
	}
	return core.Currency(from), core.Currency(to), true
}

// Rate returns the number of units of to one unit of from buys. Freshness is
// judged at at; a zero at means now. The same currency always yields exactly
// one.
func (c *Converter) Rate(ctx context.Context, from, to core.Currency, at time.Time) (decimal.Decimal, error) {
	if err := from.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := to.Validate(); err != nil {
		return decimal.Zero, err
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if at.IsZero() {
		at = c.now()
	}

	key := PairKey(from, to)
	entry, ok := c.rates.Get(key)
	switch {
	case ok && entry.Fresh(c.ttl, at):
		return entry.Value, nil
	case ok:
		return c.refreshStale(ctx, key, from, to, entry.Value), nil
	default:
		return c.fetchCold(ctx, key, from, to)
	}
}

// fetchCold blocks until the shared fetch for key completes.
func (c *Converter) fetchCold(ctx context.Context, key string, from, to core.Currency) (decimal.Decimal, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(ctx, key, from, to)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// A concurrent stale refresh may have landed meanwhile.
			if entry, ok := c.rates.Get(key); ok {
				return entry.Value, nil
			}
			return decimal.Zero, &core.RateUnavailableError{From: from, To: to, Err: res.Err}
		}
		return res.Val.(decimal.Decimal), nil
	case <-ctx.Done():
		return decimal.Zero, &core.RateUnavailableError{From: from, To: to, Err: ctx.Err()}
	}
}

// refreshStale returns a refreshed rate if this caller wins the refresh and
// it succeeds, stale otherwise.
func (c *Converter) refreshStale(ctx context.Context, key string, from, to core.Currency, stale decimal.Decimal) decimal.Decimal {
	if !c.beginRefresh(key) {
		return stale
	}
	defer c.endRefresh(key)

	r, err := c.fetch(ctx, key, from, to)
	if err != nil {
		return stale
	}
	return r
}

func (c *Converter) beginRefresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.refreshing[key]; busy {
		return false
	}
	c.refreshing[key] = struct{}{}
	return true
}

func (c *Converter) endRefresh(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.refreshing, key)
}

// fetch calls the source with the fetch timeout and caches a success. The
// caller's cancellation is detached so one impatient caller cannot fail a
// fetch others are waiting on.
func (c *Converter) fetch(ctx context.Context, key string, from, to core.Currency) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	r, err := c.source.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: non-positive rate %s", key, r)
	}
	c.rates.Set(key, r, c.now())
	return r, nil
}

// Convert converts m into to, rounding half away from zero to the target's
// minor unit. Converting into m's own currency returns m unchanged.
func (c *Converter) Convert(ctx context.Context, m core.Money, to core.Currency) (core.Money, error) {
	if err := to.Validate(); err != nil {
		return core.Money{}, err
	}
	if m.Currency == to {
		return m, nil
	}
	rate, err := c.Rate(ctx, m.Currency, to, time.Time{})
	if err != nil {
		return core.Money{}, err
	}
	return core.NewMoney(ConvertMinor(m.Amount, rate), to), nil
}

// ConvertMinor applies rate to a minor-unit amount. Every supported currency
// has the same number of minor digits, so the result stays in minor units.
func ConvertMinor(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// RefreshExpired re-fetches every cached pair that has outlived the TTL. It
// skips pairs a caller is already refreshing.
func (c *Converter) RefreshExpired(ctx context.Context) (int, error) {
	var (
		refreshed int
		errs      []error
	)
	for _, key := range c.rates.Expired(c.ttl, c.now()) {
		from, to, ok := parsePairKey(key)
		if !ok || !c.beginRefresh(key) {
			continue
		}
		_, err := c.fetch(ctx, key, from, to)
		c.endRefresh(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// Warm fetches every pair among currencies that is not cached yet.
func (c *Converter) Warm(ctx context.Context, currencies []core.Currency) error {
	var errs []error
	for _, from := range currencies {
		for _, to := range currencies {
			if from == to {
				continue
			}
			if _, ok := c.rates.Get(PairKey(from, to)); ok {
				continue
			}
			if _, err := c.Rate(ctx, from, to, time.Time{}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var _ cache.Refresher = (*Converter)(nil)
