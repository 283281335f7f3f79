// Package currency converts Money between currencies using spot rates from
// an external source, cached with a TTL and a stale fallback.
package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"
)

// ErrNoRate is returned by a source that does not know the pair.
var ErrNoRate = errors.New("no rate for currency pair")

// RateSource fetches the spot rate for one currency pair: how many units of
// to one unit of from buys.
type RateSource interface {
	Rate(ctx context.Context, from, to core.Currency) (decimal.Decimal, error)
}

// SourceFunc adapts a function to RateSource.
type SourceFunc func(ctx context.Context, from, to core.Currency) (decimal.Decimal, error)

func (f SourceFunc) Rate(ctx context.Context, from, to core.Currency) (decimal.Decimal, error) {
	return f(ctx, from, to)
}

// StaticSource serves rates from a fixed table quoted against Base.
// Rates[c] is the number of units of c one unit of Base buys.
type StaticSource struct {
	Base  core.Currency
	Rates map[core.Currency]decimal.Decimal
}

func (s StaticSource) Rate(_ context.Context, from, to core.Currency) (decimal.Decimal, error) {
	f, ok := s.quote(from)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s/%s: %w", from, to, ErrNoRate)
	}
	t, ok := s.quote(to)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s/%s: %w", from, to, ErrNoRate)
	}
	return t.DivRound(f, rateScale), nil
}

func (s StaticSource) quote(c core.Currency) (decimal.Decimal, bool) {
	if c == s.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := s.Rates[c]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// rateScale is the number of decimal places kept for derived rates.
const rateScale = 10

// HTTPSource queries a JSON endpoint of the form
//
//	GET <url>?base=EUR&symbols=USD  ->  {"base":"EUR","rates":{"USD":1.08}}
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a source for endpoint. client may be nil.
func NewHTTPSource(endpoint string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid rates url %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: endpoint, client: client}, nil
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s *HTTPSource) Rate(ctx context.Context, from, to core.Currency) (decimal.Decimal, error) {
	u, _ := url.Parse(s.url)
	q := u.Query()
	q.Set("base", string(from))
	q.Set("symbols", string(to))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return decimal.Zero, fmt.Errorf("fetch rates: unexpected status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rates: %w", err)
	}
	if body.Base != "" && body.Base != string(from) {
		return decimal.Zero, fmt.Errorf("rates quoted against %s, asked for %s", body.Base, from)
	}
	r, ok := body.Rates[string(to)]
	if !ok || !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s/%s: %w", from, to, ErrNoRate)
	}
	return r, nil
}
