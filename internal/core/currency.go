package core

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/currency"
)

// Currency is an ISO 4217 code from the closed set the ledger supports.
type Currency string

const (
	USD Currency = "USD"
	CAD Currency = "CAD"
	BBD Currency = "BBD"
	BRL Currency = "BRL"
	EUR Currency = "EUR"
)

// MinorUnitDigits is the number of decimal places every supported currency
// uses for its minor unit.
const MinorUnitDigits = 2

var supportedCurrencies = map[Currency]struct{}{
	USD: {},
	CAD: {},
	BBD: {},
	BRL: {},
	EUR: {},
}

// SupportedCurrencies returns the closed currency set, sorted.
func SupportedCurrencies() []Currency {
	out := make([]Currency, 0, len(supportedCurrencies))
	for c := range supportedCurrencies {
		out = append(out, c)
	}
	sortCurrencies(out)
	return out
}

// ParseCurrency normalizes s and checks it against the closed set.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// Validate reports whether c belongs to the supported set.
func (c Currency) Validate() error {
	if _, ok := supportedCurrencies[c]; !ok {
		return &UnsupportedCurrencyError{Code: string(c)}
	}
	return nil
}

func (c Currency) String() string { return string(c) }

// CurrencySet is a configured subset of the supported currencies.
type CurrencySet map[Currency]struct{}

// NewCurrencySet builds a set from configuration codes. Every code must be a
// real ISO 4217 unit with two-digit minor units and belong to the closed set.
func NewCurrencySet(codes []string) (CurrencySet, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("currency set: %w: empty", ErrUnsupportedCurrency)
	}
	set := make(CurrencySet, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		unit, err := currency.ParseISO(code)
		if err != nil {
			return nil, fmt.Errorf("currency set: %w", &UnsupportedCurrencyError{Code: code})
		}
		if scale, _ := currency.Standard.Rounding(unit); scale != MinorUnitDigits {
			return nil, fmt.Errorf("currency set: %s uses %d minor digits: %w", code, scale, ErrUnsupportedCurrency)
		}
		c, err := ParseCurrency(unit.String())
		if err != nil {
			return nil, fmt.Errorf("currency set: %w", err)
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// Contains validates c against the set.
func (s CurrencySet) Contains(c Currency) error {
	if _, ok := s[c]; !ok {
		return &UnsupportedCurrencyError{Code: string(c)}
	}
	return nil
}

// Sorted returns the members of the set in code order.
func (s CurrencySet) Sorted() []Currency {
	out := make([]Currency, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sortCurrencies(out)
	return out
}

func sortCurrencies(cs []Currency) {
	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
}
