// Package core holds the ledger's value types and invariants.
//
// Amounts are always integer minor units (cents). Floating point never
// touches a stored or compared amount; decimal.Decimal is used only for
// percentages, exchange rates and display.
package core

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units of a single currency.
type Money struct {
	Amount   int64
	Currency Currency
}

// NewMoney returns amount minor units of c.
func NewMoney(amount int64, c Currency) Money {
	return Money{Amount: amount, Currency: c}
}

// Zero returns a zero amount of c.
func Zero(c Currency) Money { return Money{Currency: c} }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// Sign returns -1, 0 or +1.
func (m Money) Sign() int {
	switch {
	case m.Amount < 0:
		return -1
	case m.Amount > 0:
		return 1
	}
	return 0
}

// Neg flips the sign.
func (m Money) Neg() Money { return Money{Amount: -m.Amount, Currency: m.Currency} }

// Abs drops the sign.
func (m Money) Abs() Money {
	if m.Amount < 0 {
		return m.Neg()
	}
	return m
}

// Add sums two amounts of the same currency.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}, nil
}

// Sub subtracts o from m. Both must share a currency.
func (m Money) Sub(o Money) (Money, error) {
	return m.Add(o.Neg())
}

// Validate requires a strictly positive amount in a supported currency.
func (m Money) Validate() error {
	if err := m.Currency.Validate(); err != nil {
		return err
	}
	if m.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Decimal returns the major-unit value, e.g. 1234 USD -> 12.34.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -MinorUnitDigits)
}

// String formats as "12.34 USD".
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnitDigits) + " " + string(m.Currency)
}

// ParseMoney parses a positive decimal string into c's minor units.
func ParseMoney(s string, c Currency) (Money, error) {
	if err := c.Validate(); err != nil {
		return Money{}, err
	}
	minor, err := ParseMinorUnits(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: minor, Currency: c}, nil
}

// ParseMinorUnits converts a decimal string to minor units.
//
// Dot (12.34) and comma (12,34) separators are accepted. Digits past the
// second decimal place are rounded half away from zero on the third digit.
// Only strictly positive values are valid.
//
//	ParseMinorUnits("12.34")  -> 1234
//	ParseMinorUnits("12,345") -> 1235
//	ParseMinorUnits("0.004")  -> error (rounds to zero)
func ParseMinorUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	intPart, fracPart, found := strings.Cut(s, ".")
	if found && strings.Contains(fracPart, ".") {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, ErrInvalidAmount
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	const maxSafe = (1<<63 - 1) / 100
	if iv > maxSafe-1 {
		return 0, ErrInvalidAmount
	}

	var frac int64
	for i := 0; i < MinorUnitDigits; i++ {
		frac *= 10
		if i < len(fracPart) {
			frac += int64(fracPart[i] - '0')
		}
	}
	if len(fracPart) > MinorUnitDigits && fracPart[MinorUnitDigits] >= '5' {
		frac++
	}

	minor := iv*100 + frac
	if minor <= 0 {
		return 0, ErrInvalidAmount
	}
	return minor, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
