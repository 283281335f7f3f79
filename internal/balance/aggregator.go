// Package balance derives per-currency net balances from a household ledger.
//
// Balances are never stored. Every call recomputes them from expenses,
// shares and completed payments, so the functions here are pure and safe to
// call concurrently.
package balance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tally/internal/core"
	"tally/internal/ledger"
)

// Aggregator computes household balances from a ledger reader.
type Aggregator struct {
	ledger ledger.Reader
}

func NewAggregator(r ledger.Reader) *Aggregator {
	return &Aggregator{ledger: r}
}

// Aggregate returns the net balance of every participant in every currency
// as of asOf. A zero asOf includes the whole ledger.
func (a *Aggregator) Aggregate(ctx context.Context, householdID int64, asOf time.Time) (core.Balances, error) {
	expenses, err := a.ledger.ListExpenses(ctx, householdID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	payments, err := a.ledger.ListPayments(ctx, householdID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	b, err := Compute(expenses, payments, asOf)
	if err != nil {
		return nil, fmt.Errorf("household %d: %w", householdID, err)
	}
	return b, nil
}

// Summarize totals the household's expenses by category and currency.
func (a *Aggregator) Summarize(ctx context.Context, householdID int64, asOf time.Time) (core.SpendingSummary, error) {
	expenses, err := a.ledger.ListExpenses(ctx, householdID, asOf)
	if err != nil {
		return core.SpendingSummary{}, fmt.Errorf("list expenses: %w", err)
	}
	return Summary(householdID, expenses), nil
}

// Compute applies expenses and completed payments to an empty balance sheet.
//
// The payer of an expense is credited the total; every share debits its
// participant. A completed payment credits its sender and debits its
// recipient. Records dated after asOf, and payments that are not completed,
// are ignored. Currencies are never netted against each other.
//
// An expense whose shares do not add up to its total aborts the whole
// computation with an *core.InconsistentShareSumError.
func Compute(expenses []core.Expense, payments []core.Payment, asOf time.Time) (core.Balances, error) {
	b := core.Balances{}
	for _, e := range expenses {
		if !asOf.IsZero() && e.OccurredAt.After(asOf) {
			continue
		}
		if err := e.CheckShareSum(); err != nil {
			return nil, err
		}
		c := e.Total.Currency
		b.Credit(e.PaidBy, c, e.Total.Amount)
		for _, s := range e.Shares {
			b.Debit(s.Participant, c, s.Amount.Amount)
		}
	}
	for _, p := range payments {
		if p.Status != core.PaymentCompleted {
			continue
		}
		if !asOf.IsZero() && p.OccurredAt.After(asOf) {
			continue
		}
		b.Credit(p.From, p.Amount.Currency, p.Amount.Amount)
		b.Debit(p.To, p.Amount.Currency, p.Amount.Amount)
	}
	return b, nil
}

// Summary groups expense totals by category, then currency.
func Summary(householdID int64, expenses []core.Expense) core.SpendingSummary {
	type key struct {
		category string
		currency core.Currency
	}
	byCat := make(map[key]int64)
	totals := make(map[core.Currency]int64)
	for _, e := range expenses {
		byCat[key{e.Category, e.Total.Currency}] += e.Total.Amount
		totals[e.Total.Currency] += e.Total.Amount
	}

	out := core.SpendingSummary{HouseholdID: householdID}
	for k, v := range byCat {
		out.ByCategory = append(out.ByCategory, core.CategoryTotal{
			Category: k.category,
			Total:    core.NewMoney(v, k.currency),
		})
	}
	sort.Slice(out.ByCategory, func(i, j int) bool {
		a, b := out.ByCategory[i], out.ByCategory[j]
		if a.Total.Currency != b.Total.Currency {
			return a.Total.Currency < b.Total.Currency
		}
		if a.Total.Amount != b.Total.Amount {
			return a.Total.Amount > b.Total.Amount
		}
		return a.Category < b.Category
	})
	for c, v := range totals {
		out.Totals = append(out.Totals, core.NewMoney(v, c))
	}
	sort.Slice(out.Totals, func(i, j int) bool { return out.Totals[i].Currency < out.Totals[j].Currency })
	return out
}
