// Package settle turns net balances into a short list of payments that
// clears them.
package settle

import (
	"container/heap"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tally/internal/core"
)

// Converter is the part of the currency converter unified settlement needs.
type Converter interface {
	Convert(ctx context.Context, m core.Money, to core.Currency) (core.Money, error)
}

// Plan is the result of a simplification.
type Plan struct {
	// Currency is the target currency in unified mode, empty otherwise.
	Currency core.Currency
	// Estimated is set when balances were converted and the amounts are
	// therefore approximate.
	Estimated    bool
	Transactions []core.SettlementTransaction
	// Failures holds the currency groups that could not be settled.
	Failures map[core.Currency]error
	// RoundingAdjustment is the conversion residual, in target minor units,
	// absorbed by the largest balance in unified mode.
	RoundingAdjustment int64
}

// OK reports whether every currency group was settled.
func (p Plan) OK() bool { return len(p.Failures) == 0 }

func (p *Plan) fail(c core.Currency, err error) {
	if p.Failures == nil {
		p.Failures = make(map[core.Currency]error)
	}
	p.Failures[c] = err
}

// Simplifier computes settlement plans.
type Simplifier struct {
	converter Converter
	// maxConcurrent bounds parallel conversions in unified mode.
	maxConcurrent int
}

// NewSimplifier creates a simplifier. converter may be nil when unified
// settlement is not needed.
func NewSimplifier(converter Converter) *Simplifier {
	return &Simplifier{converter: converter, maxConcurrent: 8}
}

// Simplify settles balances per currency when target is nil, or once in
// *target after converting every balance when it is set.
//
// An unbalanced currency group is recorded in Plan.Failures and skipped; the
// other groups are still settled. The returned error is reserved for
// failures that invalidate the whole plan, such as a missing rate in unified
// mode.
func (s *Simplifier) Simplify(ctx context.Context, balances core.Balances, target *core.Currency) (Plan, error) {
	if target == nil {
		return SameCurrency(balances), nil
	}
	return s.unified(ctx, balances, *target)
}

// SameCurrency settles each currency group independently, in currency order.
func SameCurrency(balances core.Balances) Plan {
	var plan Plan
	for _, c := range balances.Currencies() {
		txs, err := Minimize(c, balances.InCurrency(c))
		if err != nil {
			plan.fail(c, err)
			continue
		}
		plan.Transactions = append(plan.Transactions, txs...)
	}
	return plan
}

func (s *Simplifier) unified(ctx context.Context, balances core.Balances, target core.Currency) (Plan, error) {
	plan := Plan{Currency: target, Estimated: true}
	if err := target.Validate(); err != nil {
		return plan, err
	}
	if s.converter == nil {
		return plan, fmt.Errorf("unified settlement in %s: no currency converter configured", target)
	}

	// Groups that are already inconsistent are left out rather than folded
	// into the converted total.
	var sources []core.Balance
	for _, c := range balances.Currencies() {
		group := balances.InCurrency(c)
		if sum := sumOf(group); sum != 0 {
			plan.fail(c, &core.UnbalancedLedgerError{Currency: c, Sum: sum})
			continue
		}
		sources = append(sources, group...)
	}

	converted := make([]core.Money, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, b := range sources {
		g.Go(func() error {
			m, err := s.converter.Convert(gctx, b.Net, target)
			if err != nil {
				return fmt.Errorf("convert %s balance of %s: %w", b.Net.Currency, b.Participant, err)
			}
			converted[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return plan, err
	}

	net := core.Balances{}
	for i, b := range sources {
		net.Credit(b.Participant, target, converted[i].Amount)
	}

	group := net.InCurrency(target)
	if residual := sumOf(group); residual != 0 {
		absorb(group, residual)
		plan.RoundingAdjustment = -residual
	}

	txs, err := Minimize(target, group)
	if err != nil {
		plan.fail(target, err)
		return plan, nil
	}
	plan.Transactions = txs
	return plan, nil
}

// absorb removes residual from the participant with the largest absolute
// balance, the first in participant order on ties. group is sorted by
// participant.
func absorb(group []core.Balance, residual int64) {
	best := 0
	for i := 1; i < len(group); i++ {
		if abs(group[i].Net.Amount) > abs(group[best].Net.Amount) {
			best = i
		}
	}
	group[best].Net.Amount -= residual
}

// Minimize matches debtors to creditors greedily: the largest remaining
// debtor pays the largest remaining creditor the smaller of the two amounts,
// until nothing remains. Ties go to the participant that sorts first. The
// result has at most k-1 transactions for k nonzero balances and depends only
// on the set of balances, not their order.
func Minimize(c core.Currency, group []core.Balance) ([]core.SettlementTransaction, error) {
	if sum := sumOf(group); sum != 0 {
		return nil, &core.UnbalancedLedgerError{Currency: c, Sum: sum}
	}

	var creditors, debtors positionHeap
	for _, b := range group {
		switch {
		case b.Net.Amount > 0:
			creditors = append(creditors, position{participant: b.Participant, remaining: b.Net.Amount})
		case b.Net.Amount < 0:
			debtors = append(debtors, position{participant: b.Participant, remaining: -b.Net.Amount})
		}
	}
	heap.Init(&creditors)
	heap.Init(&debtors)

	var out []core.SettlementTransaction
	for creditors.Len() > 0 && debtors.Len() > 0 {
		cr := heap.Pop(&creditors).(position)
		db := heap.Pop(&debtors).(position)
		amount := min(cr.remaining, db.remaining)
		out = append(out, core.SettlementTransaction{
			From:   db.participant,
			To:     cr.participant,
			Amount: core.NewMoney(amount, c),
		})
		if cr.remaining -= amount; cr.remaining > 0 {
			heap.Push(&creditors, cr)
		}
		if db.remaining -= amount; db.remaining > 0 {
			heap.Push(&debtors, db)
		}
	}
	return out, nil
}

func sumOf(group []core.Balance) int64 {
	var s int64
	for _, b := range group {
		s += b.Net.Amount
	}
	return s
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
