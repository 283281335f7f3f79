package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/ledger/memory"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func expense(t *testing.T, hh int64, payer core.ParticipantRef, total core.Money, at time.Time, ps ...core.ParticipantRef) core.Expense {
	t.Helper()
	id := uuid.New()
	shares, err := core.SplitShares(id, total, core.EqualPercentages(ps))
	if err != nil {
		t.Fatalf("SplitShares: %v", err)
	}
	return core.Expense{
		ID: id, HouseholdID: hh, PaidBy: payer, Total: total,
		Category: "rent", OccurredAt: at, CreatedAt: at, Shares: shares,
	}
}

func payment(hh int64, from, to core.ParticipantRef, amount core.Money, status core.PaymentStatus, at time.Time) core.Payment {
	return core.Payment{
		ID: uuid.New(), HouseholdID: hh, From: from, To: to, Amount: amount,
		Status: status, OccurredAt: at, CreatedAt: at,
	}
}

func TestCompute(t *testing.T) {
	a, b, c := core.Member(1), core.Member(2), core.Member(3)
	expenses := []core.Expense{
		expense(t, 1, a, core.NewMoney(10000, core.USD), t0, a, b, c),
		expense(t, 1, b, core.NewMoney(2000, core.EUR), t0, a, b),
	}
	payments := []core.Payment{
		payment(1, b, a, core.NewMoney(1000, core.USD), core.PaymentCompleted, t0.Add(time.Hour)),
		payment(1, c, a, core.NewMoney(3000, core.USD), core.PaymentPending, t0.Add(time.Hour)),
		payment(1, c, a, core.NewMoney(3000, core.USD), core.PaymentFailed, t0.Add(time.Hour)),
	}

	got, err := Compute(expenses, payments, time.Time{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	want := map[core.BalanceKey]int64{
		{Participant: a, Currency: core.USD}: 10000 - 3334 - 1000,
		{Participant: b, Currency: core.USD}: -3333 + 1000,
		{Participant: c, Currency: core.USD}: -3333,
		{Participant: a, Currency: core.EUR}: -1000,
		{Participant: b, Currency: core.EUR}: 1000,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d balances, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k].Amount != v || got[k].Currency != k.Currency {
			t.Errorf("%s/%s = %v, want %d", k.Participant, k.Currency, got[k], v)
		}
	}
	for _, cur := range got.Currencies() {
		if s := got.Sum(cur); s != 0 {
			t.Errorf("%s sums to %d", cur, s)
		}
	}
}

func TestComputeOmitsZeroAndHonoursAsOf(t *testing.T) {
	a, b := core.Member(1), core.Member(2)
	expenses := []core.Expense{
		expense(t, 1, a, core.NewMoney(1000, core.CAD), t0, a, b),
		expense(t, 1, a, core.NewMoney(5000, core.CAD), t0.Add(48*time.Hour), a, b),
	}
	payments := []core.Payment{
		payment(1, b, a, core.NewMoney(500, core.CAD), core.PaymentCompleted, t0.Add(time.Hour)),
	}

	got, err := Compute(expenses, payments, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected settled ledger to be empty, got %v", got)
	}

	got, err = Compute(expenses, payments, time.Time{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got.Get(a, core.CAD).Amount != 2500 {
		t.Fatalf("unexpected balance %v", got.Get(a, core.CAD))
	}
}

func TestComputeOverpaymentReversesDirection(t *testing.T) {
	a, b := core.Member(1), core.Member(2)
	expenses := []core.Expense{expense(t, 1, a, core.NewMoney(1000, core.BRL), t0, a, b)}
	payments := []core.Payment{payment(1, b, a, core.NewMoney(800, core.BRL), core.PaymentCompleted, t0)}

	got, err := Compute(expenses, payments, time.Time{})
	if err != nil {
		t.Fatalf("overpayment must not be an error: %v", err)
	}
	if got.Get(b, core.BRL).Amount != 300 || got.Get(a, core.BRL).Amount != -300 {
		t.Fatalf("unexpected balances %v", got)
	}
}

func TestComputeRejectsInconsistentShares(t *testing.T) {
	a, b := core.Member(1), core.Member(2)
	bad := expense(t, 1, a, core.NewMoney(1000, core.USD), t0, a, b)
	bad.Shares[1].Amount.Amount--

	_, err := Compute([]core.Expense{bad}, nil, time.Time{})
	var ise *core.InconsistentShareSumError
	if !errors.As(err, &ise) || ise.ExpenseID != bad.ID || ise.Sum != 999 {
		t.Fatalf("expected InconsistentShareSumError, got %v", err)
	}
}

func TestAggregateFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a, b := core.Member(1), core.Member(2)
	bob, _ := core.External("bob@example.com")

	e := expense(t, 1, a, core.NewMoney(30000, core.USD), t0, a, b, bob)
	e.Externals = []core.ExternalParticipant{{Email: "bob@example.com", Name: "Bob"}}
	if err := store.CreateExpense(ctx, e); err != nil {
		t.Fatalf("CreateExpense: %v", err)
	}
	other := expense(t, 2, b, core.NewMoney(100, core.USD), t0, a, b)
	if err := store.CreateExpense(ctx, other); err != nil {
		t.Fatalf("CreateExpense: %v", err)
	}

	agg := NewAggregator(store)
	got, err := agg.Aggregate(ctx, 1, time.Time{})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got.Get(a, core.USD).Amount != 19998 || got.Get(bob, core.USD).Amount != -9999 {
		t.Fatalf("unexpected balances %v", got)
	}

	corrupt := e
	corrupt.Shares = append([]core.Share(nil), e.Shares...)
	corrupt.Shares[0].Amount.Amount += 7
	store.Corrupt(corrupt)
	if _, err := agg.Aggregate(ctx, 1, time.Time{}); !errors.Is(err, core.ErrInconsistentShareSum) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	// Other households are unaffected.
	if _, err := agg.Aggregate(ctx, 2, time.Time{}); err != nil {
		t.Fatalf("household 2: %v", err)
	}
}

func TestSummary(t *testing.T) {
	a, b := core.Member(1), core.Member(2)
	e1 := expense(t, 1, a, core.NewMoney(1000, core.USD), t0, a, b)
	e2 := expense(t, 1, a, core.NewMoney(500, core.USD), t0, a, b)
	e2.Category = "food"
	e3 := expense(t, 1, a, core.NewMoney(700, core.EUR), t0, a, b)

	s := Summary(1, []core.Expense{e1, e2, e3})
	if len(s.ByCategory) != 3 || s.ByCategory[0].Category != "rent" || s.ByCategory[0].Total.Currency != core.EUR {
		t.Fatalf("unexpected categories %+v", s.ByCategory)
	}
	if len(s.Totals) != 2 || s.Totals[1].Amount != 1500 {
		t.Fatalf("unexpected totals %+v", s.Totals)
	}
}
