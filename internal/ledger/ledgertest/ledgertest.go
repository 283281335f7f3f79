// Package ledgertest checks that a ledger.Store honours the storage
// contract. Every adapter's tests run it.
package ledgertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/ledger"
)

var T0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

// Expense builds a valid equal-split expense in household hh.
func Expense(t *testing.T, hh int64, payer core.ParticipantRef, total core.Money, at time.Time, ps ...core.ParticipantRef) core.Expense {
	t.Helper()
	id := uuid.New()
	shares, err := core.SplitShares(id, total, core.EqualPercentages(ps))
	if err != nil {
		t.Fatalf("SplitShares: %v", err)
	}
	return core.Expense{
		ID: id, HouseholdID: hh, PaidBy: payer, Total: total, Category: "utilities",
		Description: "power bill", CreatedBy: 1, OccurredAt: at, CreatedAt: at, Shares: shares,
	}
}

// Payment builds a valid payment in household hh.
func Payment(hh int64, from, to core.ParticipantRef, amount core.Money, status core.PaymentStatus, at time.Time) core.Payment {
	return core.Payment{
		ID: uuid.New(), HouseholdID: hh, From: from, To: to, Amount: amount,
		Status: status, OccurredAt: at, CreatedAt: at,
	}
}

// Run exercises store through every ledger operation. open must return an
// empty store.
func Run(t *testing.T, open func(t *testing.T) ledger.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"ExpenseRoundTrip", testExpenseRoundTrip},
		{"ListHonoursAsOf", testListHonoursAsOf},
		{"RejectsInvalidExpense", testRejectsInvalidExpense},
		{"DeleteCascades", testDeleteCascades},
		{"PaymentsAreAtomic", testPaymentsAreAtomic},
		{"StatusCompareAndSet", testStatusCompareAndSet},
		{"CompensateOnce", testCompensateOnce},
		{"NotFound", testNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testExpenseRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	bob, _ := core.External("Bob@Example.com")
	e := Expense(t, 1, core.Member(1), core.NewMoney(10000, core.BRL), T0, core.Member(1), core.Member(2), bob)
	e.Externals = []core.ExternalParticipant{{Email: "bob@example.com", Name: "Bob", Phone: "+55 11 5555"}}

	if err := s.CreateExpense(ctx, e); err != nil {
		t.Fatalf("CreateExpense: %v", err)
	}
	got, err := s.GetExpense(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExpense: %v", err)
	}
	if got.PaidBy != e.PaidBy || got.Total != e.Total || got.Category != e.Category ||
		got.Description != e.Description || !got.OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("expense mismatch:\n got %+v\nwant %+v", got, e)
	}
	if len(got.Shares) != len(e.Shares) {
		t.Fatalf("got %d shares, want %d", len(got.Shares), len(e.Shares))
	}
	for i, sh := range got.Shares {
		want := e.Shares[i]
		if sh.Participant != want.Participant || sh.Amount != want.Amount || !sh.Percentage.Equal(want.Percentage) || sh.ExpenseID != e.ID {
			t.Errorf("share %d = %+v, want %+v", i, sh, want)
		}
	}
	if len(got.Externals) != 1 || got.Externals[0].Name != "Bob" {
		t.Errorf("externals = %+v", got.Externals)
	}
	if err := got.CheckShareSum(); err != nil {
		t.Errorf("stored shares inconsistent: %v", err)
	}
}

func testListHonoursAsOf(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a, b := core.Member(1), core.Member(2)
	early := Expense(t, 1, a, core.NewMoney(500, core.USD), T0, a, b)
	late := Expense(t, 1, a, core.NewMoney(700, core.USD), T0.Add(48*time.Hour), a, b)
	other := Expense(t, 2, a, core.NewMoney(900, core.USD), T0, a, b)
	for _, e := range []core.Expense{late, early, other} {
		if err := s.CreateExpense(ctx, e); err != nil {
			t.Fatalf("CreateExpense: %v", err)
		}
	}
	p1 := Payment(1, b, a, core.NewMoney(100, core.USD), core.PaymentCompleted, T0.Add(time.Hour))
	p2 := Payment(1, b, a, core.NewMoney(100, core.USD), core.PaymentPending, T0.Add(72*time.Hour))
	if err := s.AppendPayments(ctx, p2, p1); err != nil {
		t.Fatalf("AppendPayments: %v", err)
	}

	all, err := s.ListExpenses(ctx, 1, time.Time{})
	if err != nil || len(all) != 2 || all[0].ID != early.ID || all[1].ID != late.ID {
		t.Fatalf("ListExpenses = %v, %v", all, err)
	}
	if len(all[1].Shares) != 2 {
		t.Fatalf("listed expense lost its shares: %+v", all[1])
	}
	bounded, err := s.ListExpenses(ctx, 1, T0.Add(24*time.Hour))
	if err != nil || len(bounded) != 1 || bounded[0].ID != early.ID {
		t.Fatalf("bounded ListExpenses = %v, %v", bounded, err)
	}

	ps, err := s.ListPayments(ctx, 1, time.Time{})
	if err != nil || len(ps) != 2 || ps[0].ID != p1.ID || ps[1].ID != p2.ID {
		t.Fatalf("ListPayments = %v, %v", ps, err)
	}
	ps, err = s.ListPayments(ctx, 1, T0.Add(24*time.Hour))
	if err != nil || len(ps) != 1 || ps[0].ID != p1.ID {
		t.Fatalf("bounded ListPayments = %v, %v", ps, err)
	}
}

func testRejectsInvalidExpense(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a, b := core.Member(1), core.Member(2)
	e := Expense(t, 1, a, core.NewMoney(1000, core.EUR), T0, a, b)
	e.Shares[0].Amount.Amount++

	if err := s.CreateExpense(ctx, e); err == nil {
		t.Fatal("expected inconsistent expense to be rejected")
	}
	if list, _ := s.ListExpenses(ctx, 1, time.Time{}); len(list) != 0 {
		t.Fatalf("rejected expense was partially stored: %v", list)
	}
}

func testDeleteCascades(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a, b := core.Member(1), core.Member(2)
	e := Expense(t, 1, a, core.NewMoney(1000, core.CAD), T0, a, b)
	if err := s.CreateExpense(ctx, e); err != nil {
		t.Fatal(err)
	}
	scoped := Payment(1, b, a, core.NewMoney(500, core.CAD), core.PaymentCompleted, T0)
	scoped.ExpenseID = uuid.NullUUID{UUID: e.ID, Valid: true}
	unscoped := Payment(1, b, a, core.NewMoney(200, core.CAD), core.PaymentCompleted, T0)
	if err := s.AppendPayments(ctx, scoped, unscoped); err != nil {
		t.Fatal(err)
	}
	undo, err := scoped.Compensate(uuid.New(), T0.Add(time.Minute), "undo")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPayments(ctx, undo); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteExpense(ctx, e.ID); err != nil {
		t.Fatalf("DeleteExpense: %v", err)
	}
	if _, err := s.GetExpense(ctx, e.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expense still present: %v", err)
	}
	ps, _ := s.ListPayments(ctx, 1, time.Time{})
	if len(ps) != 1 || ps[0].ID != unscoped.ID {
		t.Fatalf("scoped payments not deleted: %v", ps)
	}
	if err := s.DeleteExpense(ctx, e.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func testPaymentsAreAtomic(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a, b := core.Member(1), core.Member(2)
	good := Payment(1, a, b, core.NewMoney(100, core.USD), core.PaymentPending, T0)
	dangling := Payment(1, a, b, core.NewMoney(100, core.USD), core.PaymentPending, T0)
	dangling.ExpenseID = uuid.NullUUID{UUID: uuid.New(), Valid: true}

	if err := s.AppendPayments(ctx, good, dangling); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected missing expense, got %v", err)
	}
	if ps, _ := s.ListPayments(ctx, 1, time.Time{}); len(ps) != 0 {
		t.Fatalf("batch partially applied: %v", ps)
	}

	self := Payment(1, a, a, core.NewMoney(100, core.USD), core.PaymentPending, T0)
	if err := s.AppendPayments(ctx, self); !errors.Is(err, core.ErrSelfPayment) {
		t.Fatalf("expected self payment error, got %v", err)
	}
}

func testStatusCompareAndSet(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := Payment(1, core.Member(1), core.Member(2), core.NewMoney(100, core.BBD), core.PaymentPending, T0)
	if err := s.AppendPayments(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdatePaymentStatus(ctx, p.ID, core.PaymentPending, core.PaymentCompleted); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	err := s.UpdatePaymentStatus(ctx, p.ID, core.PaymentPending, core.PaymentFailed)
	var ist *core.InvalidStatusTransitionError
	if !errors.As(err, &ist) || ist.From != core.PaymentCompleted {
		t.Fatalf("second transition = %v", err)
	}
	got, _ := s.GetPayment(ctx, p.ID)
	if got.Status != core.PaymentCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if err := s.UpdatePaymentStatus(ctx, p.ID, core.PaymentCompleted, core.PaymentPending); !errors.Is(err, core.ErrInvalidStatusTransition) {
		t.Fatalf("backwards transition = %v", err)
	}
}

func testCompensateOnce(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := Payment(1, core.Member(1), core.Member(2), core.NewMoney(100, core.USD), core.PaymentCompleted, T0)
	if err := s.AppendPayments(ctx, p); err != nil {
		t.Fatal(err)
	}
	undo, _ := p.Compensate(uuid.New(), T0.Add(time.Hour), "")
	if err := s.AppendPayments(ctx, undo); err != nil {
		t.Fatalf("first undo: %v", err)
	}
	again, _ := p.Compensate(uuid.New(), T0.Add(2*time.Hour), "")
	if err := s.AppendPayments(ctx, again); !errors.Is(err, core.ErrAlreadyCompensated) {
		t.Fatalf("second undo = %v", err)
	}
	got, err := s.GetPayment(ctx, undo.ID)
	if err != nil || got.Compensates.UUID != p.ID || got.From != p.To {
		t.Fatalf("GetPayment(undo) = %+v, %v", got, err)
	}
}

func testNotFound(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	if _, err := s.GetExpense(ctx, uuid.New()); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetExpense = %v", err)
	}
	if _, err := s.GetPayment(ctx, uuid.New()); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetPayment = %v", err)
	}
	if err := s.UpdatePaymentStatus(ctx, uuid.New(), core.PaymentPending, core.PaymentCompleted); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdatePaymentStatus = %v", err)
	}
}
