package memory

import (
	"context"
	"testing"
	"time"

	"tally/internal/core"
	"tally/internal/ledger"
	"tally/internal/ledger/ledgertest"
)

func TestStoreContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return New() })
}

func TestReturnedExpensesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, b := core.Member(1), core.Member(2)
	e := ledgertest.Expense(t, 1, a, core.NewMoney(1000, core.USD), ledgertest.T0, a, b)
	if err := s.CreateExpense(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetExpense(ctx, e.ID)
	got.Shares[0].Amount.Amount = 0

	again, _ := s.GetExpense(ctx, e.ID)
	if err := again.CheckShareSum(); err != nil {
		t.Fatalf("caller mutation leaked into the store: %v", err)
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := ledger.NewEvent(ledger.EventExpenseCreated, 1, ledger.WithTime(ledgertest.T0))
	for i := 0; i < 2; i++ {
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	later := ledger.NewEvent(ledger.EventPaymentRecorded, 1, ledger.WithTime(ledgertest.T0.Add(-time.Hour)))
	if err := s.AppendEvent(ctx, later); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(ctx, ledger.Event{}); err == nil {
		t.Fatal("expected invalid event to be rejected")
	}

	got, _ := s.ListEvents(ctx, 1)
	if len(got) != 2 || got[0].ID != later.ID {
		t.Fatalf("ListEvents = %+v", got)
	}
	if other, _ := s.ListEvents(ctx, 2); len(other) != 0 {
		t.Fatalf("events leaked across households: %v", other)
	}
}
