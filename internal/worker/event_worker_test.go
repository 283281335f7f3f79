package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"tally/internal/balance"
	"tally/internal/core"
	"tally/internal/ledger"
	"tally/internal/ledger/ledgertest"
	"tally/internal/ledger/memory"
	"tally/internal/log"
	"tally/internal/sheets"
	sheetsmem "tally/internal/sheets/memory"
)

type failingExporter struct{ err error }

func (f failingExporter) ExportBalances(context.Context, sheets.Snapshot) (string, error) {
	return "", f.err
}

func newWorker(t *testing.T, store *memory.Store, exporter sheets.BalanceExporter) *EventWorker {
	t.Helper()
	w := NewEventWorker(store, balance.NewAggregator(store), exporter, log.Discard())
	w.now = func() time.Time { return ledgertest.T0.Add(time.Hour) }
	return w
}

func TestHandleEvent_AppendsAndExports(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	exp := ledgertest.Expense(t, 1, core.Member(1), core.NewMoney(1000, core.USD), ledgertest.T0, core.Member(1), core.Member(2))
	if err := store.CreateExpense(ctx, exp); err != nil {
		t.Fatal(err)
	}

	out := sheetsmem.New()
	w := newWorker(t, store, out)
	event := ledger.NewEvent(ledger.EventExpenseCreated, 1, ledger.WithEntity(exp.ID))

	// Redelivery must not duplicate the audit entry.
	for i := 0; i < 2; i++ {
		if err := w.HandleEvent(ctx, event); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}

	events, err := store.ListEvents(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != event.ID {
		t.Fatalf("events = %v, want only %v", events, event.ID)
	}

	snaps := out.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected one snapshot per delivery, got %d", len(snaps))
	}
	s := snaps[0]
	if s.HouseholdID != 1 || !s.AsOf.Equal(ledgertest.T0.Add(time.Hour)) {
		t.Errorf("unexpected snapshot header: %+v", s)
	}
	if len(s.Balances) != 2 {
		t.Fatalf("balances = %v", s.Balances)
	}
	if s.Balances[0].Participant != core.Member(1) || s.Balances[0].Net.Amount != 500 {
		t.Errorf("first balance = %+v, want m:1 +500", s.Balances[0])
	}
	if s.Balances[1].Participant != core.Member(2) || s.Balances[1].Net.Amount != -500 {
		t.Errorf("second balance = %+v, want m:2 -500", s.Balances[1])
	}
}

func TestHandleEvent_NoExporter(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	w := newWorker(t, store, nil)

	if err := w.HandleEvent(ctx, ledger.NewEvent(ledger.EventPaymentRecorded, 3)); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	events, _ := store.ListEvents(ctx, 3)
	if len(events) != 1 {
		t.Fatalf("expected event to be logged, got %d", len(events))
	}
}

func TestHandleEvent_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid event is rejected", func(t *testing.T) {
		w := newWorker(t, memory.New(), nil)
		if err := w.HandleEvent(ctx, ledger.Event{}); err == nil {
			t.Fatal("expected error for invalid event")
		}
	})

	t.Run("export failure is returned for retry", func(t *testing.T) {
		boom := errors.New("quota exceeded")
		w := newWorker(t, memory.New(), failingExporter{err: boom})
		err := w.HandleEvent(ctx, ledger.NewEvent(ledger.EventExpenseDeleted, 1))
		if !errors.Is(err, boom) {
			t.Fatalf("HandleEvent() error = %v, want %v", err, boom)
		}
	})

	t.Run("corrupt ledger is logged not retried", func(t *testing.T) {
		store := memory.New()
		exp := ledgertest.Expense(t, 1, core.Member(1), core.NewMoney(1000, core.USD), ledgertest.T0, core.Member(1), core.Member(2))
		exp.Shares[0].Amount = core.NewMoney(1, core.USD)
		store.Corrupt(exp)

		out := sheetsmem.New()
		w := newWorker(t, store, out)
		if err := w.HandleEvent(ctx, ledger.NewEvent(ledger.EventExpenseCreated, 1)); err != nil {
			t.Fatalf("HandleEvent() error = %v, want nil", err)
		}
		if len(out.Snapshots()) != 0 {
			t.Fatal("corrupt ledger must not be exported")
		}
	})
}
