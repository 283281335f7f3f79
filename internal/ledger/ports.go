// Package ledger defines the storage boundary for expenses, shares and
// payments.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
)

// Ports for ledger storage adapters.
type (
	// Reader gives read access to one household's ledger. A zero asOf means
	// "no upper bound".
	Reader interface {
		// ListExpenses returns expenses (with shares) that occurred at or
		// before asOf, oldest first.
		ListExpenses(ctx context.Context, householdID int64, asOf time.Time) ([]core.Expense, error)
		// ListPayments returns payments of every status that occurred at or
		// before asOf, oldest first.
		ListPayments(ctx context.Context, householdID int64, asOf time.Time) ([]core.Payment, error)
		GetExpense(ctx context.Context, id uuid.UUID) (core.Expense, error)
		GetPayment(ctx context.Context, id uuid.UUID) (core.Payment, error)
	}

	// Writer mutates the ledger. Every method is atomic.
	Writer interface {
		// CreateExpense stores the expense, its shares and any external
		// participant contact details, or nothing at all.
		CreateExpense(ctx context.Context, e core.Expense) error
		// DeleteExpense removes the expense with its shares and scoped payments.
		DeleteExpense(ctx context.Context, id uuid.UUID) error
		// AppendPayments stores all payments or none.
		AppendPayments(ctx context.Context, ps ...core.Payment) error
		// UpdatePaymentStatus changes status only if the stored status is
		// still from. It fails with core.ErrInvalidStatusTransition otherwise.
		UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to core.PaymentStatus) error
	}

	// Store is a full ledger adapter.
	Store interface {
		Reader
		Writer
		Close() error
	}
)
