package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Validation errors: the caller sent something the ledger cannot accept.
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrCurrencyMismatch        = errors.New("currency mismatch")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
	ErrInvalidPercentage       = errors.New("percentage must be in (0, 100]")
	ErrPercentageSum           = errors.New("share percentages must sum to 100")
	ErrInvalidParticipant      = errors.New("invalid participant")
	ErrDuplicateParticipant    = errors.New("duplicate participant")
	ErrNoShares                = errors.New("expense has no shares")
	ErrEmptyCategory           = errors.New("empty category")
	ErrInvalidHousehold        = errors.New("invalid household")
	ErrSelfPayment             = errors.New("payer and payee are the same participant")
	ErrInvalidStatusTransition = errors.New("invalid payment status transition")
	ErrNotCompleted            = errors.New("payment is not completed")
	ErrAlreadyCompensated      = errors.New("payment already compensated")
)

// Integrity errors: the ledger contradicts its own invariants.
var (
	ErrInconsistentShareSum = errors.New("inconsistent share sum")
	ErrUnbalancedLedger     = errors.New("unbalanced ledger")
)

// Dependency and lookup errors.
var (
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	ErrNotFound        = errors.New("not found")
)

// UnsupportedCurrencyError reports a code outside the closed currency set.
type UnsupportedCurrencyError struct {
	Code string
}

func (e *UnsupportedCurrencyError) Error() string {
	return fmt.Sprintf("unsupported currency %q", e.Code)
}

func (e *UnsupportedCurrencyError) Is(target error) bool { return target == ErrUnsupportedCurrency }

// InconsistentShareSumError means an expense's share amounts do not add up to
// its total.
type InconsistentShareSumError struct {
	ExpenseID uuid.UUID
	Total     int64
	Sum       int64
}

func (e *InconsistentShareSumError) Error() string {
	return fmt.Sprintf("expense %s: shares sum to %d, total is %d", e.ExpenseID, e.Sum, e.Total)
}

func (e *InconsistentShareSumError) Is(target error) bool { return target == ErrInconsistentShareSum }

// UnbalancedLedgerError means the balances of one currency group do not sum to
// zero.
type UnbalancedLedgerError struct {
	Currency Currency
	Sum      int64
}

func (e *UnbalancedLedgerError) Error() string {
	return fmt.Sprintf("%s balances sum to %d minor units, want 0", e.Currency, e.Sum)
}

func (e *UnbalancedLedgerError) Is(target error) bool { return target == ErrUnbalancedLedger }

// RateUnavailableError means neither a fresh nor a cached rate exists.
type RateUnavailableError struct {
	From, To Currency
	Err      error
}

func (e *RateUnavailableError) Error() string {
	msg := fmt.Sprintf("cannot convert %s to %s right now", e.From, e.To)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateUnavailableError) Is(target error) bool { return target == ErrRateUnavailable }

func (e *RateUnavailableError) Unwrap() error { return e.Err }

// InvalidStatusTransitionError reports a forbidden payment status change.
type InvalidStatusTransitionError struct {
	From, To PaymentStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("payment status cannot change from %s to %s", e.From, e.To)
}

func (e *InvalidStatusTransitionError) Is(target error) bool {
	return target == ErrInvalidStatusTransition
}

// ErrorKind groups errors by who is at fault and how callers should react.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindIntegrity  ErrorKind = "integrity"
	KindDependency ErrorKind = "dependency"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

var validationErrors = []error{
	ErrInvalidAmount,
	ErrCurrencyMismatch,
	ErrUnsupportedCurrency,
	ErrInvalidPercentage,
	ErrPercentageSum,
	ErrInvalidParticipant,
	ErrDuplicateParticipant,
	ErrNoShares,
	ErrEmptyCategory,
	ErrInvalidHousehold,
	ErrSelfPayment,
	ErrInvalidStatusTransition,
	ErrNotCompleted,
	ErrAlreadyCompensated,
	ErrEmptyDescription,
	ErrDescriptionTooLong,
	ErrInvalidDate,
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInconsistentShareSum), errors.Is(err, ErrUnbalancedLedger):
		return KindIntegrity
	case errors.Is(err, ErrRateUnavailable):
		return KindDependency
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return KindValidation
		}
	}
	return KindInternal
}
