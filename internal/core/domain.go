package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxDescriptionLen = 200

var (
	ErrEmptyDescription   = errors.New("empty description")
	ErrDescriptionTooLong = errors.New("description too long (max 200 characters)")
	ErrInvalidDate        = errors.New("invalid date")
)

type (
	// Expense is a jointly incurred cost paid by one participant and split
	// into shares.
	Expense struct {
		ID          uuid.UUID
		HouseholdID int64
		PaidBy      ParticipantRef
		Total       Money
		Category    string
		Description string
		CreatedBy   int64
		OccurredAt  time.Time
		CreatedAt   time.Time
		Shares      []Share
		// Externals holds contact details of every external participant the
		// expense references.
		Externals []ExternalParticipant
	}

	// Share is one participant's portion of an expense. Amount is
	// authoritative for balance math; Percentage records the split as entered.
	Share struct {
		ExpenseID   uuid.UUID
		Participant ParticipantRef
		Percentage  decimal.Decimal
		Amount      Money
	}

	// Payment moves money from one participant to another. Payments are
	// append-only; an undo is a new payment in the opposite direction.
	Payment struct {
		ID          uuid.UUID
		HouseholdID int64
		From        ParticipantRef
		To          ParticipantRef
		Amount      Money
		ExpenseID   uuid.NullUUID
		Status      PaymentStatus
		Compensates uuid.NullUUID
		Note        string
		OccurredAt  time.Time
		CreatedAt   time.Time
	}

	// SettlementTransaction is a proposed transfer from a debtor to a creditor.
	SettlementTransaction struct {
		From   ParticipantRef
		To     ParticipantRef
		Amount Money
	}
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// ParsePaymentStatus validates a stored or submitted status.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case PaymentPending, PaymentCompleted, PaymentFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// CanTransition reports whether s -> to is allowed. Only pending payments
// move, and only to completed or failed.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	return s == PaymentPending && to.Terminal()
}

// Transition returns a copy of p in status to, or an
// InvalidStatusTransitionError.
func (p Payment) Transition(to PaymentStatus) (Payment, error) {
	if !p.Status.CanTransition(to) {
		return p, &InvalidStatusTransitionError{From: p.Status, To: to}
	}
	p.Status = to
	return p, nil
}

// Compensate builds the completed reversing payment for p.
func (p Payment) Compensate(id uuid.UUID, at time.Time, note string) (Payment, error) {
	if p.Status != PaymentCompleted {
		return Payment{}, ErrNotCompleted
	}
	return Payment{
		ID:          id,
		HouseholdID: p.HouseholdID,
		From:        p.To,
		To:          p.From,
		Amount:      p.Amount,
		ExpenseID:   p.ExpenseID,
		Status:      PaymentCompleted,
		Compensates: uuid.NullUUID{UUID: p.ID, Valid: true},
		Note:        note,
		OccurredAt:  at,
		CreatedAt:   at,
	}, nil
}

// Validate checks the payment in isolation.
func (p Payment) Validate() error {
	if p.HouseholdID <= 0 {
		return ErrInvalidHousehold
	}
	if err := p.From.Validate(); err != nil {
		return err
	}
	if err := p.To.Validate(); err != nil {
		return err
	}
	if p.From == p.To {
		return ErrSelfPayment
	}
	if err := p.Amount.Validate(); err != nil {
		return err
	}
	if _, err := ParsePaymentStatus(string(p.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
	}
	if p.OccurredAt.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Validate checks the expense and every share against the split invariants.
func (e Expense) Validate() error {
	if e.HouseholdID <= 0 {
		return ErrInvalidHousehold
	}
	if err := e.PaidBy.Validate(); err != nil {
		return fmt.Errorf("paid by: %w", err)
	}
	if err := e.Total.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	if len(e.Description) > maxDescriptionLen {
		return ErrDescriptionTooLong
	}
	if e.OccurredAt.IsZero() {
		return ErrInvalidDate
	}
	if len(e.Shares) == 0 {
		return ErrNoShares
	}

	seen := make(map[ParticipantRef]struct{}, len(e.Shares))
	pct := decimal.Zero
	for _, s := range e.Shares {
		if err := s.Participant.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Participant]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateParticipant, s.Participant)
		}
		seen[s.Participant] = struct{}{}
		if err := validPercentage(s.Percentage); err != nil {
			return err
		}
		if s.Amount.Currency != e.Total.Currency {
			return ErrCurrencyMismatch
		}
		if s.Amount.Amount < 0 {
			return ErrInvalidAmount
		}
		pct = pct.Add(s.Percentage)
	}
	if !pct.Equal(hundred) {
		return fmt.Errorf("%w: got %s", ErrPercentageSum, pct.String())
	}

	externals := make(map[string]struct{}, len(e.Externals))
	for _, x := range e.Externals {
		if err := x.Validate(); err != nil {
			return err
		}
		externals[NormalizeEmail(x.Email)] = struct{}{}
	}
	refs := append(make([]ParticipantRef, 0, len(seen)+1), e.PaidBy)
	for p := range seen {
		refs = append(refs, p)
	}
	for _, p := range refs {
		if p.Kind != ExternalKind {
			continue
		}
		if _, ok := externals[p.Email]; !ok {
			return fmt.Errorf("%w: no contact details for %s", ErrInvalidParticipant, p)
		}
	}
	return e.CheckShareSum()
}

// CheckShareSum verifies the share amounts add up to the total exactly.
func (e Expense) CheckShareSum() error {
	var sum int64
	for _, s := range e.Shares {
		if s.Amount.Currency != e.Total.Currency {
			return &InconsistentShareSumError{ExpenseID: e.ID, Total: e.Total.Amount, Sum: sum}
		}
		sum += s.Amount.Amount
	}
	if sum != e.Total.Amount {
		return &InconsistentShareSumError{ExpenseID: e.ID, Total: e.Total.Amount, Sum: sum}
	}
	return nil
}
