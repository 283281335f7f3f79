// Package memory is an in-process ledger store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/ledger"
)

var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.EventLog = (*Store)(nil)
)

type Store struct {
	mu        sync.RWMutex
	expenses  map[uuid.UUID]core.Expense
	payments  map[uuid.UUID]core.Payment
	order     []uuid.UUID // payment insertion order
	externals map[int64]map[string]core.ExternalParticipant
	events    []ledger.Event
	eventIDs  map[uuid.UUID]struct{}
}

func New() *Store {
	return &Store{
		expenses:  make(map[uuid.UUID]core.Expense),
		payments:  make(map[uuid.UUID]core.Payment),
		externals: make(map[int64]map[string]core.ExternalParticipant),
		eventIDs:  make(map[uuid.UUID]struct{}),
	}
}

func (s *Store) Close() error { return nil }

// CreateExpense stores a deep copy of e.
func (s *Store) CreateExpense(_ context.Context, e core.Expense) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.expenses[e.ID]; exists {
		return fmt.Errorf("expense %s already exists", e.ID)
	}
	s.expenses[e.ID] = cloneExpense(e)
	hh := s.externals[e.HouseholdID]
	if hh == nil {
		hh = make(map[string]core.ExternalParticipant)
		s.externals[e.HouseholdID] = hh
	}
	for _, x := range e.Externals {
		x = x.Normalize()
		hh[x.Email] = x
	}
	return nil
}

// DeleteExpense removes the expense and every payment scoped to it.
func (s *Store) DeleteExpense(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expenses[id]; !ok {
		return fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	delete(s.expenses, id)
	kept := s.order[:0]
	for _, pid := range s.order {
		p := s.payments[pid]
		if p.ExpenseID.Valid && p.ExpenseID.UUID == id {
			delete(s.payments, pid)
			continue
		}
		kept = append(kept, pid)
	}
	s.order = kept
	return nil
}

func (s *Store) AppendPayments(_ context.Context, ps ...core.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make(map[uuid.UUID]struct{}, len(ps))
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, exists := s.payments[p.ID]; exists {
			return fmt.Errorf("payment %s already exists", p.ID)
		}
		if _, dup := batch[p.ID]; dup {
			return fmt.Errorf("payment %s repeated in batch", p.ID)
		}
		batch[p.ID] = struct{}{}
		if p.ExpenseID.Valid {
			if _, ok := s.expenses[p.ExpenseID.UUID]; !ok {
				return fmt.Errorf("payment %s references expense %s: %w", p.ID, p.ExpenseID.UUID, core.ErrNotFound)
			}
		}
		if p.Compensates.Valid && s.compensated(p.Compensates.UUID) {
			return fmt.Errorf("payment %s: %w", p.Compensates.UUID, core.ErrAlreadyCompensated)
		}
	}
	for _, p := range ps {
		s.payments[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return nil
}

func (s *Store) compensated(id uuid.UUID) bool {
	for _, p := range s.payments {
		if p.Compensates.Valid && p.Compensates.UUID == id {
			return true
		}
	}
	return false
}

func (s *Store) UpdatePaymentStatus(_ context.Context, id uuid.UUID, from, to core.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, core.ErrNotFound)
	}
	if p.Status != from {
		return &core.InvalidStatusTransitionError{From: p.Status, To: to}
	}
	next, err := p.Transition(to)
	if err != nil {
		return err
	}
	s.payments[id] = next
	return nil
}

func (s *Store) ListExpenses(_ context.Context, householdID int64, asOf time.Time) ([]core.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Expense
	for _, e := range s.expenses {
		if e.HouseholdID != householdID || after(e.OccurredAt, asOf) {
			continue
		}
		out = append(out, cloneExpense(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) ListPayments(_ context.Context, householdID int64, asOf time.Time) ([]core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Payment
	for _, id := range s.order {
		p := s.payments[id]
		if p.HouseholdID != householdID || after(p.OccurredAt, asOf) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *Store) GetExpense(_ context.Context, id uuid.UUID) (core.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expenses[id]
	if !ok {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	return cloneExpense(e), nil
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return core.Payment{}, fmt.Errorf("payment %s: %w", id, core.ErrNotFound)
	}
	return p, nil
}

// Externals returns the known external participants of a household by email.
func (s *Store) Externals(householdID int64) []core.ExternalParticipant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ExternalParticipant, 0, len(s.externals[householdID]))
	for _, x := range s.externals[householdID] {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func (s *Store) AppendEvent(_ context.Context, e ledger.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.eventIDs[e.ID]; seen {
		return nil
	}
	s.eventIDs[e.ID] = struct{}{}
	s.events = append(s.events, e)
	return nil
}

func (s *Store) ListEvents(_ context.Context, householdID int64) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Event
	for _, e := range s.events {
		if e.HouseholdID == householdID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Corrupt overwrites a stored expense without validation. Tests use it to
// simulate data-integrity violations.
func (s *Store) Corrupt(e core.Expense) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expenses[e.ID] = cloneExpense(e)
}

func after(t, asOf time.Time) bool {
	return !asOf.IsZero() && t.After(asOf)
}

func cloneExpense(e core.Expense) core.Expense {
	e.Shares = append([]core.Share(nil), e.Shares...)
	e.Externals = append([]core.ExternalParticipant(nil), e.Externals...)
	return e
}
