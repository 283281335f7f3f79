package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a ledger change.
type EventType string

const (
	EventExpenseCreated        EventType = "expense.created"
	EventExpenseDeleted        EventType = "expense.deleted"
	EventPaymentRecorded       EventType = "payment.recorded"
	EventPaymentStatusChanged  EventType = "payment.status_changed"
	EventSimplificationApplied EventType = "simplification.applied"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventExpenseCreated, EventExpenseDeleted, EventPaymentRecorded,
		EventPaymentStatusChanged, EventSimplificationApplied:
		return true
	}
	return false
}

// Event records that something changed in a household's ledger. Events are
// notifications: balances are never rebuilt from them.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Type        EventType         `json:"type"`
	HouseholdID int64             `json:"household_id"`
	EntityID    uuid.UUID         `json:"entity_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type EventOption func(*Event)

func WithEntity(id uuid.UUID) EventOption {
	return func(e *Event) { e.EntityID = id }
}

// WithData attaches a JSON encoding of v. Values that cannot be encoded are
// dropped.
func WithData(v any) EventOption {
	return func(e *Event) {
		if b, err := json.Marshal(v); err == nil {
			e.Data = b
		}
	}
}

func WithMetadata(key, value string) EventOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

func WithTime(t time.Time) EventOption {
	return func(e *Event) { e.OccurredAt = t.UTC() }
}

func NewEvent(t EventType, householdID int64, opts ...EventOption) Event {
	e := Event{
		ID:          uuid.New(),
		Type:        t,
		HouseholdID: householdID,
		OccurredAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("event: missing id")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if e.HouseholdID <= 0 {
		return fmt.Errorf("event: invalid household %d", e.HouseholdID)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event: missing timestamp")
	}
	return nil
}

// EventLog is the durable audit trail of ledger events.
type EventLog interface {
	// AppendEvent stores e. Appending an event id twice is a no-op.
	AppendEvent(ctx context.Context, e Event) error
	// ListEvents returns a household's events, oldest first.
	ListEvents(ctx context.Context, householdID int64) ([]Event, error)
}
