package core

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustExternal(t *testing.T, email string) ParticipantRef {
	t.Helper()
	p, err := External(email)
	if err != nil {
		t.Fatalf("External(%q): %v", email, err)
	}
	return p
}

func TestSplitShares(t *testing.T) {
	a, b, c := Member(1), Member(2), Member(3)
	tests := []struct {
		name   string
		total  int64
		inputs []ShareInput
		want   []int64
	}{
		{
			name:   "thirds of 100.00",
			total:  10000,
			inputs: []ShareInput{{a, pct("33.33")}, {b, pct("33.33")}, {c, pct("33.34")}},
			want:   []int64{3333, 3333, 3334},
		},
		{
			name:   "33/33/34 of 1.00",
			total:  100,
			inputs: []ShareInput{{a, pct("33")}, {b, pct("33")}, {c, pct("34")}},
			want:   []int64{33, 33, 34},
		},
		{
			name:   "remainder goes to the largest percentage",
			total:  100,
			inputs: []ShareInput{{a, pct("33.33")}, {b, pct("33.33")}, {c, pct("33.34")}},
			want:   []int64{33, 33, 34},
		},
		{
			name:   "ties broken by participant order",
			total:  101,
			inputs: []ShareInput{{c, pct("50")}, {a, pct("50")}},
			want:   []int64{50, 51},
		},
		{
			name:   "single payer-only share",
			total:  999,
			inputs: []ShareInput{{a, pct("100")}},
			want:   []int64{999},
		},
		{
			name:   "members before externals on ties",
			total:  1,
			inputs: []ShareInput{{mustExternal(t, "zed@example.com"), pct("50")}, {b, pct("50")}},
			want:   []int64{0, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			shares, err := SplitShares(id, NewMoney(tt.total, USD), tt.inputs)
			if err != nil {
				t.Fatalf("SplitShares error: %v", err)
			}
			var sum int64
			for i, s := range shares {
				if s.Amount.Amount != tt.want[i] {
					t.Errorf("share %d = %d, want %d", i, s.Amount.Amount, tt.want[i])
				}
				if s.ExpenseID != id || s.Amount.Currency != USD {
					t.Errorf("share %d has wrong expense or currency: %+v", i, s)
				}
				sum += s.Amount.Amount
			}
			if sum != tt.total {
				t.Fatalf("shares sum to %d, want %d", sum, tt.total)
			}
		})
	}
}

func TestSplitSharesSumsExactlyForAwkwardTotals(t *testing.T) {
	ps := []ParticipantRef{Member(1), Member(2), Member(3), Member(4), Member(5), Member(6), Member(7)}
	inputs := EqualPercentages(ps)
	for total := int64(1); total < 5000; total += 37 {
		shares, err := SplitShares(uuid.New(), NewMoney(total, EUR), inputs)
		if err != nil {
			t.Fatalf("total %d: %v", total, err)
		}
		var sum int64
		for _, s := range shares {
			sum += s.Amount.Amount
		}
		if sum != total {
			t.Fatalf("total %d: shares sum to %d", total, sum)
		}
	}
}

func TestSplitSharesValidation(t *testing.T) {
	a, b := Member(1), Member(2)
	tests := []struct {
		name    string
		total   Money
		inputs  []ShareInput
		wantErr error
	}{
		{"no shares", NewMoney(100, USD), nil, ErrNoShares},
		{"sum under 100", NewMoney(100, USD), []ShareInput{{a, pct("50")}, {b, pct("49.99")}}, ErrPercentageSum},
		{"sum over 100", NewMoney(100, USD), []ShareInput{{a, pct("50")}, {b, pct("50.01")}}, ErrPercentageSum},
		{"zero percentage", NewMoney(100, USD), []ShareInput{{a, pct("100")}, {b, pct("0")}}, ErrInvalidPercentage},
		{"above 100", NewMoney(100, USD), []ShareInput{{a, pct("100.5")}}, ErrInvalidPercentage},
		{"too many decimals", NewMoney(100, USD), []ShareInput{{a, pct("33.33333")}, {b, pct("66.66667")}}, ErrInvalidPercentage},
		{"duplicate", NewMoney(100, USD), []ShareInput{{a, pct("50")}, {a, pct("50")}}, ErrDuplicateParticipant},
		{"zero total", NewMoney(0, USD), []ShareInput{{a, pct("100")}}, ErrInvalidAmount},
		{"bad currency", NewMoney(100, "GBP"), []ShareInput{{a, pct("100")}}, ErrUnsupportedCurrency},
		{"bad participant", NewMoney(100, USD), []ShareInput{{Member(0), pct("100")}}, ErrInvalidParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SplitShares(uuid.New(), tt.total, tt.inputs)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation kind, got %s", KindOf(err))
			}
		})
	}
}

func TestSplitSharesAcceptsFourDecimals(t *testing.T) {
	shares, err := SplitShares(uuid.New(), NewMoney(10000, USD), []ShareInput{
		{Member(1), pct("33.3333")},
		{Member(2), pct("33.3333")},
		{Member(3), pct("33.33340000")},
	})
	if err != nil {
		t.Fatalf("SplitShares() error = %v", err)
	}
	var sum int64
	for _, sh := range shares {
		sum += sh.Amount.Amount
	}
	if sum != 10000 {
		t.Fatalf("share sum = %d, want 10000", sum)
	}
}

func TestEqualPercentages(t *testing.T) {
	got := EqualPercentages([]ParticipantRef{Member(1), Member(2), Member(3)})
	want := []string{"33.34", "33.33", "33.33"}
	sum := decimal.Zero
	for i, in := range got {
		if !in.Percentage.Equal(pct(want[i])) {
			t.Errorf("percentage %d = %s, want %s", i, in.Percentage, want[i])
		}
		sum = sum.Add(in.Percentage)
	}
	if !sum.Equal(pct("100")) {
		t.Fatalf("percentages sum to %s", sum)
	}
	if EqualPercentages(nil) != nil {
		t.Fatalf("expected nil for no participants")
	}
}

func TestParticipantRef(t *testing.T) {
	x, err := External("  Bob@Example.COM ")
	if err != nil {
		t.Fatalf("External: %v", err)
	}
	if x.Email != "bob@example.com" || x.Key() != "x:bob@example.com" {
		t.Fatalf("unexpected normalization %+v", x)
	}
	if Member(42).Key() != "m:42" {
		t.Fatalf("unexpected member key %q", Member(42).Key())
	}

	for _, key := range []string{"m:42", "x:bob@example.com"} {
		p, err := ParseParticipantKey(key)
		if err != nil || p.Key() != key {
			t.Fatalf("round trip %q: %v %v", key, p, err)
		}
	}
	for _, key := range []string{"", "m:", "m:abc", "m:-1", "x:", "x:not-an-email", "q:1"} {
		if _, err := ParseParticipantKey(key); !errors.Is(err, ErrInvalidParticipant) {
			t.Errorf("ParseParticipantKey(%q) expected ErrInvalidParticipant, got %v", key, err)
		}
	}

	ordered := []ParticipantRef{Member(1), Member(10), mustExternal(t, "a@example.com"), mustExternal(t, "b@example.com")}
	for i := 0; i < len(ordered)-1; i++ {
		if !ordered[i].Less(ordered[i+1]) || ordered[i+1].Less(ordered[i]) {
			t.Fatalf("expected %s < %s", ordered[i], ordered[i+1])
		}
	}
}

func TestPaymentStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		ok       bool
	}{
		{PaymentPending, PaymentCompleted, true},
		{PaymentPending, PaymentFailed, true},
		{PaymentPending, PaymentPending, false},
		{PaymentCompleted, PaymentFailed, false},
		{PaymentCompleted, PaymentPending, false},
		{PaymentFailed, PaymentCompleted, false},
		{PaymentFailed, PaymentPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			p := Payment{Status: tt.from}
			next, err := p.Transition(tt.to)
			if tt.ok {
				if err != nil || next.Status != tt.to {
					t.Fatalf("expected transition, got %v %v", next.Status, err)
				}
				return
			}
			var ite *InvalidStatusTransitionError
			if !errors.As(err, &ite) || !errors.Is(err, ErrInvalidStatusTransition) {
				t.Fatalf("expected InvalidStatusTransitionError, got %v", err)
			}
			if next.Status != tt.from {
				t.Fatalf("status changed on failed transition")
			}
		})
	}
}

func TestPaymentCompensate(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Payment{
		ID: uuid.New(), HouseholdID: 1, From: Member(1), To: Member(2),
		Amount: NewMoney(500, CAD), Status: PaymentCompleted, OccurredAt: now,
	}
	undo, err := p.Compensate(uuid.New(), now.Add(time.Hour), "typo")
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if undo.From != p.To || undo.To != p.From || undo.Amount != p.Amount {
		t.Fatalf("compensation not reversed: %+v", undo)
	}
	if !undo.Compensates.Valid || undo.Compensates.UUID != p.ID || undo.Status != PaymentCompleted {
		t.Fatalf("compensation not linked: %+v", undo)
	}

	p.Status = PaymentPending
	if _, err := p.Compensate(uuid.New(), now, ""); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
}

func TestPaymentValidate(t *testing.T) {
	now := time.Now()
	good := Payment{HouseholdID: 1, From: Member(1), To: Member(2), Amount: NewMoney(1, USD), Status: PaymentPending, OccurredAt: now}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	self := good
	self.To = self.From
	if err := self.Validate(); !errors.Is(err, ErrSelfPayment) {
		t.Fatalf("expected ErrSelfPayment, got %v", err)
	}
	zero := good
	zero.Amount = NewMoney(0, USD)
	if err := zero.Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func validExpense(t *testing.T) Expense {
	t.Helper()
	id := uuid.New()
	bob := mustExternal(t, "bob@example.com")
	shares, err := SplitShares(id, NewMoney(10000, USD), []ShareInput{
		{Member(1), pct("50")}, {bob, pct("50")},
	})
	if err != nil {
		t.Fatalf("SplitShares: %v", err)
	}
	return Expense{
		ID: id, HouseholdID: 7, PaidBy: Member(1), Total: NewMoney(10000, USD),
		Category: "groceries", OccurredAt: time.Now(), Shares: shares,
		Externals: []ExternalParticipant{{Email: "bob@example.com", Name: "Bob"}},
	}
}

func TestExpenseValidate(t *testing.T) {
	if err := validExpense(t).Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Expense)
		wantErr error
	}{
		{"no household", func(e *Expense) { e.HouseholdID = 0 }, ErrInvalidHousehold},
		{"no category", func(e *Expense) { e.Category = " " }, ErrEmptyCategory},
		{"no shares", func(e *Expense) { e.Shares = nil }, ErrNoShares},
		{"zero date", func(e *Expense) { e.OccurredAt = time.Time{} }, ErrInvalidDate},
		{"missing contact", func(e *Expense) { e.Externals = nil }, ErrInvalidParticipant},
		{"share currency", func(e *Expense) { e.Shares[0].Amount.Currency = EUR }, ErrCurrencyMismatch},
		{"percentages", func(e *Expense) { e.Shares[0].Percentage = pct("40") }, ErrPercentageSum},
		{"amounts", func(e *Expense) { e.Shares[0].Amount.Amount-- }, ErrInconsistentShareSum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExpense(t)
			tt.mutate(&e)
			if err := e.Validate(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]ErrorKind{
		&UnbalancedLedgerError{Currency: USD, Sum: 1}: KindIntegrity,
		&InconsistentShareSumError{}:                  KindIntegrity,
		&RateUnavailableError{From: EUR, To: USD}:     KindDependency,
		&UnsupportedCurrencyError{Code: "GBP"}:        KindValidation,
		ErrNotFound:                                   KindNotFound,
		errors.New("boom"):                            KindInternal,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Errorf("KindOf(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestBalances(t *testing.T) {
	b := Balances{}
	b.Credit(Member(1), USD, 100)
	b.Debit(Member(2), USD, 100)
	b.Credit(Member(2), EUR, 5)
	b.Debit(Member(2), EUR, 5)

	if len(b) != 2 {
		t.Fatalf("expected zero EUR entry dropped, got %v", b)
	}
	if b.Sum(USD) != 0 {
		t.Fatalf("expected USD to sum to zero")
	}
	if got := b.Get(Member(2), USD); got.Amount != -100 {
		t.Fatalf("unexpected balance %v", got)
	}
	sorted := b.Sorted()
	if len(sorted) != 2 || sorted[0].Participant != Member(1) {
		t.Fatalf("unexpected sort %v", sorted)
	}
}
