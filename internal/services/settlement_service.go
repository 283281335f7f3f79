package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tally/internal/balance"
	"tally/internal/core"
	"tally/internal/ledger"
	"tally/internal/log"
	"tally/internal/settle"
)

// Publisher delivers ledger events to downstream consumers.
type Publisher interface {
	PublishEvent(ctx context.Context, e ledger.Event) error
}

// ExpenseInput describes a new expense. When Shares is empty the total is
// split equally across Participants.
type ExpenseInput struct {
	HouseholdID  int64
	PaidBy       core.ParticipantRef
	Total        core.Money
	Category     string
	Description  string
	CreatedBy    int64
	OccurredAt   time.Time
	Shares       []core.ShareInput
	Participants []core.ParticipantRef
	Externals    []core.ExternalParticipant
}

// PaymentInput describes a payment to record. Status defaults to pending.
type PaymentInput struct {
	HouseholdID int64
	From        core.ParticipantRef
	To          core.ParticipantRef
	Amount      core.Money
	ExpenseID   uuid.NullUUID
	Status      core.PaymentStatus
	Note        string
	OccurredAt  time.Time
}

// Settlement is a household's balances together with the plan that clears
// them.
type Settlement struct {
	HouseholdID int64
	AsOf        time.Time
	Balances    []core.Balance
	Plan        settle.Plan
}

// SettlementService orchestrates ledger writes, balance derivation and
// settlement, publishing an event after every successful write.
type SettlementService struct {
	store      ledger.Store
	aggregator *balance.Aggregator
	simplifier *settle.Simplifier
	publisher  Publisher
	currencies core.CurrencySet
	logger     *log.Logger
	now        func() time.Time
	newID      func() uuid.UUID
}

// Option configures a SettlementService.
type Option func(*SettlementService)

// WithCurrencies restricts new expenses, payments, applied transactions and
// unified settlement targets to set. Without it every supported currency is
// accepted.
func WithCurrencies(set core.CurrencySet) Option {
	return func(s *SettlementService) {
		s.currencies = set
	}
}

// NewSettlementService wires the service. publisher may be nil.
func NewSettlementService(store ledger.Store, simplifier *settle.Simplifier, publisher Publisher, logger *log.Logger, opts ...Option) *SettlementService {
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	if simplifier == nil {
		simplifier = settle.NewSimplifier(nil)
	}
	logger = logger.WithComponent(log.ComponentSettlement)
	s := &SettlementService{
		store:      store,
		aggregator: balance.NewAggregator(store),
		simplifier: simplifier,
		publisher:  publisher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loggerFor returns the request logger carried by ctx, scoped to this service, so
// records keep the request id. It falls back to the service logger.
func (s *SettlementService) loggerFor(ctx context.Context) *log.Logger {
	l := log.FromContextOr(ctx, nil)
	if l == nil {
		return s.logger
	}
	return l.WithComponent(log.ComponentSettlement)
}

func (s *SettlementService) audit(ctx context.Context) *log.StructuredLogger {
	return log.NewStructuredLogger(s.loggerFor(ctx))
}

// accepts reports whether c is one of the configured currencies.
func (s *SettlementService) accepts(c core.Currency) error {
	if s.currencies == nil {
		return nil
	}
	return s.currencies.Contains(c)
}

type expenseEventData struct {
	PaidBy      string `json:"paid_by"`
	TotalMinor  int64  `json:"total_minor"`
	Currency    string `json:"currency"`
	Category    string `json:"category"`
	ShareCount  int    `json:"share_count"`
	Description string `json:"description,omitempty"`
}

type paymentEventData struct {
	From        string `json:"from"`
	To          string `json:"to"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ExpenseID   string `json:"expense_id,omitempty"`
	Compensates string `json:"compensates,omitempty"`
}

type simplificationEventData struct {
	Payments []string `json:"payments"`
}

// CreateExpense splits the total into shares and stores the expense
// atomically.
func (s *SettlementService) CreateExpense(ctx context.Context, in ExpenseInput) (core.Expense, error) {
	if err := s.accepts(in.Total.Currency); err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	inputs := in.Shares
	if len(inputs) == 0 {
		inputs = core.EqualPercentages(in.Participants)
	}

	id := s.newID()
	shares, err := core.SplitShares(id, in.Total, inputs)
	if err != nil {
		return core.Expense{}, fmt.Errorf("split expense: %w", err)
	}

	occurred := in.OccurredAt
	now := s.now()
	if occurred.IsZero() {
		occurred = now
	}
	e := core.Expense{
		ID:          id,
		HouseholdID: in.HouseholdID,
		PaidBy:      in.PaidBy,
		Total:       in.Total,
		Category:    in.Category,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		OccurredAt:  occurred.UTC(),
		CreatedAt:   now,
		Shares:      shares,
		Externals:   in.Externals,
	}

	if err := s.store.CreateExpense(ctx, e); err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}

	s.audit(ctx).LogLedgerChange(ctx, log.OpCreate, e.HouseholdID, log.FieldExpenseID, e.ID.String())
	s.publish(ctx, ledger.NewEvent(ledger.EventExpenseCreated, e.HouseholdID,
		ledger.WithEntity(e.ID),
		ledger.WithTime(now),
		ledger.WithData(expenseEventData{
			PaidBy:      e.PaidBy.Key(),
			TotalMinor:  e.Total.Amount,
			Currency:    e.Total.Currency.String(),
			Category:    e.Category,
			ShareCount:  len(e.Shares),
			Description: e.Description,
		})))
	return e, nil
}

// DeleteExpense removes an expense together with its shares and every
// payment scoped to it.
func (s *SettlementService) DeleteExpense(ctx context.Context, id uuid.UUID) error {
	e, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return fmt.Errorf("get expense: %w", err)
	}
	if err := s.store.DeleteExpense(ctx, id); err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}

	s.audit(ctx).LogLedgerChange(ctx, log.OpDelete, e.HouseholdID, log.FieldExpenseID, id.String())
	s.publish(ctx, ledger.NewEvent(ledger.EventExpenseDeleted, e.HouseholdID,
		ledger.WithEntity(id),
		ledger.WithTime(s.now())))
	return nil
}

// RecordPayment appends a new payment. A scoped payment must belong to the
// expense's household and use its currency.
func (s *SettlementService) RecordPayment(ctx context.Context, in PaymentInput) (core.Payment, error) {
	status := in.Status
	if status == "" {
		status = core.PaymentPending
	}
	if status == core.PaymentFailed {
		return core.Payment{}, &core.InvalidStatusTransitionError{From: core.PaymentPending, To: status}
	}
	if err := s.accepts(in.Amount.Currency); err != nil {
		return core.Payment{}, fmt.Errorf("record payment: %w", err)
	}

	if in.ExpenseID.Valid {
		e, err := s.store.GetExpense(ctx, in.ExpenseID.UUID)
		if err != nil {
			return core.Payment{}, fmt.Errorf("get expense: %w", err)
		}
		if e.HouseholdID != in.HouseholdID {
			return core.Payment{}, fmt.Errorf("expense %s: %w", e.ID, core.ErrNotFound)
		}
		if e.Total.Currency != in.Amount.Currency {
			return core.Payment{}, fmt.Errorf("payment for expense %s: %w", e.ID, core.ErrCurrencyMismatch)
		}
	}

	now := s.now()
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	p := core.Payment{
		ID:          s.newID(),
		HouseholdID: in.HouseholdID,
		From:        in.From,
		To:          in.To,
		Amount:      in.Amount,
		ExpenseID:   in.ExpenseID,
		Status:      status,
		Note:        in.Note,
		OccurredAt:  occurred.UTC(),
		CreatedAt:   now,
	}
	if err := s.store.AppendPayments(ctx, p); err != nil {
		return core.Payment{}, fmt.Errorf("record payment: %w", err)
	}

	s.audit(ctx).LogLedgerChange(ctx, log.OpAppend, p.HouseholdID, log.FieldPaymentID, p.ID.String())
	s.publish(ctx, paymentEvent(ledger.EventPaymentRecorded, p, now))
	return p, nil
}

// ConfirmPayment moves a pending payment to completed.
func (s *SettlementService) ConfirmPayment(ctx context.Context, id uuid.UUID) (core.Payment, error) {
	return s.transition(ctx, id, core.PaymentCompleted, log.OpConfirm)
}

// FailPayment moves a pending payment to failed.
func (s *SettlementService) FailPayment(ctx context.Context, id uuid.UUID) (core.Payment, error) {
	return s.transition(ctx, id, core.PaymentFailed, log.OpFail)
}

func (s *SettlementService) transition(ctx context.Context, id uuid.UUID, to core.PaymentStatus, op string) (core.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return core.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	next, err := p.Transition(to)
	if err != nil {
		return core.Payment{}, err
	}
	// The store re-checks the current status so a concurrent change wins
	// exactly once.
	if err := s.store.UpdatePaymentStatus(ctx, id, p.Status, to); err != nil {
		return core.Payment{}, fmt.Errorf("update payment status: %w", err)
	}

	now := s.now()
	s.audit(ctx).LogLedgerChange(ctx, op, next.HouseholdID, log.FieldPaymentID, id.String())
	s.publish(ctx, paymentEvent(ledger.EventPaymentStatusChanged, next, now))
	return next, nil
}

// UndoPayment records the compensating payment for a completed payment.
// The original stays in the history untouched.
func (s *SettlementService) UndoPayment(ctx context.Context, id uuid.UUID, note string) (core.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return core.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	now := s.now()
	comp, err := p.Compensate(s.newID(), now, note)
	if err != nil {
		return core.Payment{}, err
	}
	if err := s.store.AppendPayments(ctx, comp); err != nil {
		return core.Payment{}, fmt.Errorf("record compensation: %w", err)
	}

	s.audit(ctx).LogLedgerChange(ctx, log.OpUndo, comp.HouseholdID, log.FieldPaymentID, comp.ID.String())
	s.publish(ctx, paymentEvent(ledger.EventPaymentRecorded, comp, now))
	return comp, nil
}

// Balances derives the household's net positions as of asOf. A zero asOf
// includes everything.
func (s *SettlementService) Balances(ctx context.Context, householdID int64, asOf time.Time) (core.Balances, error) {
	if householdID <= 0 {
		return nil, core.ErrInvalidHousehold
	}
	b, err := s.aggregator.Aggregate(ctx, householdID, asOf)
	if err != nil {
		s.reportIntegrity(ctx, "Refusing to compute balances", householdID, log.OpBalances, err)
		return nil, err
	}
	return b, nil
}

// Simplify computes the household's settlement plan, in target when set.
func (s *SettlementService) Simplify(ctx context.Context, householdID int64, asOf time.Time, target *core.Currency) (settle.Plan, error) {
	st, err := s.Settlement(ctx, householdID, asOf, target)
	if err != nil {
		return settle.Plan{}, err
	}
	return st.Plan, nil
}

// Settlement returns the balances and the plan computed from the same
// snapshot.
func (s *SettlementService) Settlement(ctx context.Context, householdID int64, asOf time.Time, target *core.Currency) (Settlement, error) {
	if target != nil {
		if err := s.accepts(*target); err != nil {
			return Settlement{}, fmt.Errorf("settlement target: %w", err)
		}
	}
	b, err := s.Balances(ctx, householdID, asOf)
	if err != nil {
		return Settlement{}, err
	}

	plan, err := s.simplifier.Simplify(ctx, b, target)
	if err != nil {
		if core.KindOf(err) == core.KindDependency {
			s.loggerFor(ctx).WarnContext(ctx, "Settlement dependency unavailable",
				log.FieldHousehold, householdID,
				log.FieldError, err)
		}
		return Settlement{}, fmt.Errorf("simplify: %w", err)
	}
	for c, ferr := range plan.Failures {
		s.reportIntegrity(ctx, "Currency group skipped in settlement", householdID, log.OpSimplify, ferr,
			log.FieldCurrency, c.String())
	}

	s.loggerFor(ctx).DebugContext(ctx, "Computed settlement",
		log.FieldHousehold, householdID,
		log.FieldTransactions, len(plan.Transactions),
		"estimated", plan.Estimated)

	return Settlement{
		HouseholdID: householdID,
		AsOf:        asOf,
		Balances:    b.Sorted(),
		Plan:        plan,
	}, nil
}

// ApplySimplification materializes transactions as pending, unscoped
// payments in one atomic write. Balances change once they are confirmed.
func (s *SettlementService) ApplySimplification(ctx context.Context, householdID int64, txs []core.SettlementTransaction) ([]core.Payment, error) {
	if householdID <= 0 {
		return nil, core.ErrInvalidHousehold
	}
	if len(txs) == 0 {
		return nil, nil
	}

	now := s.now()
	payments := make([]core.Payment, len(txs))
	ids := make([]string, len(txs))
	for i, tx := range txs {
		if err := s.accepts(tx.Amount.Currency); err != nil {
			return nil, fmt.Errorf("apply simplification: transaction %d: %w", i, err)
		}
		payments[i] = core.Payment{
			ID:          s.newID(),
			HouseholdID: householdID,
			From:        tx.From,
			To:          tx.To,
			Amount:      tx.Amount,
			Status:      core.PaymentPending,
			Note:        "settlement",
			OccurredAt:  now,
			CreatedAt:   now,
		}
		ids[i] = payments[i].ID.String()
	}
	if err := s.store.AppendPayments(ctx, payments...); err != nil {
		return nil, fmt.Errorf("apply simplification: %w", err)
	}

	s.loggerFor(ctx).InfoContext(ctx, "Applied simplification",
		log.FieldHousehold, householdID,
		log.FieldOperation, log.OpApply,
		log.FieldTransactions, len(payments))
	s.publish(ctx, ledger.NewEvent(ledger.EventSimplificationApplied, householdID,
		ledger.WithTime(now),
		ledger.WithData(simplificationEventData{Payments: ids})))
	return payments, nil
}

// ApplyCurrentPlan recomputes the exact per-currency plan and applies it.
func (s *SettlementService) ApplyCurrentPlan(ctx context.Context, householdID int64) ([]core.Payment, error) {
	plan, err := s.Simplify(ctx, householdID, time.Time{}, nil)
	if err != nil {
		return nil, err
	}
	return s.ApplySimplification(ctx, householdID, plan.Transactions)
}

// Summary totals the household's spending by category.
func (s *SettlementService) Summary(ctx context.Context, householdID int64, asOf time.Time) (core.SpendingSummary, error) {
	if householdID <= 0 {
		return core.SpendingSummary{}, core.ErrInvalidHousehold
	}
	return s.aggregator.Summarize(ctx, householdID, asOf)
}

// Expenses lists the household's expenses as of asOf.
func (s *SettlementService) Expenses(ctx context.Context, householdID int64, asOf time.Time) ([]core.Expense, error) {
	return s.store.ListExpenses(ctx, householdID, asOf)
}

// Expense returns one expense.
func (s *SettlementService) Expense(ctx context.Context, id uuid.UUID) (core.Expense, error) {
	return s.store.GetExpense(ctx, id)
}

// Payment returns one payment.
func (s *SettlementService) Payment(ctx context.Context, id uuid.UUID) (core.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// Payments lists the household's payments as of asOf, every status included.
func (s *SettlementService) Payments(ctx context.Context, householdID int64, asOf time.Time) ([]core.Payment, error) {
	return s.store.ListPayments(ctx, householdID, asOf)
}

// Ping reports whether the ledger store is reachable, when it can tell.
func (s *SettlementService) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *SettlementService) reportIntegrity(ctx context.Context, msg string, householdID int64, op string, err error, kv ...string) {
	if core.KindOf(err) != core.KindIntegrity {
		return
	}
	fields := log.NewFields().WithHousehold(householdID).WithOperation(op)
	for i := 0; i+1 < len(kv); i += 2 {
		fields.With(kv[i], kv[i+1])
	}
	var share *core.InconsistentShareSumError
	if errors.As(err, &share) {
		fields.With(log.FieldExpenseID, share.ExpenseID.String())
	}
	s.audit(ctx).LogDefect(ctx, msg, err, fields)
}

func (s *SettlementService) publish(ctx context.Context, e ledger.Event) {
	if s.publisher == nil {
		s.loggerFor(ctx).DebugContext(ctx, "Publisher not configured, skipping event", log.FieldEventType, e.Type)
		return
	}
	// The write already succeeded; a lost event is logged, not returned.
	if err := s.publisher.PublishEvent(ctx, e); err != nil {
		s.loggerFor(ctx).WarnContext(ctx, "Failed to publish ledger event",
			log.FieldEventID, e.ID,
			log.FieldEventType, e.Type,
			log.FieldHousehold, e.HouseholdID,
			log.FieldError, err)
	}
}

func paymentEvent(t ledger.EventType, p core.Payment, at time.Time) ledger.Event {
	data := paymentEventData{
		From:        p.From.Key(),
		To:          p.To.Key(),
		AmountMinor: p.Amount.Amount,
		Currency:    p.Amount.Currency.String(),
		Status:      string(p.Status),
	}
	if p.ExpenseID.Valid {
		data.ExpenseID = p.ExpenseID.UUID.String()
	}
	if p.Compensates.Valid {
		data.Compensates = p.Compensates.UUID.String()
	}
	return ledger.NewEvent(t, p.HouseholdID,
		ledger.WithEntity(p.ID),
		ledger.WithTime(at),
		ledger.WithData(data))
}
