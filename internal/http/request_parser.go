// Package http exposes the ledger as a JSON API.
//
// This file holds the wire types and the helpers that turn requests into
// service inputs.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/services"
	"tally/internal/settle"
)

const defaultMaxBodyBytes = 1 << 20

// errBadRequest marks input that could not be read at all, as opposed to
// input the ledger rejected.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeJSON reads exactly one JSON object into v. Unknown fields are
// rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest("empty body")
		case errors.As(err, &maxErr):
			return badRequest("body exceeds %d bytes", maxErr.Limit)
		}
		return badRequest("malformed JSON: %v", err)
	}
	if dec.More() {
		return badRequest("body must hold a single JSON object")
	}
	return nil
}

func householdParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "household")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest("household id %q is not a number", raw)
	}
	if id <= 0 {
		return 0, core.ErrInvalidHousehold
	}
	return id, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest("%s %q is not a uuid", name, raw)
	}
	return id, nil
}

// parseAsOf accepts RFC 3339 timestamps and plain dates. A date covers the
// whole UTC day. Missing means the whole ledger.
func parseAsOf(q url.Values) (time.Time, error) {
	v := strings.TrimSpace(q.Get("as_of"))
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.Parse(time.DateOnly, v); err == nil {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}
	return time.Time{}, badRequest("as_of %q is neither RFC 3339 nor YYYY-MM-DD", v)
}

func parseTargetCurrency(q url.Values) (*core.Currency, error) {
	v := strings.TrimSpace(q.Get("currency"))
	if v == "" {
		return nil, nil
	}
	c, err := core.ParseCurrency(v)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// participantJSON names a member by id or an external participant by email.
type participantJSON struct {
	MemberID *int64 `json:"member_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (p participantJSON) ref() (core.ParticipantRef, error) {
	switch {
	case p.MemberID != nil && p.Email != "":
		return core.ParticipantRef{}, fmt.Errorf("%w: set member_id or email, not both", core.ErrInvalidParticipant)
	case p.MemberID != nil:
		ref := core.Member(*p.MemberID)
		return ref, ref.Validate()
	case p.Email != "":
		return core.External(p.Email)
	}
	return core.ParticipantRef{}, fmt.Errorf("%w: member_id or email is required", core.ErrInvalidParticipant)
}

func refs(ps []participantJSON) ([]core.ParticipantRef, error) {
	out := make([]core.ParticipantRef, 0, len(ps))
	for _, p := range ps {
		ref, err := p.ref()
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

type shareRequest struct {
	Participant participantJSON `json:"participant"`
	Percentage  decimal.Decimal `json:"percentage"`
}

type externalJSON struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type expenseRequest struct {
	PaidBy       participantJSON   `json:"paid_by"`
	Amount       string            `json:"amount"`
	Currency     string            `json:"currency"`
	Category     string            `json:"category"`
	Description  string            `json:"description"`
	CreatedBy    int64             `json:"created_by"`
	OccurredAt   *time.Time        `json:"occurred_at,omitempty"`
	Shares       []shareRequest    `json:"shares,omitempty"`
	Participants []participantJSON `json:"participants,omitempty"`
	Externals    []externalJSON    `json:"externals,omitempty"`
}

func parseMoney(amount, currency string) (core.Money, error) {
	c, err := core.ParseCurrency(currency)
	if err != nil {
		return core.Money{}, err
	}
	return core.ParseMoney(amount, c)
}

func (req expenseRequest) input(householdID int64) (services.ExpenseInput, error) {
	in := services.ExpenseInput{
		HouseholdID: householdID,
		Category:    req.Category,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
	}
	var err error
	if in.PaidBy, err = req.PaidBy.ref(); err != nil {
		return in, err
	}
	if in.Total, err = parseMoney(req.Amount, req.Currency); err != nil {
		return in, err
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}
	for _, s := range req.Shares {
		ref, err := s.Participant.ref()
		if err != nil {
			return in, err
		}
		in.Shares = append(in.Shares, core.ShareInput{Participant: ref, Percentage: s.Percentage})
	}
	if in.Participants, err = refs(req.Participants); err != nil {
		return in, err
	}
	for _, x := range req.Externals {
		in.Externals = append(in.Externals, core.ExternalParticipant{Email: x.Email, Name: x.Name, Phone: x.Phone})
	}
	return in, nil
}

type paymentRequest struct {
	From       participantJSON `json:"from"`
	To         participantJSON `json:"to"`
	Amount     string          `json:"amount"`
	Currency   string          `json:"currency"`
	ExpenseID  *uuid.UUID      `json:"expense_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Note       string          `json:"note,omitempty"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
}

func (req paymentRequest) input(householdID int64) (services.PaymentInput, error) {
	in := services.PaymentInput{HouseholdID: householdID, Note: req.Note}
	var err error
	if in.From, err = req.From.ref(); err != nil {
		return in, err
	}
	if in.To, err = req.To.ref(); err != nil {
		return in, err
	}
	if in.Amount, err = parseMoney(req.Amount, req.Currency); err != nil {
		return in, err
	}
	if req.ExpenseID != nil {
		in.ExpenseID = uuid.NullUUID{UUID: *req.ExpenseID, Valid: true}
	}
	if req.Status != "" {
		if in.Status, err = core.ParsePaymentStatus(req.Status); err != nil {
			return in, badRequest("%v", err)
		}
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}
	return in, nil
}

type noteRequest struct {
	Note string `json:"note"`
}

type transactionRequest struct {
	From     participantJSON `json:"from"`
	To       participantJSON `json:"to"`
	Amount   string          `json:"amount"`
	Currency string          `json:"currency"`
}

// applyRequest carries an explicit plan. An absent list applies the current
// exact plan.
type applyRequest struct {
	Transactions []transactionRequest `json:"transactions"`
}

func (req applyRequest) transactions() ([]core.SettlementTransaction, error) {
	out := make([]core.SettlementTransaction, 0, len(req.Transactions))
	for _, t := range req.Transactions {
		var tx core.SettlementTransaction
		var err error
		if tx.From, err = t.From.ref(); err != nil {
			return nil, err
		}
		if tx.To, err = t.To.ref(); err != nil {
			return nil, err
		}
		if tx.Amount, err = parseMoney(t.Amount, t.Currency); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Response types.

type participantView struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	MemberID int64  `json:"member_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

func viewParticipant(p core.ParticipantRef) participantView {
	return participantView{Key: p.Key(), Kind: p.Kind.String(), MemberID: p.UserID, Email: p.Email}
}

type moneyView struct {
	Amount      string `json:"amount"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func viewMoney(m core.Money) moneyView {
	return moneyView{
		Amount:      m.Decimal().StringFixed(core.MinorUnitDigits),
		AmountMinor: m.Amount,
		Currency:    string(m.Currency),
	}
}

type shareView struct {
	Participant participantView `json:"participant"`
	Percentage  string          `json:"percentage"`
	Amount      moneyView       `json:"amount"`
}

type expenseView struct {
	ID          uuid.UUID       `json:"id"`
	HouseholdID int64           `json:"household_id"`
	PaidBy      participantView `json:"paid_by"`
	Total       moneyView       `json:"total"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	CreatedBy   int64           `json:"created_by,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
	Shares      []shareView     `json:"shares"`
	Externals   []externalJSON  `json:"externals,omitempty"`
}

func viewExpense(e core.Expense) expenseView {
	v := expenseView{
		ID:          e.ID,
		HouseholdID: e.HouseholdID,
		PaidBy:      viewParticipant(e.PaidBy),
		Total:       viewMoney(e.Total),
		Category:    e.Category,
		Description: e.Description,
		CreatedBy:   e.CreatedBy,
		OccurredAt:  e.OccurredAt,
		CreatedAt:   e.CreatedAt,
		Shares:      make([]shareView, 0, len(e.Shares)),
	}
	for _, s := range e.Shares {
		v.Shares = append(v.Shares, shareView{
			Participant: viewParticipant(s.Participant),
			Percentage:  s.Percentage.String(),
			Amount:      viewMoney(s.Amount),
		})
	}
	for _, x := range e.Externals {
		v.Externals = append(v.Externals, externalJSON{Email: x.Email, Name: x.Name, Phone: x.Phone})
	}
	return v
}

type paymentView struct {
	ID          uuid.UUID       `json:"id"`
	HouseholdID int64           `json:"household_id"`
	From        participantView `json:"from"`
	To          participantView `json:"to"`
	Amount      moneyView       `json:"amount"`
	ExpenseID   *uuid.UUID      `json:"expense_id,omitempty"`
	Status      string          `json:"status"`
	Compensates *uuid.UUID      `json:"compensates,omitempty"`
	Note        string          `json:"note,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

func viewPayment(p core.Payment) paymentView {
	v := paymentView{
		ID:          p.ID,
		HouseholdID: p.HouseholdID,
		From:        viewParticipant(p.From),
		To:          viewParticipant(p.To),
		Amount:      viewMoney(p.Amount),
		Status:      string(p.Status),
		Note:        p.Note,
		OccurredAt:  p.OccurredAt,
		CreatedAt:   p.CreatedAt,
	}
	if p.ExpenseID.Valid {
		id := p.ExpenseID.UUID
		v.ExpenseID = &id
	}
	if p.Compensates.Valid {
		id := p.Compensates.UUID
		v.Compensates = &id
	}
	return v
}

func viewPayments(ps []core.Payment) []paymentView {
	out := make([]paymentView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewPayment(p))
	}
	return out
}

type balanceView struct {
	Participant participantView `json:"participant"`
	Net         moneyView       `json:"net"`
}

func viewBalances(bs []core.Balance) []balanceView {
	out := make([]balanceView, 0, len(bs))
	for _, b := range bs {
		out = append(out, balanceView{Participant: viewParticipant(b.Participant), Net: viewMoney(b.Net)})
	}
	return out
}

type balancesView struct {
	HouseholdID int64         `json:"household_id"`
	AsOf        *time.Time    `json:"as_of,omitempty"`
	Balances    []balanceView `json:"balances"`
}

type transactionView struct {
	From   participantView `json:"from"`
	To     participantView `json:"to"`
	Amount moneyView       `json:"amount"`
}

type settlementView struct {
	HouseholdID        int64             `json:"household_id"`
	AsOf               *time.Time        `json:"as_of,omitempty"`
	Balances           []balanceView     `json:"balances"`
	Currency           string            `json:"currency,omitempty"`
	Estimated          bool              `json:"estimated"`
	Transactions       []transactionView `json:"transactions"`
	FailedCurrencies   []string          `json:"failed_currencies,omitempty"`
	RoundingAdjustment int64             `json:"rounding_adjustment_minor,omitempty"`
}

func viewSettlement(s services.Settlement) settlementView {
	v := settlementView{
		HouseholdID:        s.HouseholdID,
		AsOf:               optionalTime(s.AsOf),
		Balances:           viewBalances(s.Balances),
		Currency:           string(s.Plan.Currency),
		Estimated:          s.Plan.Estimated,
		Transactions:       make([]transactionView, 0, len(s.Plan.Transactions)),
		FailedCurrencies:   failedCurrencies(s.Plan),
		RoundingAdjustment: s.Plan.RoundingAdjustment,
	}
	for _, t := range s.Plan.Transactions {
		v.Transactions = append(v.Transactions, transactionView{
			From:   viewParticipant(t.From),
			To:     viewParticipant(t.To),
			Amount: viewMoney(t.Amount),
		})
	}
	return v
}

func failedCurrencies(p settle.Plan) []string {
	if p.OK() {
		return nil
	}
	out := make([]string, 0, len(p.Failures))
	for c := range p.Failures {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

type categoryView struct {
	Category string    `json:"category"`
	Total    moneyView `json:"total"`
}

type summaryView struct {
	HouseholdID int64          `json:"household_id"`
	ByCategory  []categoryView `json:"by_category"`
	Totals      []moneyView    `json:"totals"`
}

func viewSummary(s core.SpendingSummary) summaryView {
	v := summaryView{
		HouseholdID: s.HouseholdID,
		ByCategory:  make([]categoryView, 0, len(s.ByCategory)),
		Totals:      make([]moneyView, 0, len(s.Totals)),
	}
	for _, c := range s.ByCategory {
		v.ByCategory = append(v.ByCategory, categoryView{Category: c.Category, Total: viewMoney(c.Total)})
	}
	for _, m := range s.Totals {
		v.Totals = append(v.Totals, viewMoney(m))
	}
	return v
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
