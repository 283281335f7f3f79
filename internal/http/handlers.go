package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/log"
)

type statusView struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(statusView{Status: "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
		NewJSONResponse().
			Status(http.StatusServiceUnavailable).
			Body(statusView{Status: "unavailable", Error: "ledger store unreachable"}).
			Write(w)
		return
	}
	NewJSONResponse().Body(statusView{Status: "ready"}).Write(w)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	errorResponse(r, op, err).Write(w)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	var req expenseRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	in, err := req.input(hh)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	e, err := s.svc.CreateExpense(r.Context(), in)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", fmt.Sprintf("/households/%d/expenses/%s", hh, e.ID)).
		Body(viewExpense(e)).
		Write(w)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	id, err := uuidParam(r, "expense")
	if err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	e, err := s.svc.Expense(r.Context(), id)
	if err == nil && e.HouseholdID != hh {
		err = fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err == nil {
		err = s.svc.DeleteExpense(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	asOf, err := parseAsOf(r.URL.Query())
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	expenses, err := s.svc.Expenses(r.Context(), hh, asOf)
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	out := make([]expenseView, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, viewExpense(e))
	}
	NewJSONResponse().Body(out).Write(w)
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpAppend, err)
		return
	}
	var req paymentRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		s.fail(w, r, log.OpAppend, err)
		return
	}
	in, err := req.input(hh)
	if err != nil {
		s.fail(w, r, log.OpAppend, err)
		return
	}
	p, err := s.svc.RecordPayment(r.Context(), in)
	if err != nil {
		s.fail(w, r, log.OpAppend, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/payments/"+p.ID.String()).
		Body(viewPayment(p)).
		Write(w)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	asOf, err := parseAsOf(r.URL.Query())
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	payments, err := s.svc.Payments(r.Context(), hh, asOf)
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	NewJSONResponse().Body(viewPayments(payments)).Write(w)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "payment")
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	p, err := s.svc.Payment(r.Context(), id)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	NewJSONResponse().Body(viewPayment(p)).Write(w)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	s.transitionPayment(w, r, log.OpConfirm, s.svc.ConfirmPayment)
}

func (s *Server) handleFailPayment(w http.ResponseWriter, r *http.Request) {
	s.transitionPayment(w, r, log.OpFail, s.svc.FailPayment)
}

func (s *Server) transitionPayment(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) (core.Payment, error)) {
	id, err := uuidParam(r, "payment")
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	p, err := fn(r.Context(), id)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	NewJSONResponse().Body(viewPayment(p)).Write(w)
}

func (s *Server) handleUndoPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "payment")
	if err != nil {
		s.fail(w, r, log.OpUndo, err)
		return
	}
	var req noteRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
			s.fail(w, r, log.OpUndo, err)
			return
		}
	}
	comp, err := s.svc.UndoPayment(r.Context(), id, req.Note)
	if err != nil {
		s.fail(w, r, log.OpUndo, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/payments/"+comp.ID.String()).
		Body(viewPayment(comp)).
		Write(w)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpBalances, err)
		return
	}
	asOf, err := parseAsOf(r.URL.Query())
	if err != nil {
		s.fail(w, r, log.OpBalances, err)
		return
	}
	b, err := s.svc.Balances(r.Context(), hh, asOf)
	if err != nil {
		s.fail(w, r, log.OpBalances, err)
		return
	}
	NewJSONResponse().Body(balancesView{
		HouseholdID: hh,
		AsOf:        optionalTime(asOf),
		Balances:    viewBalances(b.Sorted()),
	}).Write(w)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpSimplify, err)
		return
	}
	q := r.URL.Query()
	asOf, err := parseAsOf(q)
	if err != nil {
		s.fail(w, r, log.OpSimplify, err)
		return
	}
	target, err := parseTargetCurrency(q)
	if err != nil {
		s.fail(w, r, log.OpSimplify, err)
		return
	}
	st, err := s.svc.Settlement(r.Context(), hh, asOf, target)
	if err != nil {
		s.fail(w, r, log.OpSimplify, err)
		return
	}
	NewJSONResponse().Body(viewSettlement(st)).Write(w)
}

func (s *Server) handleApplySettlement(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpApply, err)
		return
	}
	var req applyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
			s.fail(w, r, log.OpApply, err)
			return
		}
	}

	var payments []core.Payment
	if req.Transactions == nil {
		payments, err = s.svc.ApplyCurrentPlan(r.Context(), hh)
	} else {
		txs, perr := req.transactions()
		if perr != nil {
			s.fail(w, r, log.OpApply, perr)
			return
		}
		payments, err = s.svc.ApplySimplification(r.Context(), hh, txs)
	}
	if err != nil {
		s.fail(w, r, log.OpApply, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(viewPayments(payments)).Write(w)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	hh, err := householdParam(r)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	asOf, err := parseAsOf(r.URL.Query())
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	sum, err := s.svc.Summary(r.Context(), hh, asOf)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	NewJSONResponse().Body(viewSummary(sum)).Write(w)
}
