// Package storage is the SQL ledger store, backed by SQLite or Postgres.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/ledger"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	_ ledger.Store    = (*Repository)(nil)
	_ ledger.EventLog = (*Repository)(nil)
)

type Repository struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn, checks the connection and applies migrations.
func Open(ctx context.Context, d Dialect, dsn string) (*Repository, error) {
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}
	if d == SQLite {
		// One writer at a time; queries inside a transaction use the tx.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(d, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db, dialect: d}, nil
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return Open(ctx, SQLite, SQLiteDSN(path))
}

// SQLiteDSN enables foreign keys and a busy timeout on every connection.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) q(query string) string { return r.dialect.rebind(query) }

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) CreateExpense(ctx context.Context, e core.Expense) error {
	if err := e.Validate(); err != nil {
		return err
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO expenses
			(id, household_id, paid_by, total_minor, currency, category, description, created_by, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.HouseholdID, e.PaidBy.Key(), e.Total.Amount, string(e.Total.Currency),
			e.Category, e.Description, e.CreatedBy, toNanos(e.OccurredAt), toNanos(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}

		for i, s := range e.Shares {
			_, err := tx.ExecContext(ctx, r.q(`INSERT INTO expense_shares
				(expense_id, position, participant, percentage, amount_minor)
				VALUES (?, ?, ?, ?, ?)`),
				e.ID, i, s.Participant.Key(), s.Percentage, s.Amount.Amount)
			if err != nil {
				return fmt.Errorf("insert share %s: %w", s.Participant, err)
			}
		}

		for _, x := range e.Externals {
			x = x.Normalize()
			_, err := tx.ExecContext(ctx, r.q(`INSERT INTO external_participants (household_id, email, phone, name)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (household_id, email) DO UPDATE SET phone = excluded.phone, name = excluded.name`),
				e.HouseholdID, x.Email, x.Phone, x.Name)
			if err != nil {
				return fmt.Errorf("upsert external participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "Expense stored",
		"id", e.ID,
		"household_id", e.HouseholdID,
		"amount_minor", e.Total.Amount,
		"currency", e.Total.Currency,
		"shares", len(e.Shares))
	return nil
}

// DeleteExpense removes the expense, its shares and every payment scoped to
// it, compensations included.
func (r *Repository) DeleteExpense(ctx context.Context, id uuid.UUID) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var hh int64
		err := tx.QueryRowContext(ctx, r.q(`SELECT household_id FROM expenses WHERE id = ?`), id).Scan(&hh)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get expense: %w", err)
		}

		for _, stmt := range []string{
			`DELETE FROM payments WHERE expense_id = ?`,
			`DELETE FROM expense_shares WHERE expense_id = ?`,
			`DELETE FROM expenses WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, r.q(stmt), id); err != nil {
				return fmt.Errorf("delete expense %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *Repository) AppendPayments(ctx context.Context, ps ...core.Payment) error {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range ps {
			if p.ExpenseID.Valid {
				var n int
				if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM expenses WHERE id = ?`), p.ExpenseID.UUID).Scan(&n); err != nil {
					return fmt.Errorf("check expense: %w", err)
				}
				if n == 0 {
					return fmt.Errorf("payment %s references expense %s: %w", p.ID, p.ExpenseID.UUID, core.ErrNotFound)
				}
			}
			if p.Compensates.Valid {
				var n int
				if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM payments WHERE compensates = ?`), p.Compensates.UUID).Scan(&n); err != nil {
					return fmt.Errorf("check compensation: %w", err)
				}
				if n > 0 {
					return fmt.Errorf("payment %s: %w", p.Compensates.UUID, core.ErrAlreadyCompensated)
				}
			}

			_, err := tx.ExecContext(ctx, r.q(`INSERT INTO payments
				(id, household_id, from_participant, to_participant, amount_minor, currency,
				 expense_id, status, compensates, note, occurred_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				p.ID, p.HouseholdID, p.From.Key(), p.To.Key(), p.Amount.Amount, string(p.Amount.Currency),
				p.ExpenseID, string(p.Status), p.Compensates, p.Note, toNanos(p.OccurredAt), toNanos(p.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert payment %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// UpdatePaymentStatus is a compare-and-set on the stored status, so two
// concurrent confirmations cannot both succeed.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to core.PaymentStatus) error {
	if !from.CanTransition(to) {
		return &core.InvalidStatusTransitionError{From: from, To: to}
	}
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE payments SET status = ? WHERE id = ? AND status = ?`),
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, r.q(`SELECT status FROM payments WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("payment %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get payment status: %w", err)
	}
	return &core.InvalidStatusTransitionError{From: core.PaymentStatus(current), To: to}
}

const expenseColumns = `id, household_id, paid_by, total_minor, currency, category, description, created_by, occurred_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e                 core.Expense
		paidBy, currency  string
		occurred, created int64
	)
	if err := s.Scan(&e.ID, &e.HouseholdID, &paidBy, &e.Total.Amount, &currency,
		&e.Category, &e.Description, &e.CreatedBy, &occurred, &created); err != nil {
		return core.Expense{}, err
	}
	ref, err := core.ParseParticipantKey(paidBy)
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense %s payer: %w", e.ID, err)
	}
	e.PaidBy = ref
	e.Total.Currency = core.Currency(currency)
	e.OccurredAt = fromNanos(occurred)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func (r *Repository) ListExpenses(ctx context.Context, householdID int64, asOf time.Time) ([]core.Expense, error) {
	where, args := `household_id = ?`, []any{householdID}
	shareWhere := `e.household_id = ?`
	if !asOf.IsZero() {
		where += ` AND occurred_at <= ?`
		shareWhere += ` AND e.occurred_at <= ?`
		args = append(args, toNanos(asOf))
	}

	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+expenseColumns+` FROM expenses WHERE `+where+` ORDER BY occurred_at, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	var (
		expenses []core.Expense
		index    = make(map[uuid.UUID]int)
	)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		index[e.ID] = len(expenses)
		expenses = append(expenses, e)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	if len(expenses) == 0 {
		return nil, nil
	}

	shares, err := r.shares(ctx, shareWhere, args)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		if i, ok := index[s.ExpenseID]; ok {
			s.Amount.Currency = expenses[i].Total.Currency
			expenses[i].Shares = append(expenses[i].Shares, s)
		}
	}

	contacts, err := r.externals(ctx, householdID)
	if err != nil {
		return nil, err
	}
	for i := range expenses {
		expenses[i].Externals = referencedExternals(expenses[i], contacts)
	}
	return expenses, nil
}

func (r *Repository) GetExpense(ctx context.Context, id uuid.UUID) (core.Expense, error) {
	e, err := scanExpense(r.db.QueryRowContext(ctx, r.q(`SELECT `+expenseColumns+` FROM expenses WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense: %w", err)
	}

	shares, err := r.shares(ctx, `e.id = ?`, []any{id})
	if err != nil {
		return core.Expense{}, err
	}
	for _, s := range shares {
		s.Amount.Currency = e.Total.Currency
		e.Shares = append(e.Shares, s)
	}

	contacts, err := r.externals(ctx, e.HouseholdID)
	if err != nil {
		return core.Expense{}, err
	}
	e.Externals = referencedExternals(e, contacts)
	return e, nil
}

// shares loads the shares of the expenses matching where (aliased e), in
// their original order.
func (r *Repository) shares(ctx context.Context, where string, args []any) ([]core.Share, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT s.expense_id, s.participant, s.percentage, s.amount_minor
		FROM expense_shares s JOIN expenses e ON e.id = s.expense_id
		WHERE `+where+` ORDER BY s.expense_id, s.position`), args...)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	var out []core.Share
	for rows.Next() {
		var (
			s   core.Share
			key string
			pct decimal.Decimal
		)
		if err := rows.Scan(&s.ExpenseID, &key, &pct, &s.Amount.Amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan share: %w", err)
		}
		ref, err := core.ParseParticipantKey(key)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("share of %s: %w", s.ExpenseID, err)
		}
		s.Participant = ref
		s.Percentage = pct
		out = append(out, s)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	return out, nil
}

func (r *Repository) externals(ctx context.Context, householdID int64) (map[string]core.ExternalParticipant, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT email, phone, name FROM external_participants WHERE household_id = ?`), householdID)
	if err != nil {
		return nil, fmt.Errorf("list external participants: %w", err)
	}
	out := make(map[string]core.ExternalParticipant)
	for rows.Next() {
		var x core.ExternalParticipant
		if err := rows.Scan(&x.Email, &x.Phone, &x.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan external participant: %w", err)
		}
		out[x.Email] = x
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list external participants: %w", err)
	}
	return out, nil
}

// referencedExternals returns the contacts of the external participants e
// mentions, payer first.
func referencedExternals(e core.Expense, contacts map[string]core.ExternalParticipant) []core.ExternalParticipant {
	var out []core.ExternalParticipant
	seen := make(map[string]bool)
	add := func(p core.ParticipantRef) {
		if p.IsMember() || seen[p.Email] {
			return
		}
		seen[p.Email] = true
		if x, ok := contacts[p.Email]; ok {
			out = append(out, x)
		}
	}
	add(e.PaidBy)
	for _, s := range e.Shares {
		add(s.Participant)
	}
	return out
}

const paymentColumns = `id, household_id, from_participant, to_participant, amount_minor, currency,
	expense_id, status, compensates, note, occurred_at, created_at`

func scanPayment(s scanner) (core.Payment, error) {
	var (
		p                     core.Payment
		from, to, cur, status string
		occurred, created     int64
	)
	if err := s.Scan(&p.ID, &p.HouseholdID, &from, &to, &p.Amount.Amount, &cur,
		&p.ExpenseID, &status, &p.Compensates, &p.Note, &occurred, &created); err != nil {
		return core.Payment{}, err
	}
	var err error
	if p.From, err = core.ParseParticipantKey(from); err != nil {
		return core.Payment{}, fmt.Errorf("payment %s sender: %w", p.ID, err)
	}
	if p.To, err = core.ParseParticipantKey(to); err != nil {
		return core.Payment{}, fmt.Errorf("payment %s recipient: %w", p.ID, err)
	}
	if p.Status, err = core.ParsePaymentStatus(status); err != nil {
		return core.Payment{}, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.Amount.Currency = core.Currency(cur)
	p.OccurredAt = fromNanos(occurred)
	p.CreatedAt = fromNanos(created)
	return p, nil
}

func (r *Repository) ListPayments(ctx context.Context, householdID int64, asOf time.Time) ([]core.Payment, error) {
	query, args := `SELECT `+paymentColumns+` FROM payments WHERE household_id = ?`, []any{householdID}
	if !asOf.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, toNanos(asOf))
	}
	rows, err := r.db.QueryContext(ctx, r.q(query+` ORDER BY occurred_at, created_at, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	var out []core.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return out, nil
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (core.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, r.q(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Payment{}, fmt.Errorf("payment %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// AppendEvent records e in the audit log. Redelivered events are ignored.
func (r *Repository) AppendEvent(ctx context.Context, e ledger.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	var data, meta sql.NullString
	if len(e.Data) > 0 {
		data = sql.NullString{String: string(e.Data), Valid: true}
	}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO ledger_events
		(id, type, household_id, entity_id, data, metadata, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		e.ID, string(e.Type), e.HouseholdID, e.EntityID, data, meta, toNanos(e.OccurredAt), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func (r *Repository) ListEvents(ctx context.Context, householdID int64) ([]ledger.Event, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT id, type, household_id, entity_id, data, metadata, occurred_at
		FROM ledger_events WHERE household_id = ? ORDER BY occurred_at, recorded_at`), householdID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	var out []ledger.Event
	for rows.Next() {
		var (
			e          ledger.Event
			typ        string
			data, meta sql.NullString
			occurred   int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.HouseholdID, &e.EntityID, &data, &meta, &occurred); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = ledger.EventType(typ)
		e.OccurredAt = fromNanos(occurred)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
