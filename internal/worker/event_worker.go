// Package worker consumes ledger events off the broker.
package worker

import (
	"context"
	"fmt"
	"time"

	"tally/internal/core"
	"tally/internal/ledger"
	"tally/internal/log"
	"tally/internal/sheets"
)

// BalanceSource derives a household's current balances.
type BalanceSource interface {
	Aggregate(ctx context.Context, householdID int64, asOf time.Time) (core.Balances, error)
}

// EventWorker records ledger events in the audit log and, when an exporter
// is configured, writes the household's balances after every change.
type EventWorker struct {
	events   ledger.EventLog
	balances BalanceSource
	exporter sheets.BalanceExporter
	logger   *log.Logger
	audit    *log.StructuredLogger
	now      func() time.Time
}

// NewEventWorker builds a worker. exporter may be nil to disable exports.
func NewEventWorker(events ledger.EventLog, balances BalanceSource, exporter sheets.BalanceExporter, logger *log.Logger) *EventWorker {
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	logger = logger.WithComponent(log.ComponentWorker)
	return &EventWorker{
		events:   events,
		balances: balances,
		exporter: exporter,
		logger:   logger,
		audit:    log.NewStructuredLogger(logger),
		now:      time.Now,
	}
}

// HandleEvent processes one event. Redelivered events are safe: the audit log
// ignores duplicate ids.
func (w *EventWorker) HandleEvent(ctx context.Context, e ledger.Event) error {
	w.logger.InfoContext(ctx, "Processing ledger event",
		log.FieldEventID, e.ID,
		log.FieldEventType, e.Type,
		log.FieldHousehold, e.HouseholdID)

	if err := w.events.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if w.exporter == nil || w.balances == nil {
		return nil
	}
	return w.export(ctx, e.HouseholdID)
}

func (w *EventWorker) export(ctx context.Context, householdID int64) error {
	asOf := w.now().UTC()
	balances, err := w.balances.Aggregate(ctx, householdID, asOf)
	if err != nil {
		if core.KindOf(err) == core.KindIntegrity {
			// A corrupt ledger will not heal on redelivery.
			w.audit.LogDefect(ctx, "Cannot export inconsistent ledger", err,
				log.NewFields().WithHousehold(householdID).WithOperation(log.OpExport))
			return nil
		}
		return fmt.Errorf("aggregate balances: %w", err)
	}

	ref, err := w.exporter.ExportBalances(ctx, sheets.Snapshot{
		HouseholdID: householdID,
		AsOf:        asOf,
		Balances:    balances.Sorted(),
	})
	if err != nil {
		return fmt.Errorf("export balances: %w", err)
	}

	w.logger.InfoContext(ctx, "Exported balances",
		log.FieldHousehold, householdID,
		"sheets_ref", ref,
		"rows", len(balances))
	return nil
}
