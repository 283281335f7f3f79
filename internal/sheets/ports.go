// Package sheets exports ledger snapshots to spreadsheets.
package sheets

import (
	"context"
	"strconv"
	"time"

	"tally/internal/core"
)

// Snapshot is a household's balances at one point in time.
type Snapshot struct {
	HouseholdID int64
	AsOf        time.Time
	Balances    []core.Balance
}

// Ports for outbound adapters.
type (
	// BalanceExporter writes a snapshot and returns a reference to the
	// written rows.
	BalanceExporter interface {
		ExportBalances(ctx context.Context, s Snapshot) (ref string, err error)
	}
)

// Header is the column layout written by every exporter.
var Header = []string{"As of", "Household", "Participant", "Currency", "Net"}

// Rows renders a snapshot in the Header layout, one row per balance. A
// snapshot with no balances still yields one row so that settled households
// are visible.
func (s Snapshot) Rows() [][]string {
	asOf := s.AsOf.UTC().Format(time.RFC3339)
	hh := strconv.FormatInt(s.HouseholdID, 10)
	if len(s.Balances) == 0 {
		return [][]string{{asOf, hh, "", "", ""}}
	}
	rows := make([][]string, 0, len(s.Balances))
	for _, b := range s.Balances {
		rows = append(rows, []string{
			asOf,
			hh,
			b.Participant.Key(),
			b.Net.Currency.String(),
			b.Net.Decimal().StringFixed(core.MinorUnitDigits),
		})
	}
	return rows
}
