package memory

import (
	"context"
	"fmt"
	"sync"

	"tally/internal/sheets"
)

// Store keeps exported rows in memory.
type Store struct {
	mu        sync.Mutex
	rows      [][]string
	snapshots []sheets.Snapshot
}

var _ sheets.BalanceExporter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// ExportBalances stores the snapshot and returns a synthetic row range.
func (s *Store) ExportBalances(_ context.Context, snap sheets.Snapshot) (string, error) {
	rows := snap.Rows()
	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.rows) + 1
	s.rows = append(s.rows, rows...)
	s.snapshots = append(s.snapshots, snap)
	return fmt.Sprintf("mem:%d-%d", first, len(s.rows)), nil
}

// Rows returns a copy of every exported row.
func (s *Store) Rows() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

// Snapshots returns the exported snapshots in order.
func (s *Store) Snapshots() []sheets.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sheets.Snapshot(nil), s.snapshots...)
}
