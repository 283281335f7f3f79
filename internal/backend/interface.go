// Package backend builds the ledger store and event plumbing selected by
// configuration.
package backend

import (
	"context"

	"tally/internal/ledger"
	"tally/internal/services"
	"tally/internal/sheets"
)

// Ledger is a store that also keeps the processed event log.
type Ledger interface {
	ledger.Store
	ledger.EventLog
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the created resources. Publisher is nil when AMQP is
// not configured or unreachable.
type BackendResult struct {
	Ledger    Ledger
	Publisher services.Publisher
	Cleanup   CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend opens the ledger store and, when configured, the event
	// publisher.
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
	// CreateExporter opens the balance exporter. It returns nil when no
	// spreadsheet is configured.
	CreateExporter(ctx context.Context, config Config) (sheets.BalanceExporter, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	SQLiteDBPath string
	PostgresDSN  string

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	GoogleSpreadsheetID   string
	GoogleSheetName       string
	GoogleCredentialsFile string
	GoogleCredentialsJSON string
}

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}
