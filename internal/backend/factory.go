package backend

import (
	"context"
	"errors"
	"fmt"

	"tally/internal/amqp"
	"tally/internal/ledger/memory"
	"tally/internal/log"
	"tally/internal/sheets"
	gsheet "tally/internal/sheets/google"
	"tally/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		store Ledger
		err   error
	)
	switch config.Type {
	case SQLiteBackend:
		store, err = storage.OpenSQLite(ctx, config.SQLiteDBPath)
		if err == nil {
			f.logger.InfoContext(ctx, "Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		}
	case PostgresBackend:
		store, err = storage.Open(ctx, storage.Postgres, config.PostgresDSN)
		if err == nil {
			f.logger.InfoContext(ctx, "Initialized Postgres backend")
		}
	case MemoryBackend:
		store = memory.New()
		f.logger.InfoContext(ctx, "Initialized memory backend")
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", config.Type, err)
	}

	result := &BackendResult{Ledger: store}
	client := f.connectAMQP(ctx, config)
	if client != nil {
		result.Publisher = client
	}
	result.Cleanup = func() error {
		var errs []error
		if client != nil {
			errs = append(errs, client.Close())
		}
		errs = append(errs, store.Close())
		return errors.Join(errs...)
	}
	return result, nil
}

// connectAMQP returns nil when AMQP is not configured or the broker cannot be
// reached. The ledger keeps working without events.
func (f *DefaultFactory) connectAMQP(ctx context.Context, config Config) *amqp.Client {
	if config.AMQPURL == "" {
		return nil
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without events", log.FieldError, err)
		return nil
	}
	f.logger.InfoContext(ctx, "Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)
	return client
}

// CreateExporter implements Factory.CreateExporter
func (f *DefaultFactory) CreateExporter(ctx context.Context, config Config) (sheets.BalanceExporter, error) {
	if config.GoogleSpreadsheetID == "" {
		return nil, nil
	}
	cli, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:   config.GoogleSpreadsheetID,
		SheetName:       config.GoogleSheetName,
		CredentialsFile: config.GoogleCredentialsFile,
		CredentialsJSON: config.GoogleCredentialsJSON,
	}, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	f.logger.InfoContext(ctx, "Initialized Google Sheets exporter", log.FieldSpreadsheet, config.GoogleSpreadsheetID)
	return cli, nil
}
