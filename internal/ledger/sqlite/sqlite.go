package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/castkit/castkit/internal/ledger/sqlite/migrations"
	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

// LedgerConfig is the configuration for the SQLite ledger.
type LedgerConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *LedgerConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ledger.SQLite"})
	return nil
}

// Ledger is a SQLite implementation of ledger.Ledger. The schema version is
// tracked by the migrations table; readers select explicit columns so
// forward-compatible columns added by newer writers are ignored.
type Ledger struct {
	db     *sql.DB
	logger log.Logger
}

// NewLedger creates a new SQLite ledger.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite ledger initialized at %s", cfg.DBPath)

	return &Ledger{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error { return l.db.Close() }

// Track creates or updates the pending record for an operation id.
func (l *Ledger) Track(ctx context.Context, record model.PendingRecord) error {
	if record.OperationID == "" {
		return fmt.Errorf("operation id is required: %w", model.ErrNotValid)
	}

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("could not marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	// Upsert keyed by operation id: an update keeps the original creation
	// time and refreshes everything else.
	query := `
		INSERT INTO pending_records (
			operation_id, owner_context, cast_id, kind, status, progress, metadata, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id) DO UPDATE SET
			owner_context = excluded.owner_context,
			cast_id = excluded.cast_id,
			kind = excluded.kind,
			status = excluded.status,
			progress = excluded.progress,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err = l.db.ExecContext(
		ctx,
		query,
		record.OperationID,
		record.OwnerContext,
		record.CastID,
		record.Kind,
		record.Status,
		record.Progress,
		string(metadata),
		createdAt.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("could not upsert pending record: %w", err)
	}

	return nil
}

// Untrack removes the pending record for an operation id.
func (l *Ledger) Untrack(ctx context.Context, operationID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM pending_records WHERE operation_id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("could not delete pending record: %w", err)
	}

	return nil
}

// Get returns the pending record for an operation id.
func (l *Ledger) Get(ctx context.Context, operationID string) (*model.PendingRecord, error) {
	query := selectQuery + ` WHERE operation_id = ?`

	record, err := scanRecord(l.db.QueryRowContext(ctx, query, operationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending record %s: %w", operationID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query pending record: %w", err)
	}

	return record, nil
}

// List returns all pending records ordered by creation.
func (l *Ledger) List(ctx context.Context) ([]model.PendingRecord, error) {
	query := selectQuery + ` ORDER BY created_at ASC, operation_id ASC`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query pending records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByOwner returns the pending records of one owner context.
func (l *Ledger) ListByOwner(ctx context.Context, ownerContext string) ([]model.PendingRecord, error) {
	query := selectQuery + ` WHERE owner_context = ? ORDER BY created_at ASC, operation_id ASC`

	rows, err := l.db.QueryContext(ctx, query, ownerContext)
	if err != nil {
		return nil, fmt.Errorf("could not query pending records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Owners returns the owner contexts that have pending records.
func (l *Ledger) Owners(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT owner_context FROM pending_records ORDER BY owner_context ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not query owners: %w", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("could not scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate owners: %w", err)
	}

	return owners, nil
}

const selectQuery = `
	SELECT operation_id, owner_context, cast_id, kind, status, progress, metadata, created_at, updated_at
	FROM pending_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.PendingRecord, error) {
	var r model.PendingRecord
	var metadata string
	var createdAt, updatedAt int64

	err := row.Scan(
		&r.OperationID,
		&r.OwnerContext,
		&r.CastID,
		&r.Kind,
		&r.Status,
		&r.Progress,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
		}
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]model.PendingRecord, error) {
	records := []model.PendingRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan pending record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate pending records: %w", err)
	}

	return records, nil
}
