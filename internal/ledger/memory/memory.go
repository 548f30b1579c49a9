package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

// LedgerConfig is the configuration for the memory ledger.
type LedgerConfig struct {
	Logger log.Logger
}

func (c *LedgerConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ledger.Memory"})
	return nil
}

// Ledger is an in-memory implementation of ledger.Ledger. It backs tests and
// the degraded mode the tracker falls into when persistence I/O fails:
// records do not survive a restart but live tracking keeps working.
type Ledger struct {
	records map[string]model.PendingRecord
	mu      sync.RWMutex
	logger  log.Logger
}

// NewLedger creates a new memory ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Ledger{
		records: make(map[string]model.PendingRecord),
		logger:  cfg.Logger,
	}, nil
}

// Track creates or updates the pending record for an operation id.
func (l *Ledger) Track(ctx context.Context, record model.PendingRecord) error {
	if record.OperationID == "" {
		return fmt.Errorf("operation id is required: %w", model.ErrNotValid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := l.records[record.OperationID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	l.records[record.OperationID] = record
	l.logger.Debugf("Tracked pending record %s (%s)", record.OperationID, record.Status)

	return nil
}

// Untrack removes the pending record for an operation id.
func (l *Ledger) Untrack(ctx context.Context, operationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[operationID]; ok {
		delete(l.records, operationID)
		l.logger.Debugf("Untracked pending record %s", operationID)
	}

	return nil
}

// Get returns the pending record for an operation id.
func (l *Ledger) Get(ctx context.Context, operationID string) (*model.PendingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[operationID]
	if !ok {
		return nil, fmt.Errorf("pending record %s: %w", operationID, model.ErrNotFound)
	}

	// Return a copy.
	recordCopy := record
	return &recordCopy, nil
}

// List returns all pending records ordered by creation.
func (l *Ledger) List(ctx context.Context) ([]model.PendingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := make([]model.PendingRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, r)
	}
	sortRecords(records)

	return records, nil
}

// ListByOwner returns the pending records of one owner context.
func (l *Ledger) ListByOwner(ctx context.Context, ownerContext string) ([]model.PendingRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := []model.PendingRecord{}
	for _, r := range l.records {
		if r.OwnerContext == ownerContext {
			records = append(records, r)
		}
	}
	sortRecords(records)

	return records, nil
}

// Owners returns the owner contexts that have pending records.
func (l *Ledger) Owners(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]struct{}{}
	owners := []string{}
	for _, r := range l.records {
		if _, ok := seen[r.OwnerContext]; !ok {
			seen[r.OwnerContext] = struct{}{}
			owners = append(owners, r.OwnerContext)
		}
	}
	sort.Strings(owners)

	return owners, nil
}

func sortRecords(records []model.PendingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].OperationID < records[j].OperationID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
