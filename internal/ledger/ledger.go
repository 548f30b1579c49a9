package ledger

import (
	"context"

	"github.com/castkit/castkit/internal/model"
)

// Ledger is the durable mirror of in-flight pending records so a reload can
// pick unresolved operations back up. Track upserts on every progress event;
// Untrack is called only from a terminal-resolution path.
type Ledger interface {
	// Track creates or updates the pending record for an operation id.
	Track(ctx context.Context, record model.PendingRecord) error
	// Untrack removes the pending record for an operation id. Removing an
	// absent record is not an error.
	Untrack(ctx context.Context, operationID string) error
	// Get returns the pending record for an operation id.
	Get(ctx context.Context, operationID string) (*model.PendingRecord, error)
	// List returns all pending records ordered by creation.
	List(ctx context.Context) ([]model.PendingRecord, error)
	// ListByOwner returns the pending records of one owner context ordered
	// by creation.
	ListByOwner(ctx context.Context, ownerContext string) ([]model.PendingRecord, error)
	// Owners returns the owner contexts that have pending records.
	Owners(ctx context.Context) ([]string, error)
}
