package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

// Handle is what a caller awaits for the terminal result of an operation.
// It is fulfilled exactly once.
type Handle struct {
	operationID string
	createdAt   time.Time
	resultC     chan model.Result
}

// OperationID returns the operation id the handle tracks.
func (h *Handle) OperationID() string { return h.operationID }

// CreatedAt returns when the operation was registered.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Wait blocks until the operation reaches a terminal state or the context is
// done. A failed operation is returned as a result, not an error: the error
// return only reports local conditions (context cancellation or timeout).
func (h *Handle) Wait(ctx context.Context) (*model.Result, error) {
	select {
	case res := <-h.resultC:
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegistryConfig is the configuration for the operation registry.
type RegistryConfig struct {
	Logger log.Logger
}

func (c *RegistryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "registry.Operation"})
	return nil
}

// Registry tracks one outstanding completion handle per single-step
// operation id. It is the single owner of the live operation map; callers
// interact only through Register, Resolve and Cancel.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  log.Logger
}

// NewRegistry creates a new operation registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registry{
		handles: make(map[string]*Handle),
		logger:  cfg.Logger,
	}, nil
}

// Register returns the completion handle for an operation id, creating it if
// needed. Registering an id that is already pending returns the existing
// handle, so issuing a request and subscribing to its result are idempotent.
func (r *Registry) Register(operationID string) (*Handle, error) {
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[operationID]; ok {
		return h, nil
	}

	h := &Handle{
		operationID: operationID,
		createdAt:   time.Now().UTC(),
		// Buffered so resolution never blocks on an abandoned handle.
		resultC: make(chan model.Result, 1),
	}
	r.handles[operationID] = h
	r.logger.Debugf("Registered operation %s", operationID)

	return h, nil
}

// Resolve fulfills and removes the handle for an operation id. Resolving an
// unknown id is a no-op and returns false: duplicate, late and
// foreign-session terminals all land here, and a terminal for an id nobody
// awaits is dropped rather than buffered (the recovery ledger covers the
// reconnect case through its one-shot status query).
func (r *Registry) Resolve(operationID string, res model.Result) bool {
	r.mu.Lock()
	h, ok := r.handles[operationID]
	if ok {
		delete(r.handles, operationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	h.resultC <- res
	r.logger.Debugf("Resolved operation %s with status %s", operationID, res.Event.Status)

	return true
}

// Cancel removes a registration without resolving it. A caller that times
// out should cancel so a late terminal cannot resolve into the void.
func (r *Registry) Cancel(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[operationID]; ok {
		delete(r.handles, operationID)
		r.logger.Debugf("Cancelled operation %s", operationID)
	}
}

// Pending returns the number of operations awaiting resolution.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handles)
}
