package track

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/castkit/castkit/internal/cast"
	"github.com/castkit/castkit/internal/cost"
	"github.com/castkit/castkit/internal/ledger"
	"github.com/castkit/castkit/internal/ledger/memory"
	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
	"github.com/castkit/castkit/internal/registry"
)

// ServiceConfig is the configuration for the tracking service.
type ServiceConfig struct {
	// Ledger mirrors in-flight pending records for reload survival.
	Ledger ledger.Ledger
	// Reconciler derives cost quotes for terminal results. Optional.
	Reconciler *cost.Reconciler
	// OwnerContext identifies the context owning records created from
	// events that were not explicitly tracked beforehand.
	OwnerContext string
	Logger       log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.OwnerContext == "" {
		c.OwnerContext = "local"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Track"})
	return nil
}

// Service is the completion tracking service. It owns the operation registry
// and the cast correlator as private state and exposes the single ingest
// path every event source feeds: live channel messages, one-shot status
// queries and polling fallback results all land in Ingest.
type Service struct {
	registry   *registry.Registry
	correlator *cast.Correlator
	reconciler *cost.Reconciler
	owner      string
	logger     log.Logger

	mu             sync.Mutex
	ledger         ledger.Ledger
	degraded       bool
	lastOwnerEvent map[string]time.Time
}

// NewService creates a new tracking service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		reconciler:     cfg.Reconciler,
		owner:          cfg.OwnerContext,
		ledger:         cfg.Ledger,
		logger:         cfg.Logger,
		lastOwnerEvent: map[string]time.Time{},
	}

	reg, err := registry.NewRegistry(registry.RegistryConfig{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create operation registry: %w", err)
	}
	s.registry = reg

	corrCfg := cast.CorrelatorConfig{Logger: cfg.Logger}
	if cfg.Reconciler != nil {
		corrCfg.Quote = cfg.Reconciler.Quote
	}
	corr, err := cast.NewCorrelator(corrCfg)
	if err != nil {
		return nil, fmt.Errorf("could not create cast correlator: %w", err)
	}
	s.correlator = corr

	return s, nil
}

// RegisterOperation returns the completion handle for a single-step
// operation.
func (s *Service) RegisterOperation(operationID string) (*registry.Handle, error) {
	return s.registry.Register(operationID)
}

// CancelOperation removes an operation registration without resolving it.
func (s *Service) CancelOperation(operationID string) {
	s.registry.Cancel(operationID)
}

// RegisterCast returns the completion handle for a cast of totalSteps steps.
func (s *Service) RegisterCast(castID string, totalSteps int, observer cast.StepObserver) (*cast.Handle, error) {
	return s.correlator.Register(castID, totalSteps, observer)
}

// CancelCast removes a cast registration without resolving it.
func (s *Service) CancelCast(castID string) {
	s.correlator.Cancel(castID)
}

// TrackPending starts mirroring an operation in the recovery ledger.
func (s *Service) TrackPending(ctx context.Context, operationID, ownerContext string, metadata map[string]string) error {
	if ownerContext == "" {
		ownerContext = s.owner
	}

	return s.trackRecord(ctx, model.PendingRecord{
		OperationID:  operationID,
		OwnerContext: ownerContext,
		Kind:         model.KindTool,
		Status:       model.StatusPending,
		Metadata:     metadata,
	})
}

// UntrackPending removes an operation from the recovery ledger.
func (s *Service) UntrackPending(ctx context.Context, operationID string) error {
	return s.untrackRecord(ctx, operationID)
}

// Ingest feeds one event into the trackers. Cast events route only to the
// correlator, bare operation events only to the registry; terminal events
// resolve, reconcile the cost and untrack, progress events upsert the
// pending mirror. Unknown ids are not an error.
func (s *Service) Ingest(ctx context.Context, ev model.Event) {
	s.markEvent(ctx, ev)

	if ev.OperationID == "" && ev.CastID == "" {
		s.logger.Debugf("Dropped event without correlation id")
		return
	}

	if ev.CastID != "" {
		s.correlator.NotifyStep(ev.CastID, ev)
		s.syncLedger(ctx, ev, model.KindSpell)
		return
	}

	if ev.Terminal() {
		res := model.Result{Event: ev}
		if s.reconciler != nil {
			res.Quote = s.reconciler.Quote(ev)
		}
		s.registry.Resolve(ev.OperationID, res)
		if err := s.untrackRecord(ctx, ev.OperationID); err != nil {
			s.logger.Warningf("Could not untrack %s: %s", ev.OperationID, err)
		}
		return
	}

	s.syncLedger(ctx, ev, model.KindTool)
}

// HasPending reports whether any in-flight work is mirrored in the ledger.
func (s *Service) HasPending(ctx context.Context) (bool, error) {
	records, err := s.currentLedger().List(ctx)
	if err != nil {
		return false, fmt.Errorf("could not list pending records: %w", err)
	}

	return len(records) > 0 || s.registry.Pending() > 0 || s.correlator.Pending() > 0, nil
}

// LastOwnerEventAt returns when an owner context last saw activity: an
// ingested event attributed to one of its records, or a record being
// tracked. Zero for a context never seen. The polling fallback keys
// silent-drop detection on this per-context clock so a busy sibling context
// cannot mask a quiet one.
func (s *Service) LastOwnerEventAt(ownerContext string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastOwnerEvent[ownerContext]
}

// Ledger returns the ledger currently in use (the configured one, or the
// in-memory fallback after a persistence failure).
func (s *Service) Ledger() ledger.Ledger {
	return s.currentLedger()
}

// markEvent attributes an event to the owner context of its tracked record,
// falling back to the service owner for untracked ids.
func (s *Service) markEvent(ctx context.Context, ev model.Event) {
	owner := s.owner
	if ev.OperationID != "" {
		if existing, err := s.currentLedger().Get(ctx, ev.OperationID); err == nil {
			owner = existing.OwnerContext
		}
	}

	s.markOwner(owner)
}

func (s *Service) markOwner(ownerContext string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastOwnerEvent[ownerContext] = time.Now().UTC()
}

// syncLedger mirrors an event into the pending set: terminal untracks,
// progress upserts the latest status. Cast step operations are tracked per
// step operation id.
func (s *Service) syncLedger(ctx context.Context, ev model.Event, kind model.Kind) {
	if ev.OperationID == "" {
		return
	}

	if ev.Terminal() {
		if err := s.untrackRecord(ctx, ev.OperationID); err != nil {
			s.logger.Warningf("Could not untrack %s: %s", ev.OperationID, err)
		}
		return
	}

	record := model.PendingRecord{
		OperationID:  ev.OperationID,
		OwnerContext: s.owner,
		CastID:       ev.CastID,
		Kind:         kind,
		Status:       model.StatusProgressing,
		Progress:     ev.Progress,
	}
	if existing, err := s.currentLedger().Get(ctx, ev.OperationID); err == nil {
		record.OwnerContext = existing.OwnerContext
		record.Metadata = existing.Metadata
		record.CreatedAt = existing.CreatedAt
	}

	if err := s.trackRecord(ctx, record); err != nil {
		s.logger.Warningf("Could not track %s: %s", ev.OperationID, err)
	}
}

func (s *Service) trackRecord(ctx context.Context, record model.PendingRecord) error {
	err := s.currentLedger().Track(ctx, record)
	if err == nil {
		s.markOwner(record.OwnerContext)
		return nil
	}
	if errors.Is(err, model.ErrNotValid) {
		// Invalid input, not an I/O failure.
		return err
	}

	l, degradedNow := s.degrade(err)
	if !degradedNow {
		return err
	}

	err = l.Track(ctx, record)
	if err == nil {
		s.markOwner(record.OwnerContext)
	}

	return err
}

func (s *Service) untrackRecord(ctx context.Context, operationID string) error {
	err := s.currentLedger().Untrack(ctx, operationID)
	if err == nil {
		return nil
	}

	l, degradedNow := s.degrade(err)
	if !degradedNow {
		return err
	}

	return l.Untrack(ctx, operationID)
}

func (s *Service) currentLedger() ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger
}

// degrade switches to in-memory-only tracking after a persistence failure.
// Recovery after restart becomes best effort; live tracking keeps working.
func (s *Service) degrade(cause error) (ledger.Ledger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return s.ledger, false
	}

	fallback, err := memory.NewLedger(memory.LedgerConfig{Logger: s.logger})
	if err != nil {
		return s.ledger, false
	}

	s.logger.Errorf("Pending-set persistence failed, degrading to in-memory tracking: %s", cause)
	s.ledger = fallback
	s.degraded = true

	return fallback, true
}
