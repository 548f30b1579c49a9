package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/castkit/castkit/internal/ledger"
	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
	"github.com/castkit/castkit/internal/status"
)

// Tracker is the slice of the tracking service the scheduler needs: the
// single ingest path and the per-context silent-drop clocks.
type Tracker interface {
	Ingest(ctx context.Context, ev model.Event)
	LastOwnerEventAt(ownerContext string) time.Time
}

// Connection reports the push channel link health.
type Connection interface {
	Connected() bool
}

// SchedulerConfig is the configuration for the polling fallback scheduler.
type SchedulerConfig struct {
	// Interval is the fixed scan interval.
	Interval time.Duration
	// Grace is how long an owner context may have in-flight work without any
	// event of its own arriving before polling arms for that context despite
	// a healthy connection.
	Grace time.Duration

	Ledger     ledger.Ledger
	Status     status.Client
	Tracker    Tracker
	Connection Connection
	Logger     log.Logger
}

func (c *SchedulerConfig) defaults() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Status == nil {
		return fmt.Errorf("status client is required")
	}
	if c.Tracker == nil {
		return fmt.Errorf("tracker is required")
	}
	if c.Connection == nil {
		return fmt.Errorf("connection is required")
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.Grace == 0 {
		c.Grace = time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "poller.Scheduler"})
	return nil
}

// Scheduler is the polling fallback for a degraded or silently dropping push
// channel. On a fixed interval it scans contexts with pending records,
// issues one authoritative status fetch per context and feeds terminal
// results through the same ingest path as live events.
type Scheduler struct {
	interval   time.Duration
	grace      time.Duration
	ledger     ledger.Ledger
	status     status.Client
	tracker    Tracker
	connection Connection
	logger     log.Logger

	// ticking guards against a slow sweep overlapping the next tick.
	mu      sync.Mutex
	ticking bool
}

// NewScheduler creates a new polling fallback scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Scheduler{
		interval:   cfg.Interval,
		grace:      cfg.Grace,
		ledger:     cfg.Ledger,
		status:     cfg.Status,
		tracker:    cfg.Tracker,
		connection: cfg.Connection,
		logger:     cfg.Logger,
	}, nil
}

// Run polls until the context is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infof("Polling fallback running every %s", s.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep. It never runs concurrently with itself: an overlap
// with a still-running sweep is skipped and retried next interval.
//
// Polling arms per owner context: only while the context has in-flight work,
// and only when the channel is down or that context's own clock has been
// silent past the grace period. A busy sibling context keeping the link warm
// must not mask a quiet context whose terminal was dropped.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return
	}
	s.ticking = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	owners, err := s.ledger.Owners(ctx)
	if err != nil {
		// Transient: state untouched, retried next tick.
		s.logger.Warningf("Could not list pending owners: %s", err)
		return
	}
	if len(owners) == 0 {
		// Disarmed: nothing in flight anywhere.
		return
	}

	connected := s.connection.Connected()
	for _, owner := range owners {
		if connected && time.Since(s.tracker.LastOwnerEventAt(owner)) <= s.grace {
			// This context heard an event recently, no silent drop.
			continue
		}
		s.sweepOwner(ctx, owner)
	}
}

// sweepOwner issues the one-shot status fetch for one owner context and
// ingests terminal results. Fetch failure leaves state untouched.
func (s *Scheduler) sweepOwner(ctx context.Context, owner string) {
	events, err := s.status.OwnerStatus(ctx, owner)
	if err != nil {
		// Absence of information is not failure.
		s.logger.Warningf("Status fetch for context %s failed, retrying next tick: %s", owner, err)
		return
	}

	for _, ev := range events {
		if !ev.Terminal() {
			continue
		}
		s.logger.Debugf("Poll recovered terminal for operation %s", ev.OperationID)
		s.tracker.Ingest(ctx, ev)
	}
}
