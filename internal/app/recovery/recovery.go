package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/castkit/castkit/internal/ledger"
	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
	"github.com/castkit/castkit/internal/status"
)

// Tracker is the slice of the tracking service recovery feeds.
type Tracker interface {
	Ingest(ctx context.Context, ev model.Event)
}

// ServiceConfig is the configuration for the recovery service.
type ServiceConfig struct {
	Ledger  ledger.Ledger
	Status  status.Client
	Tracker Tracker
	Logger  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Status == nil {
		return fmt.Errorf("status client is required")
	}
	if c.Tracker == nil {
		return fmt.Errorf("tracker is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Recovery"})
	return nil
}

// Service seeds tracking from the pending records that survived a reload.
// The push channel replays no history to reconnecting clients, so every
// surviving record gets a one-shot status query: already-terminal results
// resolve and untrack immediately instead of waiting for an event that will
// never be replayed.
type Service struct {
	ledger  ledger.Ledger
	status  status.Client
	tracker Tracker
	logger  log.Logger
}

// NewService creates a new recovery service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		ledger:  cfg.Ledger,
		status:  cfg.Status,
		tracker: cfg.Tracker,
		logger:  cfg.Logger,
	}, nil
}

// Report summarizes one recovery pass.
type Report struct {
	// Seeded is how many surviving records were found.
	Seeded int
	// Resolved is how many were already terminal and resolved immediately.
	Resolved int
	// Remaining stayed in flight, covered by the channel and the poller.
	Remaining int
}

// Run performs the recovery pass. It is best effort: a failing status query
// leaves the record in place for the polling fallback, and recovery errors
// never block live tracking.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	records, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list surviving records: %w", err)
	}

	report := &Report{Seeded: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	s.logger.Infof("Recovering %d pending operations from previous run", len(records))

	for _, record := range records {
		ev, err := s.status.OperationStatus(ctx, record.OperationID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				// The server no longer knows the operation, the record is
				// unrecoverable noise.
				s.logger.Warningf("Operation %s unknown to server, dropping record", record.OperationID)
				if err := s.ledger.Untrack(ctx, record.OperationID); err != nil {
					s.logger.Warningf("Could not untrack %s: %s", record.OperationID, err)
				}
				continue
			}

			// Transient: the poller keeps covering this record.
			s.logger.Warningf("Status query for %s failed, leaving to polling fallback: %s", record.OperationID, err)
			report.Remaining++
			continue
		}

		if ev.Terminal() {
			s.tracker.Ingest(ctx, *ev)
			report.Resolved++
			continue
		}

		report.Remaining++
	}

	s.logger.Infof("Recovery done: %d resolved, %d still in flight", report.Resolved, report.Remaining)

	return report, nil
}
