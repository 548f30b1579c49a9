package cast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

// StepObserver is invoked synchronously for every terminal step of a cast,
// before any resolution decision. Observers must not block; they may enqueue
// downstream work.
type StepObserver func(completedSteps, totalSteps int, payload model.Event)

// QuoteFunc derives a cost quote for the final payload of a cast. Optional.
type QuoteFunc func(ev model.Event) *model.CostQuote

// Handle is what a caller awaits for the aggregate result of a cast.
type Handle struct {
	castID  string
	resultC chan model.Result
}

// CastID returns the cast id the handle tracks.
func (h *Handle) CastID() string { return h.castID }

// Wait blocks until the cast finalizes or the context is done.
func (h *Handle) Wait(ctx context.Context) (*model.Result, error) {
	select {
	case res := <-h.resultC:
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// castState is the live tracking state of a registered cast.
type castState struct {
	cast     model.Cast
	observer StepObserver
	handle   *Handle
	created  time.Time
}

// CorrelatorConfig is the configuration for the cast correlator.
type CorrelatorConfig struct {
	// Quote, when set, derives the cost quote attached to the final result.
	Quote  QuoteFunc
	Logger log.Logger
}

func (c *CorrelatorConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "cast.Correlator"})
	return nil
}

// Correlator aggregates the terminal signals of a cast's steps into a single
// resolution. Steps dispatch to independent workers and complete in arbitrary
// order; the caller gets one deterministic signal without tracking step order
// itself. It is the single owner of the live cast map.
type Correlator struct {
	mu     sync.Mutex
	casts  map[string]*castState
	quote  QuoteFunc
	logger log.Logger
}

// NewCorrelator creates a new cast correlator.
func NewCorrelator(cfg CorrelatorConfig) (*Correlator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Correlator{
		casts:  make(map[string]*castState),
		quote:  cfg.Quote,
		logger: cfg.Logger,
	}, nil
}

// Register starts tracking a cast of a fixed number of steps and returns the
// handle its caller awaits. The step count is immutable for the life of the
// registration.
func (c *Correlator) Register(castID string, totalSteps int, observer StepObserver) (*Handle, error) {
	if castID == "" {
		return nil, fmt.Errorf("cast id is required: %w", model.ErrNotValid)
	}
	if totalSteps < 1 {
		return nil, fmt.Errorf("total steps must be >= 1: %w", model.ErrNotValid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.casts[castID]; ok {
		return nil, fmt.Errorf("cast %s: %w", castID, model.ErrAlreadyExists)
	}

	st := &castState{
		cast: model.Cast{
			ID:         castID,
			TotalSteps: totalSteps,
			Status:     model.StatusPending,
		},
		observer: observer,
		handle: &Handle{
			castID: castID,
			// Buffered so finalization never blocks on an abandoned handle.
			resultC: make(chan model.Result, 1),
		},
		created: time.Now().UTC(),
	}
	c.casts[castID] = st
	c.logger.Debugf("Registered cast %s with %d steps", castID, totalSteps)

	return st.handle, nil
}

// NotifyStep feeds one step event into a cast. Progressing events are not
// counted and do not reach the observer. Terminal events increment the
// completed count, record the payload as latest and invoke the observer
// synchronously. The cast finalizes the instant a step fails or all steps
// have reported; any later event for the id is a no-op through the
// unknown-id rule.
func (c *Correlator) NotifyStep(castID string, payload model.Event) {
	c.mu.Lock()

	st, ok := c.casts[castID]
	if !ok {
		// Unknown cast: duplicate, late, cancelled or foreign delivery.
		c.mu.Unlock()
		return
	}

	if !payload.Terminal() {
		st.cast.Status = model.StatusProgressing
		c.mu.Unlock()
		return
	}

	st.cast.CompletedSteps++
	st.cast.LatestPayload = &payload
	st.cast.Status = payload.Status

	final := payload.Status == model.StatusFailed || st.cast.CompletedSteps >= st.cast.TotalSteps
	if final {
		delete(c.casts, castID)
	}
	completed, total := st.cast.CompletedSteps, st.cast.TotalSteps
	c.mu.Unlock()

	// Observer runs outside the lock but synchronously within dispatch, and
	// always before the resolution decision takes effect for the caller.
	if st.observer != nil {
		st.observer(completed, total, payload)
	}

	if !final {
		return
	}

	res := model.Result{Event: payload}
	if c.quote != nil {
		res.Quote = c.quote(payload)
	}
	st.handle.resultC <- res

	if payload.Status == model.StatusFailed {
		c.logger.Debugf("Cast %s failed at step %d/%d", castID, completed, total)
	} else {
		c.logger.Debugf("Cast %s completed all %d steps", castID, total)
	}
}

// Cancel removes a cast registration without resolving it. Later NotifyStep
// calls for the id become no-ops.
func (c *Correlator) Cancel(castID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.casts[castID]; ok {
		delete(c.casts, castID)
		c.logger.Debugf("Cancelled cast %s", castID)
	}
}

// Pending returns the number of casts awaiting finalization.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.casts)
}
