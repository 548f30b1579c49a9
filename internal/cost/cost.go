package cost

import (
	"fmt"

	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

// RateTable maps a resource class label to its base-currency cost per second
// of compute. It is a pure lookup supplied by the caller.
type RateTable map[string]float64

// ReconcilerConfig is the configuration for the cost reconciler.
type ReconcilerConfig struct {
	// Rates is the per-second rate per resource class used when the server
	// did not report an authoritative cost.
	Rates RateTable
	// DefaultRate is used for unknown resource classes.
	DefaultRate float64
	// Converter converts a base-currency cost into display denominations.
	Converter *Converter
	Logger    log.Logger
}

func (c *ReconcilerConfig) defaults() error {
	if c.Converter == nil {
		return fmt.Errorf("converter is required")
	}
	if c.Rates == nil {
		c.Rates = RateTable{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "cost.Reconciler"})
	return nil
}

// Reconciler derives a base-currency cost from a terminal event and converts
// it to display denominations. It is pure and idempotent: quoting the same
// terminal event twice yields the same result and has no side effects beyond
// the converter's background rate refresh.
type Reconciler struct {
	rates       RateTable
	defaultRate float64
	converter   *Converter
	logger      log.Logger
}

// NewReconciler creates a new cost reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Reconciler{
		rates:       cfg.Rates,
		defaultRate: cfg.DefaultRate,
		converter:   cfg.Converter,
		logger:      cfg.Logger,
	}, nil
}

// Quote derives the cost quote for a terminal event. An authoritative server
// cost is used verbatim; otherwise the cost is estimated from the reported
// duration and the resource class rate.
func (r *Reconciler) Quote(ev model.Event) *model.CostQuote {
	q := &model.CostQuote{}

	if ev.CostBase != nil {
		q.CostBase = *ev.CostBase
	} else {
		q.CostBase = float64(ev.DurationMs) / 1000 * r.rateFor(ev.ResourceClass)
		q.Estimated = true
	}

	q.Denominations = r.converter.Convert(q.CostBase)

	return q
}

func (r *Reconciler) rateFor(resourceClass string) float64 {
	if rate, ok := r.rates[resourceClass]; ok {
		return rate
	}
	return r.defaultRate
}
