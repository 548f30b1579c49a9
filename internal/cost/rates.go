package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castkit/castkit/internal/log"
)

// RatesSource fetches live denomination rates: base-currency → amount
// multipliers keyed by currency code.
type RatesSource interface {
	FetchRates(ctx context.Context) (map[string]float64, error)
}

// ConverterConfig is the configuration for the denomination converter.
type ConverterConfig struct {
	// Static is the fallback rate table used whenever live rates are
	// missing or stale.
	Static map[string]float64
	// Source fetches live rates. Optional: without one the converter is
	// purely static.
	Source RatesSource
	// TTL is how long fetched live rates stay fresh.
	TTL    time.Duration
	Logger log.Logger
}

func (c *ConverterConfig) defaults() error {
	if len(c.Static) == 0 {
		return fmt.Errorf("static rates are required")
	}
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "cost.Converter"})
	return nil
}

// Converter converts a base-currency cost into display denominations using
// live rates while they are fresh and the static fallback table otherwise.
// Convert never blocks on a refresh: a stale table answers immediately and
// the refresh runs in the background.
type Converter struct {
	mu         sync.Mutex
	live       map[string]float64
	fetchedAt  time.Time
	refreshing bool

	static map[string]float64
	source RatesSource
	ttl    time.Duration
	logger log.Logger
}

// NewConverter creates a new denomination converter.
func NewConverter(cfg ConverterConfig) (*Converter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Converter{
		static: cfg.Static,
		source: cfg.Source,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}, nil
}

// Convert returns the base cost expressed in every known denomination.
// Conversions are pure functions of (cost, rates) and are never cached as
// authoritative state.
func (c *Converter) Convert(costBase float64) map[string]float64 {
	rates := c.currentRates()

	out := make(map[string]float64, len(rates))
	for code, rate := range rates {
		out[code] = costBase * rate
	}

	return out
}

func (c *Converter) currentRates() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := c.live != nil && time.Since(c.fetchedAt) < c.ttl
	if fresh {
		return c.live
	}

	// Stale or absent: answer from the static table and refresh in the
	// background, at most one refresh at a time.
	if c.source != nil && !c.refreshing {
		c.refreshing = true
		go c.refresh()
	}

	return c.static
}

func (c *Converter) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rates, err := c.source.FetchRates(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false

	if err != nil {
		// Absence of fresh rates is not an error for callers, the fallback
		// table keeps answering.
		c.logger.Warningf("Could not refresh live rates: %s", err)
		return
	}

	c.live = rates
	c.fetchedAt = time.Now()
	c.logger.Debugf("Refreshed %d live denomination rates", len(rates))
}

// HTTPRatesSource fetches live rates from a JSON endpoint shaped as
// {"rates": {"CODE": multiplier}}.
type HTTPRatesSource struct {
	URL    string
	Client *http.Client
}

// FetchRates satisfies RatesSource.
func (s *HTTPRatesSource) FetchRates(ctx context.Context) (map[string]float64, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates endpoint returned status %d", resp.StatusCode)
	}

	body := struct {
		Rates map[string]float64 `json:"rates"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("could not decode rates: %w", err)
	}
	if len(body.Rates) == 0 {
		return nil, fmt.Errorf("rates endpoint returned no rates")
	}

	return body.Rates, nil
}

// RatesFile is the on-disk layout of the cost configuration.
type RatesFile struct {
	// ResourceRates is the base-currency cost per second per resource class.
	ResourceRates map[string]float64 `yaml:"resource_rates"`
	// DefaultRate is used for unknown resource classes.
	DefaultRate float64 `yaml:"default_rate"`
	// Denominations is the static base → display currency table.
	Denominations map[string]float64 `yaml:"denominations"`
}

// LoadRatesFile reads the cost configuration from a YAML file.
func LoadRatesFile(path string) (*RatesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read rates file: %w", err)
	}

	f := &RatesFile{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("could not parse rates file: %w", err)
	}
	if len(f.Denominations) == 0 {
		return nil, fmt.Errorf("rates file has no denominations")
	}

	return f, nil
}
