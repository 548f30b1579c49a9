package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

// Client is the one-shot authoritative status query contract used by startup
// recovery and the polling fallback. Results have the same shape as pushed
// events so both feed the same result-handling code path.
type Client interface {
	// OperationStatus returns the current status event of one operation.
	OperationStatus(ctx context.Context, operationID string) (*model.Event, error)
	// OwnerStatus returns the current status events of every in-flight
	// operation owned by a context.
	OwnerStatus(ctx context.Context, ownerContext string) ([]model.Event, error)
}

// HTTPClientConfig is the configuration for the HTTP status client.
type HTTPClientConfig struct {
	// BaseURL is the root of the platform status API.
	BaseURL string
	Client  *http.Client
	Logger  log.Logger
}

func (c *HTTPClientConfig) defaults() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "status.HTTPClient"})
	return nil
}

// HTTPClient queries the platform status API over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  log.Logger
}

// NewHTTPClient creates a new HTTP status client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}, nil
}

// OperationStatus satisfies Client.
func (c *HTTPClient) OperationStatus(ctx context.Context, operationID string) (*model.Event, error) {
	u := fmt.Sprintf("%s/operations/%s/status", c.baseURL, url.PathEscape(operationID))

	var ev model.Event
	if err := c.getJSON(ctx, u, &ev); err != nil {
		return nil, err
	}

	return &ev, nil
}

// OwnerStatus satisfies Client.
func (c *HTTPClient) OwnerStatus(ctx context.Context, ownerContext string) ([]model.Event, error) {
	u := fmt.Sprintf("%s/contexts/%s/status", c.baseURL, url.PathEscape(ownerContext))

	body := struct {
		Events []model.Event `json:"events"`
	}{}
	if err := c.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}

	return body.Events, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not query status: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("status query: %w", model.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("status endpoint returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode status: %w", err)
	}

	return nil
}
