package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/castkit/castkit/internal/log"
	"github.com/castkit/castkit/internal/model"
)

const (
	// EventProgress is the push-channel event name for progress messages.
	EventProgress = "job.progress"
	// EventTerminal is the push-channel event name for terminal messages.
	EventTerminal = "job.terminal"
)

// Handler handles one raw message of a subscribed event type.
type Handler func(ctx context.Context, raw []byte)

// Channel is the push transport contract: subscribe and unsubscribe by event
// name. Implementations own reconnection; Connected reports the current
// link health for the polling fallback.
type Channel interface {
	Subscribe(ctx context.Context, event string, h Handler) error
	Unsubscribe(ctx context.Context, event string) error
	Connected() bool
}

// Ingestor is where demultiplexed events land. Implemented by the tracking
// service.
type Ingestor interface {
	Ingest(ctx context.Context, ev model.Event)
}

// AdapterConfig is the configuration for the channel adapter.
type AdapterConfig struct {
	Channel  Channel
	Ingestor Ingestor
	Logger   log.Logger
}

func (c *AdapterConfig) defaults() error {
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.Ingestor == nil {
		return fmt.Errorf("ingestor is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "channel.Adapter"})
	return nil
}

// Adapter subscribes to the push-channel event types and demultiplexes
// messages into the tracking service. Routing rules: a message carrying a
// cast id belongs to the cast correlator, one carrying only an operation id
// to the operation registry, never both; messages owned by an unrelated
// background batch are dropped before reaching either tracker.
type Adapter struct {
	channel  Channel
	ingestor Ingestor
	logger   log.Logger
}

// NewAdapter creates a new channel adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		channel:  cfg.Channel,
		ingestor: cfg.Ingestor,
		logger:   cfg.Logger,
	}, nil
}

// Start subscribes to the progress and terminal event types.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.channel.Subscribe(ctx, EventProgress, a.handleMessage); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", EventProgress, err)
	}
	if err := a.channel.Subscribe(ctx, EventTerminal, a.handleMessage); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", EventTerminal, err)
	}

	a.logger.Debugf("Subscribed to push channel events")
	return nil
}

// Stop unsubscribes from the push channel.
func (a *Adapter) Stop(ctx context.Context) error {
	if err := a.channel.Unsubscribe(ctx, EventProgress); err != nil {
		return fmt.Errorf("could not unsubscribe from %s: %w", EventProgress, err)
	}
	if err := a.channel.Unsubscribe(ctx, EventTerminal); err != nil {
		return fmt.Errorf("could not unsubscribe from %s: %w", EventTerminal, err)
	}

	return nil
}

// handleMessage decodes and routes one raw channel message.
func (a *Adapter) handleMessage(ctx context.Context, raw []byte) {
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		// Diagnostics only, a broken frame is never an operation failure.
		a.logger.Warningf("Dropped malformed channel message: %s", err)
		return
	}

	if ev.OperationID == "" && ev.CastID == "" {
		a.logger.Warningf("Dropped channel message without correlation id")
		return
	}

	// A batch-owner id without a cast id marks a message of an unrelated
	// background batch process.
	if ev.BatchOwnerID != "" && ev.CastID == "" {
		a.logger.Debugf("Dropped batch-owned message for %s", ev.BatchOwnerID)
		return
	}

	a.ingestor.Ingest(ctx, ev)
}
