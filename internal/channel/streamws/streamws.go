package streamws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/castkit/castkit/internal/channel"
	"github.com/castkit/castkit/internal/log"
)

// frame is the wire envelope of the platform's push feed. Inbound frames
// carry the event name and the raw payload; outbound frames carry
// subscribe/unsubscribe requests.
type frame struct {
	Action string          `json:"action,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ClientConfig is the configuration for the websocket channel client.
type ClientConfig struct {
	// URL is the websocket endpoint of the push feed.
	URL string
	// ReconnectWait is the pause between reconnection attempts.
	ReconnectWait time.Duration
	Logger        log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "channel.StreamWS"})
	return nil
}

// Client is a websocket implementation of channel.Channel. The connection is
// maintained in the background; subscriptions survive reconnects but the
// feed replays no history, so missed terminals are left to the polling
// fallback and the recovery ledger.
type Client struct {
	url           string
	reconnectWait time.Duration
	logger        log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	handlers  map[string]channel.Handler

	// writeMu serializes frame writes, gorilla allows a single writer.
	writeMu sync.Mutex
}

// NewClient creates a new websocket channel client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		url:           cfg.URL,
		reconnectWait: cfg.ReconnectWait,
		logger:        cfg.Logger,
		handlers:      map[string]channel.Handler{},
	}, nil
}

// Run connects and pumps inbound frames until the context is done,
// reconnecting on failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.connectAndPump(ctx); err != nil {
			c.logger.Warningf("Push channel disconnected: %s", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectWait):
		}
	}
}

// Subscribe registers a handler for an event name and announces the
// subscription upstream when connected.
func (c *Client) Subscribe(ctx context.Context, event string, h channel.Handler) error {
	c.mu.Lock()
	c.handlers[event] = h
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Announced on the next (re)connect.
		return nil
	}

	return c.send(conn, frame{Action: "subscribe", Event: event})
}

// Unsubscribe removes the handler for an event name.
func (c *Client) Unsubscribe(ctx context.Context, event string) error {
	c.mu.Lock()
	delete(c.handlers, event)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return c.send(conn, frame{Action: "unsubscribe", Event: event})
}

// Connected reports the current link health.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *Client) connectAndPump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("could not dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	events := make([]string, 0, len(c.handlers))
	for event := range c.handlers {
		events = append(events, event)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
	}()

	// Re-announce current subscriptions, the feed replays no history.
	for _, event := range events {
		if err := c.send(conn, frame{Action: "subscribe", Event: event}); err != nil {
			return fmt.Errorf("could not subscribe to %s: %w", event, err)
		}
	}
	c.logger.Debugf("Connected to push channel (%d subscriptions)", len(events))

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("could not read frame: %w", err)
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warningf("Dropped undecodable frame: %s", err)
			continue
		}

		c.mu.Lock()
		h, ok := c.handlers[f.Event]
		c.mu.Unlock()
		if !ok {
			continue
		}

		h(ctx, f.Data)
	}
}

func (c *Client) send(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("could not marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("could not write frame: %w", err)
	}

	return nil
}
