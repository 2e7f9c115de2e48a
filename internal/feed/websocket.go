// Package feed streams live market bars over a WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/pkg/logger"
)

const barsChannelSuffix = "-bars"

// Config configures a WebSocketClient.
type Config struct {
	URL    string
	Symbol string
	// MaxRetries bounds consecutive failed dials. Zero retries forever.
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// WebSocketClient subscribes to "<symbol>-bars" and decodes frames of the
// form ["<symbol>-bars", {bar}] into market events. Lost connections are
// re-dialed with exponential backoff.
type WebSocketClient struct {
	cfg      Config
	dialer   *websocket.Dialer
	connects atomic.Int64
}

// NewWebSocketClient creates a new WebSocketClient.
func NewWebSocketClient(cfg Config) *WebSocketClient {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// Connections returns how many connections were established so far.
func (c *WebSocketClient) Connections() int64 {
	return c.connects.Load()
}

func (c *WebSocketClient) channel() string {
	return c.cfg.Symbol + barsChannelSuffix
}

// Stream runs the client until ctx is cancelled or dialing gives up. Both
// channels are closed on return; cancellation is not reported as an error.
func (c *WebSocketClient) Stream(ctx context.Context) (<-chan marketdata.Event, <-chan error) {
	out := make(chan marketdata.Event)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if err := c.run(ctx, out); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (c *WebSocketClient) run(ctx context.Context, out chan<- marketdata.Event) error {
	failures := 0
	backoff := c.cfg.InitialBackoff
	for {
		logger.Infof("Attempting to connect to %s", c.cfg.URL)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if c.cfg.MaxRetries > 0 && failures > c.cfg.MaxRetries {
				return fmt.Errorf("failed to connect after %d attempts: %w", failures, err)
			}
			logger.Errorf("Dial error (attempt %d): %v. Retrying in %v...", failures, err, backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		failures = 0
		backoff = c.cfg.InitialBackoff
		c.connects.Add(1)
		logger.Infof("Successfully connected to %s", c.cfg.URL)

		err = c.consume(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Errorf("Connection lost: %v. Reconnecting in %v...", err, backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

type subscriptionMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func (c *WebSocketClient) consume(ctx context.Context, conn *websocket.Conn, out chan<- marketdata.Event) error {
	logger.Infof("Subscribing to channel: %s", c.channel())
	if err := conn.WriteJSON(subscriptionMessage{Type: "subscribe", Channel: c.channel()}); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel(), err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingInterval/2)); err != nil {
					logger.Errorf("Ping error: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		ev, err := c.decode(message)
		if err != nil {
			logger.Warnf("Skipping frame: %v", err)
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errNotChannelFrame = errors.New("not a 2-element channel frame")

// decode returns nil for frames on other channels.
func (c *WebSocketClient) decode(message []byte) (*marketdata.Event, error) {
	var msgArray []json.RawMessage
	if err := json.Unmarshal(message, &msgArray); err != nil || len(msgArray) != 2 {
		return nil, fmt.Errorf("%w: %s", errNotChannelFrame, message)
	}
	var channelName string
	if err := json.Unmarshal(msgArray[0], &channelName); err != nil {
		return nil, fmt.Errorf("channel name: %w", err)
	}
	if channelName != c.channel() {
		logger.Debugf("Ignoring message for channel %s", channelName)
		return nil, nil
	}
	var ev marketdata.Event
	if err := json.Unmarshal(msgArray[1], &ev); err != nil {
		return nil, fmt.Errorf("bar for channel %s: %w", channelName, err)
	}
	if ev.Symbol == "" {
		ev.Symbol = c.cfg.Symbol
	}
	if ev.Timestamp.IsZero() {
		return nil, fmt.Errorf("bar for channel %s has no timestamp", channelName)
	}
	if !ev.Finite() {
		return nil, fmt.Errorf("bar for channel %s has non-finite values", channelName)
	}
	return &ev, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
