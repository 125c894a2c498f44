// Package feed ingests real-time Chainlink prices from the Polymarket RTDS
// websocket and tracks feed liveness.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/models"
)

const priceTopic = "crypto_prices_chainlink"

// Config holds configuration for the RTDS price stream.
type Config struct {
	// URL of the RTDS websocket, e.g. "wss://ws-live-data.polymarket.com".
	URL string

	// Symbol is the Chainlink pair to subscribe to, e.g. "btc/usd".
	Symbol string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// RecentTicks bounds the liveness diagnostics window. Defaults to 16.
	RecentTicks int
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.RecentTicks == 0 {
		c.RecentTicks = 16
	}
}

// subscribeRequest is the RTDS subscription frame.
type subscribeRequest struct {
	Action  string            `json:"action"`
	Topic   string            `json:"topic"`
	Filters map[string]string `json:"filters"`
}

// envelope is one RTDS push message. Messages for other topics arrive on
// the same socket and are ignored.
type envelope struct {
	Topic string      `json:"topic"`
	Data  priceUpdate `json:"data"`
}

type priceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     flexFloat `json:"price"`
	Timestamp string    `json:"timestamp"`
}

// flexFloat tolerates prices arriving as JSON numbers or numeric strings;
// the feed has been observed sending both.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("non-numeric price %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// Client streams price ticks for one symbol into a channel, reconnecting
// with exponential backoff. Decoded ticks never block the socket reader:
// when the consumer channel is full the tick is dropped and counted.
type Client struct {
	cfg    Config
	health *Health

	dropped    atomic.Uint64
	reconnects atomic.Uint64

	// Optional hook, called after each disconnect before redialing.
	OnReconnect func()
}

// New creates a feed client. Returns an error if the URL is unparseable
// or the symbol is empty.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Symbol == "" {
		return nil, errors.New("feed symbol must not be empty")
	}
	cfg.Symbol = strings.ToLower(cfg.Symbol)
	return &Client{cfg: cfg, health: NewHealth(cfg.RecentTicks)}, nil
}

// Health exposes the liveness tracker fed by this client.
func (c *Client) Health() *Health {
	return c.health
}

// Dropped reports how many decoded ticks were discarded because the
// consumer channel was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Reconnects reports how many reconnection attempts have been made.
func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

// Run connects to the RTDS websocket and streams ticks into tickCh.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect,
// doubling the delay between attempts up to MaxReconnectDelay; the delay
// resets once a connection is established.
func (c *Client) Run(ctx context.Context, tickCh chan<- models.Tick) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dialed, err := c.runOnce(ctx, tickCh)
		if err == nil {
			return nil
		}
		if dialed {
			delay = c.cfg.ReconnectDelay
		}

		logger.Warn("Feed disconnected (%v), reconnecting in %s", err, delay)
		c.reconnects.Add(1)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt, subscribes, and reads until
// disconnect or ctx cancel. dialed reports whether the connection was
// established so the caller can reset its backoff.
func (c *Client) runOnce(ctx context.Context, tickCh chan<- models.Tick) (dialed bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sub := subscribeRequest{
		Action:  "subscribe",
		Topic:   priceTopic,
		Filters: map[string]string{"symbol": c.cfg.Symbol},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return true, fmt.Errorf("failed to subscribe: %w", err)
	}
	logger.Info("Subscribed to %s for %s", priceTopic, c.cfg.Symbol)

	// Context watcher closes the connection so the blocked read returns.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		var msg envelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("Invalid feed message: %v", err)
			continue
		}
		if msg.Topic != priceTopic || strings.ToLower(msg.Data.Symbol) != c.cfg.Symbol {
			continue
		}
		if msg.Data.Price <= 0 {
			logger.Warn("Discarding non-positive price %v for %s", float64(msg.Data.Price), msg.Data.Symbol)
			continue
		}

		tick := models.Tick{
			Timestamp: parseTickTime(msg.Data.Timestamp),
			Price:     float64(msg.Data.Price),
		}
		c.health.Observe(tick, time.Now())

		select {
		case tickCh <- tick:
		default:
			c.dropped.Add(1)
			logger.Warn("Tick channel full, dropping tick at %s", tick.Timestamp.Format(time.RFC3339))
		}
	}
}

// parseTickTime falls back to receive time when the feed omits or mangles
// the timestamp; the price is still worth keeping.
func parseTickTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
