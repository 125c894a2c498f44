// Package publish mirrors closed candles, indicator snapshots, and decisions
// to Redis for external dashboards and downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/models"
)

const snapshotTTL = 30 * time.Minute

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes advisor state to Redis. A nil *Publisher is a no-op, so
// callers can run without Redis configured.
type Publisher struct {
	client *redis.Client
}

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("connected to redis at %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

type snapshotPayload struct {
	Asset      string                   `json:"asset"`
	Candle     models.Candle            `json:"candle"`
	Indicators models.IndicatorSnapshot `json:"indicators"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

type candleMessage struct {
	Asset  string        `json:"asset"`
	Candle models.Candle `json:"candle"`
}

// PublishCandle stores the latest snapshot under a TTL key and announces the
// closed candle on the asset's candle channel, in one pipeline.
func (p *Publisher) PublishCandle(ctx context.Context, asset string, candle models.Candle, snap models.IndicatorSnapshot) error {
	if p == nil {
		return nil
	}

	data, err := json.Marshal(snapshotPayload{
		Asset:      asset,
		Candle:     candle,
		Indicators: snap,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	msg, err := json.Marshal(candleMessage{Asset: asset, Candle: candle})
	if err != nil {
		return fmt.Errorf("failed to marshal candle: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, snapshotKey(asset), data, snapshotTTL)
	pipe.Publish(ctx, candleChannel(asset), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish candle: %w", err)
	}
	return nil
}

// PublishDecision announces a recommendation on the asset's decision channel.
func (p *Publisher) PublishDecision(ctx context.Context, dec *models.Decision) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if err := p.client.Publish(ctx, decisionChannel(dec.Asset), data).Err(); err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}
	return nil
}

func snapshotKey(asset string) string {
	return "updown:" + asset + ":snapshot"
}

func candleChannel(asset string) string {
	return "updown:" + asset + ":candles"
}

func decisionChannel(asset string) string {
	return "updown:" + asset + ":decisions"
}
