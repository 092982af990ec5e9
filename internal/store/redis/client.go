// Package redis mirrors live coordinator state into Redis. Dashboards
// and external tooling read the current template, counters, and the
// recent generation log without touching the coordinator's hot path.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyCurrentTemplate = "minelab:current_template"
	keyGenerationLog   = "minelab:generations"
	counterPrefix      = "minelab:counter:"
)

// Client wraps Redis operations for the lab
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client from a redis:// URL
func NewClient(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Template mirror

// SetCurrentTemplate stores the current template
func (c *Client) SetCurrentTemplate(ctx context.Context, template any) error {
	jsonData, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	if err := c.rdb.Set(ctx, keyCurrentTemplate, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current template: %w", err)
	}

	return nil
}

// GetCurrentTemplate retrieves the mirrored template
func (c *Client) GetCurrentTemplate(ctx context.Context, dest any) error {
	jsonData, err := c.rdb.Get(ctx, keyCurrentTemplate).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("no current template")
		}
		return fmt.Errorf("failed to get current template: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal template: %w", err)
	}

	return nil
}

// Generation log

// AppendGeneration pushes a closed generation onto the log, keeping the
// newest limit entries
func (c *Client) AppendGeneration(ctx context.Context, entry any, limit int64) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal generation entry: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, keyGenerationLog, jsonData)
	pipe.LTrim(ctx, keyGenerationLog, 0, limit-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append generation: %w", err)
	}

	return nil
}

// RecentGenerations returns up to n log entries, newest first
func (c *Client) RecentGenerations(ctx context.Context, n int64) ([]string, error) {
	values, err := c.rdb.LRange(ctx, keyGenerationLog, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read generation log: %w", err)
	}
	return values, nil
}

// Counters

// IncrementCounter increments a named submission counter
func (c *Client) IncrementCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Incr(ctx, counterPrefix+name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return val, nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, counterPrefix+name).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Miner presence

// TouchMiner records a miner heartbeat with expiration
func (c *Client) TouchMiner(ctx context.Context, minerID string, ttl time.Duration) error {
	key := fmt.Sprintf("minelab:miner:%s", minerID)
	if err := c.rdb.Set(ctx, key, time.Now().UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to touch miner: %w", err)
	}
	return nil
}
