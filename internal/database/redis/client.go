// Package redis keeps the live miner status and share counters in Redis so
// dashboards can read them without talking to the miner.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/internal/jsonx"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to the server named by cfg.URL and pings it
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
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

// StatusKey is where a worker's status snapshot lives
func StatusKey(worker string) string {
	return fmt.Sprintf("miner:%s:status", worker)
}

// CounterKey is the share counter of a worker for one verdict
func CounterKey(worker string, accepted bool) string {
	if accepted {
		return fmt.Sprintf("miner:%s:shares:accepted", worker)
	}
	return fmt.Sprintf("miner:%s:shares:rejected", worker)
}

// HashrateKey holds the recent hash rate samples of one device
func HashrateKey(worker string, device int) string {
	return fmt.Sprintf("miner:%s:hashrate:%d", worker, device)
}

// Status

// SetStatus stores a JSON status snapshot that expires after ttl
func (c *Client) SetStatus(ctx context.Context, worker string, status any, ttl time.Duration) error {
	data, err := jsonx.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := c.rdb.Set(ctx, StatusKey(worker), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// AddHashrate appends a device hash rate sample and trims samples older
// than window.
func (c *Client) AddHashrate(ctx context.Context, worker string, device int, hashrate float64, at time.Time, window time.Duration) error {
	key := HashrateKey(worker, device)
	timestamp := at.Unix()

	// Members must be unique, so the sample carries its timestamp.
	member := redis.Z{
		Score:  float64(timestamp),
		Member: fmt.Sprintf("%d:%g", at.UnixNano(), hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(timestamp-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hashrate: %w", err)
	}
	return nil
}

// AverageHashrate averages the samples of the last window
func (c *Client) AverageHashrate(ctx context.Context, worker string, device int, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, HashrateKey(worker, device), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

// averageSamples parses "<nanos>:<rate>" members and averages the rates
func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		_, rate, ok := strings.Cut(val, ":")
		if !ok {
			continue
		}
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			total += r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
