// Package database coordinates the optional telemetry stores: Redis for the
// live status and counters, InfluxDB for time series.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const (
	counterTTL     = 7 * 24 * time.Hour
	hashrateWindow = 15 * time.Minute
	flushInterval  = 10 * time.Second
)

// Manager holds whichever stores are configured. A nil store is disabled.
type Manager struct {
	Redis  *redis.Client
	Influx *influx.Client

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for the stores; a nil entry disables a store
type Config struct {
	Redis  *redis.Config
	Influx *influx.Config
}

// NewManager connects the configured stores. A store that cannot be reached
// is logged and left disabled.
func NewManager(cfg *Config, logger *log.Logger) *Manager {
	m := &Manager{
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
		logger:      logger.WithComponent("database"),
	}

	if cfg.Redis != nil {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			m.logger.WithError(errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis")).Warn("redis sink disabled")
		} else {
			m.Redis = client
			m.logger.Info("connected to Redis")
		}
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(cfg.Influx)
		if err != nil {
			m.logger.WithError(errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB")).Warn("influx sink disabled")
		} else {
			m.Influx = client
			m.logger.Info("connected to InfluxDB", "bucket", cfg.Influx.Bucket)
		}
	}

	return m
}

// Enabled reports whether any store is connected
func (m *Manager) Enabled() bool {
	return m.Redis != nil || m.Influx != nil
}

// Close closes all connected stores
func (m *Manager) Close() error {
	var errs []error

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the connected stores
func (m *Manager) Health(ctx context.Context) error {
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// redisDo runs fn under the breaker and the network retry policy
func (m *Manager) redisDo(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return m.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, op, "redis operation failed")
			}
			return nil
		})
	})
}

// RecordShare writes a verdict to both stores
func (m *Manager) RecordShare(ctx context.Context, worker string, ev stats.ShareEvent) error {
	if m.Influx != nil {
		m.Influx.WriteShareMetric(worker, ev.Accepted, ev.Reason, ev.DiffFactor, ev.Time)
	}
	if m.Redis == nil {
		return nil
	}
	return m.redisDo(ctx, "record_share", func(ctx context.Context) error {
		_, err := m.Redis.IncrementCounter(ctx, redis.CounterKey(worker, ev.Accepted), counterTTL)
		return err
	})
}

// RecordHashrate writes a scan segment rate to both stores
func (m *Manager) RecordHashrate(ctx context.Context, worker string, ev stats.HashrateEvent) error {
	if m.Influx != nil {
		m.Influx.WriteHashrateMetric(worker, ev.Worker, ev.Hashrate, ev.Hashes, ev.Time)
	}
	if m.Redis == nil {
		return nil
	}
	return m.redisDo(ctx, "record_hashrate", func(ctx context.Context) error {
		return m.Redis.AddHashrate(ctx, worker, ev.Worker, ev.Hashrate, ev.Time, hashrateWindow)
	})
}

// StoreStatus saves the status snapshot of a worker in Redis
func (m *Manager) StoreStatus(ctx context.Context, worker string, status any, ttl time.Duration) error {
	if m.Redis == nil {
		return nil
	}
	return m.redisDo(ctx, "store_status", func(ctx context.Context) error {
		return m.Redis.SetStatus(ctx, worker, status, ttl)
	})
}

// History is the telemetry the sinks hold about a worker over a window.
type History struct {
	Window   string             `json:"window"`
	Accepted int64              `json:"accepted"`
	Rejected int64              `json:"rejected"`
	Devices  []float64          `json:"device_hashrates,omitempty"`
	Shares   *influx.ShareStats `json:"shares,omitempty"`
	Samples  []influx.Sample    `json:"samples,omitempty"`
}

// History reads counters and averaged device rates from Redis and the share
// and hash rate series from InfluxDB. Disabled stores leave their fields empty.
func (m *Manager) History(ctx context.Context, worker string, devices int, window time.Duration) (*History, error) {
	h := &History{Window: window.String()}

	if m.Redis != nil {
		err := m.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			if h.Accepted, err = m.Redis.GetCounter(ctx, redis.CounterKey(worker, true)); err != nil {
				return err
			}
			if h.Rejected, err = m.Redis.GetCounter(ctx, redis.CounterKey(worker, false)); err != nil {
				return err
			}
			h.Devices = make([]float64, devices)
			for i := range h.Devices {
				if h.Devices[i], err = m.Redis.AverageHashrate(ctx, worker, i, window); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "history", "failed to read Redis history")
		}
	}

	if m.Influx != nil {
		var err error
		if h.Shares, err = m.Influx.GetShareStats(ctx, worker, window); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "history", "failed to read share series")
		}
		if h.Samples, err = m.Influx.GetHashrateHistory(ctx, worker, window); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "history", "failed to read hashrate series")
		}
	}

	return h, nil
}

// StartPeriodicTasks flushes InfluxDB writes and logs asynchronous write
// errors until ctx ends.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		errs := m.Influx.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			case err := <-errs:
				m.logger.WithError(err).Warn("influx write failed")
			}
		}
	}()
}
