// Package influx writes the miner's hash rate and share verdict time series
// to InfluxDB and reads them back for the status API.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names
const (
	MeasurementHashrate = "hashrate"
	MeasurementShares   = "shares"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// WriteShareMetric records one pool verdict
func (c *Client) WriteShareMetric(worker string, accepted bool, reason string, diffFactor float64, at time.Time) {
	c.writeAPI.WritePoint(SharePoint(worker, accepted, reason, diffFactor, at))
}

// WriteHashrateMetric records one scan segment of a device
func (c *Client) WriteHashrateMetric(worker string, device int, hashrate float64, hashes uint64, at time.Time) {
	c.writeAPI.WritePoint(HashratePoint(worker, device, hashrate, hashes, at))
}

// SharePoint builds the shares point
func SharePoint(worker string, accepted bool, reason string, diffFactor float64, at time.Time) *write.Point {
	tags := map[string]string{
		"worker":   worker,
		"accepted": strconv.FormatBool(accepted),
	}
	fields := map[string]any{
		"count":       1,
		"diff_factor": diffFactor,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	return write.NewPoint(MeasurementShares, tags, fields, at)
}

// HashratePoint builds the hashrate point
func HashratePoint(worker string, device int, hashrate float64, hashes uint64, at time.Time) *write.Point {
	tags := map[string]string{
		"worker": worker,
		"device": strconv.Itoa(device),
	}
	fields := map[string]any{
		"hashrate": hashrate,
		"hashes":   hashes,
	}
	return write.NewPoint(MeasurementHashrate, tags, fields, at)
}

// Query methods

// GetHashrateHistory returns the 5 minute mean hash rate of all devices of a
// worker over duration.
func (c *Client) GetHashrateHistory(ctx context.Context, worker string, duration time.Duration) ([]Sample, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
		|> group(columns: ["_time"])
		|> sum()
	`, c.bucket, duration.String(), MeasurementHashrate, worker)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []Sample
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, Sample{Time: record.Time(), Hashrate: value})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// GetShareStats sums the share verdicts of a worker over duration
func (c *Client) GetShareStats(ctx context.Context, worker string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["accepted"])
		|> sum()
	`, c.bucket, duration.String(), MeasurementShares, worker)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			stats.add(record.ValueByKey("accepted") == "true", count)
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Data structures

// Sample is a hash rate at a point in time
type Sample struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents aggregated share verdicts
type ShareStats struct {
	TotalShares    int64   `json:"total_shares"`
	AcceptedShares int64   `json:"accepted_shares"`
	RejectedShares int64   `json:"rejected_shares"`
	AcceptedPct    float64 `json:"accepted_percent"`
}

func (s *ShareStats) add(accepted bool, count int64) {
	if accepted {
		s.AcceptedShares += count
	} else {
		s.RejectedShares += count
	}
	s.TotalShares = s.AcceptedShares + s.RejectedShares
	if s.TotalShares > 0 {
		s.AcceptedPct = float64(s.AcceptedShares) / float64(s.TotalShares) * 100
	}
}
