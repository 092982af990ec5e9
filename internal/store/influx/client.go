// Package influx provides time-series metrics storage for the lab.
// The monitor writes aggregate snapshots and per-miner hashrate here.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
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

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Lab metrics

// WriteMinerMetric writes per-miner attempt and acceptance totals
func (c *Client) WriteMinerMetric(minerID, role string, totalAttempts, acceptedSolutions int64, hashrate float64) {
	tags := map[string]string{
		"miner_id": minerID,
		"role":     role,
	}

	fields := map[string]interface{}{
		"total_attempts":     totalAttempts,
		"accepted_solutions": acceptedSolutions,
		"hashrate":           hashrate,
	}

	point := write.NewPoint("miners", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteLabStatsMetric writes the aggregate coordinator snapshot
func (c *Client) WriteLabStatsMetric(currentGeneration uint64, accepted, rejectedStale, rejectedInvalid int64, avgCloseMs, lastCloseMs float64, activeMiners int64) {
	fields := map[string]interface{}{
		"current_generation": int64(currentGeneration),
		"accepted":           accepted,
		"rejected_stale":     rejectedStale,
		"rejected_invalid":   rejectedInvalid,
		"avg_close_ms":       avgCloseMs,
		"last_close_ms":      lastCloseMs,
		"active_miners":      activeMiners,
	}

	point := write.NewPoint("lab_stats", map[string]string{}, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteGenerationMetric writes a generation-closed event
func (c *Client) WriteGenerationMetric(generation uint64, winnerID, blockHash string, closeMs float64) {
	tags := map[string]string{
		"winner_id": winnerID,
		"hash":      blockHash,
	}

	fields := map[string]interface{}{
		"generation": int64(generation),
		"close_ms":   closeMs,
		"count":      1,
	}

	point := write.NewPoint("generations", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Query methods

// GetMinerHashrateHistory retrieves hashrate history for one miner
func (c *Client) GetMinerHashrateHistory(ctx context.Context, minerID string, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "miners")
		|> filter(fn: (r) => r.miner_id == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 1m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), minerID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// GetGenerationCount retrieves the number of closed generations in a window
func (c *Client) GetGenerationCount(ctx context.Context, duration time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "generations")
		|> filter(fn: (r) => r._field == "count")
		|> group()
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query generation count: %w", err)
	}
	defer func() { _ = result.Close() }()

	if result.Next() {
		if count, ok := result.Record().Value().(int64); ok {
			return count, nil
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return 0, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}
