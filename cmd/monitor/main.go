// Package main implements the minelab monitor. It polls the
// coordinator's stats contract read-only, logs a rolling summary, and
// forwards snapshots to InfluxDB and Kafka for dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/minelab/internal/client"
	"github.com/bardlex/minelab/internal/config"
	"github.com/bardlex/minelab/internal/messaging"
	"github.com/bardlex/minelab/internal/protocol"
	"github.com/bardlex/minelab/internal/store/influx"
	"github.com/bardlex/minelab/pkg/log"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Proof-of-work lab monitor",
		Long: `Polls the coordinator stats endpoint and reports progress. Snapshots
are logged and, when InfluxDB or Kafka are configured, forwarded for
dashboard consumption. The monitor is read-only and never interferes
with the submission path.`,
		Run: runMonitor,
	}

	rootCmd.Flags().StringVarP(&cfg.CoordinatorURL, "coordinator", "c", cfg.CoordinatorURL, "Coordinator base URL")
	rootCmd.Flags().DurationVarP(&cfg.PollInterval, "interval", "i", cfg.PollInterval, "Polling interval")
	rootCmd.Flags().StringVar(&cfg.InfluxURL, "influx-url", cfg.InfluxURL, "InfluxDB URL (empty disables metrics)")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	rootCmd.Flags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMonitor(_ *cobra.Command, _ []string) {
	logger := log.New("monitor", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting monitor",
		"coordinator", cfg.CoordinatorURL,
		"interval", cfg.PollInterval,
	)

	// No miner identity: the monitor must never register itself, so a
	// template fetch carries no miner_id and no role.
	coord := client.New(cfg.CoordinatorURL, "", "", logger)

	var metrics *influx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" {
		var err error
		metrics, err = influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, logging only")
			metrics = nil
		} else {
			defer metrics.Close()
		}
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := &Monitor{
		logger:  logger.WithComponent("monitor"),
		coord:   coord,
		metrics: metrics,
		kafka:   kafkaClient,
	}

	go mon.consumeGenerations(ctx, cfg.KafkaGroupID)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("monitor stopped")
			return
		case <-ticker.C:
			mon.poll(ctx)
		}
	}
}

// Monitor polls the coordinator and fans snapshots out to sinks
type Monitor struct {
	logger  *log.Logger
	coord   *client.Coordinator
	metrics *influx.Client
	kafka   *messaging.KafkaClient

	lastAttempts map[string]int64
	lastPoll     time.Time

	// Touched only by the consumer goroutine.
	lastClosedAt int64
}

// closeInterval derives the close interval in milliseconds from
// consecutive event timestamps. The first event reports zero.
func (m *Monitor) closeInterval(event protocol.GenerationClosedEvent) float64 {
	prev := m.lastClosedAt
	m.lastClosedAt = event.ClosedAt
	if prev == 0 || event.ClosedAt < prev {
		return 0
	}
	return float64(event.ClosedAt - prev)
}

func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := m.coord.FetchStats(pollCtx)
	if err != nil {
		m.logger.WithError(err).Warn("stats fetch failed")
		return
	}

	m.logger.Info("lab snapshot",
		"generation", stats.CurrentGeneration,
		"miners", len(stats.Miners),
		"accepted", stats.AcceptedTotal,
		"rejected_stale", stats.RejectedStaleTotal,
		"rejected_invalid", stats.RejectedInvalidTotal,
		"avg_close_ms", stats.AvgCloseMs,
		"last_close_ms", stats.LastCloseMs,
	)

	now := time.Now()
	if m.metrics != nil {
		m.metrics.WriteLabStatsMetric(
			stats.CurrentGeneration,
			stats.AcceptedTotal,
			stats.RejectedStaleTotal,
			stats.RejectedInvalidTotal,
			stats.AvgCloseMs,
			stats.LastCloseMs,
			int64(len(stats.Miners)),
		)
		for _, miner := range stats.Miners {
			m.metrics.WriteMinerMetric(
				miner.MinerID,
				miner.Role,
				miner.TotalAttempts,
				miner.AcceptedSolutions,
				m.hashrate(miner, now),
			)
		}
	}
	m.remember(stats, now)

	key := strconv.FormatUint(stats.CurrentGeneration, 10)
	if err := m.kafka.PublishJSON(pollCtx, messaging.TopicStats, key, stats); err != nil {
		m.logger.WithError(err).Warn("failed to publish snapshot")
	}
}

// consumeGenerations tails the generation-closed topic so closures are
// reported as they happen, between stats polls.
func (m *Monitor) consumeGenerations(ctx context.Context, groupID string) {
	reader := m.kafka.GetConsumer(messaging.TopicGenerations, groupID)

	for {
		var event protocol.GenerationClosedEvent
		if _, err := m.kafka.ConsumeJSON(ctx, reader, &event); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("generation consumer read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		m.logger.LogGenerationClosed(event.Generation, event.WinnerID, event.BlockHash)
		if m.metrics != nil {
			m.metrics.WriteGenerationMetric(event.Generation, event.WinnerID, event.BlockHash, m.closeInterval(event))
		}
	}
}

// hashrate estimates attempts per second from the delta since the
// previous poll. The first sighting of a miner reports zero.
func (m *Monitor) hashrate(miner protocol.MinerStats, now time.Time) float64 {
	if m.lastAttempts == nil || m.lastPoll.IsZero() {
		return 0
	}
	prev, seen := m.lastAttempts[miner.MinerID]
	if !seen || miner.TotalAttempts < prev {
		return 0
	}
	elapsed := now.Sub(m.lastPoll).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(miner.TotalAttempts-prev) / elapsed
}

func (m *Monitor) remember(stats *protocol.StatsResponse, now time.Time) {
	attempts := make(map[string]int64, len(stats.Miners))
	for _, miner := range stats.Miners {
		attempts[miner.MinerID] = miner.TotalAttempts
	}
	m.lastAttempts = attempts
	m.lastPoll = now
}
