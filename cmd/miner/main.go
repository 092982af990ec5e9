// Package main implements the minelab worker. It fetches templates
// from the coordinator, searches the nonce space with either the
// sequential or the batch engine, and submits candidate solutions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bardlex/minelab/internal/client"
	"github.com/bardlex/minelab/internal/config"
	"github.com/bardlex/minelab/internal/engine"
	"github.com/bardlex/minelab/internal/notify"
	"github.com/bardlex/minelab/internal/registry"
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

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI over the loaded config. Flags override
// environment values.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "miner",
		Short: "Proof-of-work lab worker",
		Long: `A worker for the minelab coordinator. Searches the nonce space for
digests meeting the difficulty target and submits candidates. The
sequential engine walks nonces one at a time; the batch engine scans
contiguous ranges and submits the lowest qualifying nonce.`,
		Run: runWorker,
	}

	rootCmd.Flags().StringVarP(&cfg.CoordinatorURL, "coordinator", "c", cfg.CoordinatorURL, "Coordinator base URL")
	rootCmd.Flags().StringVarP(&cfg.MinerID, "miner-id", "m", cfg.MinerID, "Worker identity (default: hostname-pid)")
	rootCmd.Flags().StringVarP(&cfg.MinerRole, "role", "r", cfg.MinerRole, "Search engine: sequential or batch")
	rootCmd.Flags().IntVarP(&cfg.BatchSize, "batch-size", "b", cfg.BatchSize, "Nonces per batch (batch engine only)")
	rootCmd.Flags().IntVarP(&cfg.RefreshInterval, "refresh", "n", cfg.RefreshInterval, "Refresh every N attempts (sequential) or N batches (batch); 0 disables")
	rootCmd.Flags().StringVar(&cfg.ZMQSubAddr, "zmq-sub", cfg.ZMQSubAddr, "ZMQ endpoint for template-advance notifications (optional)")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	rootCmd.Flags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text")

	return rootCmd
}

// searchEngine is satisfied by both nonce search engines
type searchEngine interface {
	Run(ctx context.Context) error
	Kick()
}

// workerIdentity returns the configured identity, or hostname-pid when
// none is set.
func workerIdentity(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func buildEngine(role registry.Role, coord engine.Coordinator, logger *log.Logger, minerID string) searchEngine {
	if role == registry.RoleBatch {
		return engine.NewBatch(coord, logger, minerID, uint64(cfg.BatchSize), cfg.RefreshInterval)
	}
	return engine.NewSequential(coord, logger, minerID, int64(cfg.RefreshInterval))
}

func runWorker(_ *cobra.Command, _ []string) {
	role := registry.Role(cfg.MinerRole)
	if !registry.ValidRole(role) {
		fmt.Fprintf(os.Stderr, "Error: role must be %q or %q\n", registry.RoleSequential, registry.RoleBatch)
		os.Exit(1)
	}

	minerID := workerIdentity(cfg.MinerID)
	logger := log.New("miner", cfg.Version, cfg.LogLevel, cfg.LogFormat).WithMiner(minerID, string(role))
	logger.Info("starting worker",
		"coordinator", cfg.CoordinatorURL,
		"refresh_interval", cfg.RefreshInterval,
	)

	coord := client.New(cfg.CoordinatorURL, minerID, string(role), logger)

	if role == registry.RoleBatch {
		logger.Info("using batch engine", "batch_size", cfg.BatchSize)
	}
	eng := buildEngine(role, coord, logger, minerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ZMQSubAddr != "" {
		subscriber, err := notify.NewSubscriber(cfg.ZMQSubAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("ZMQ subscriber unavailable, relying on refresh policy")
		} else if err := subscriber.Connect(); err != nil {
			logger.WithError(err).Warn("ZMQ connect failed, relying on refresh policy")
		} else {
			defer func() {
				if err := subscriber.Close(); err != nil {
					logger.WithError(err).Error("failed to close ZMQ subscriber")
				}
			}()
			go func() {
				err := subscriber.Listen(ctx, func(generation uint64) error {
					logger.Debug("template advance notification", "generation", generation)
					eng.Kick()
					return nil
				})
				if err != nil && ctx.Err() == nil {
					logger.WithError(err).Error("ZMQ listener failed")
				}
			}()
		}
	}

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("search loop failed")
		os.Exit(1)
	}

	logger.Info("worker stopped")
}
