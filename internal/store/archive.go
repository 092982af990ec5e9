// Package store coordinates the optional archival backends. The
// coordinator keeps its authoritative state in memory; Postgres holds
// the durable generation archive and Redis mirrors live state for
// external readers. Archive failures never affect submission handling.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/minelab/internal/registry"
	"github.com/bardlex/minelab/internal/store/postgres"
	"github.com/bardlex/minelab/internal/store/redis"
	"github.com/bardlex/minelab/pkg/circuit"
	"github.com/bardlex/minelab/pkg/errors"
	"github.com/bardlex/minelab/pkg/log"
	"github.com/bardlex/minelab/pkg/retry"
)

// Archive bundles the archival backends behind one interface
type Archive struct {
	Postgres *postgres.Client
	Redis    *redis.Client

	Generations *postgres.GenerationRepository
	Miners      *postgres.MinerRepository

	logger         *log.Logger
	recentLimit    int64
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds connection settings for the archival backends
type Config struct {
	PostgresURL string
	RedisURL    string
	RecentLimit int
}

// NewArchive connects to Postgres and Redis and ensures the schema
func NewArchive(cfg *Config, logger *log.Logger) (*Archive, error) {
	pgClient, err := postgres.NewClient(cfg.PostgresURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connection",
			"failed to connect to PostgreSQL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pgClient.EnsureSchema(ctx); err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.Error("failed to close PostgreSQL connection during cleanup", "error", closeErr)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_schema",
			"failed to ensure archive schema")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.Error("failed to close PostgreSQL connection during cleanup", "error", closeErr)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
			"failed to connect to Redis")
	}

	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = registry.DefaultRecentLimit
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Archive{
		Postgres:       pgClient,
		Redis:          redisClient,
		Generations:    postgres.NewGenerationRepository(pgClient.DB()),
		Miners:         postgres.NewMinerRepository(pgClient.DB()),
		logger:         logger,
		recentLimit:    int64(recentLimit),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.StorageConfig(),
	}, nil
}

// Close closes all archive connections
func (a *Archive) Close() error {
	var errs []error

	if err := a.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := a.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("archive close errors: %v", errs)
	}

	return nil
}

// Health checks all archive connections
func (a *Archive) Health(ctx context.Context) error {
	if err := a.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := a.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

// ArchiveGeneration persists a closed generation. The Postgres insert
// is the critical write; the Redis mirror is best effort.
func (a *Archive) ArchiveGeneration(ctx context.Context, entry registry.GenerationLogEntry) error {
	return a.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, a.retryConfig, func() error {
			gen := &postgres.Generation{
				Generation: entry.Generation,
				WinnerID:   entry.WinnerID,
				BlockHash:  entry.BlockHash,
				Nonce:      entry.Nonce,
				ClosedAt:   entry.ClosedAt,
			}
			if err := a.Generations.InsertGeneration(ctx, gen); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "archive_generation",
					"failed to archive generation").
					WithContext("generation", entry.Generation).
					WithContext("winner_id", entry.WinnerID)
			}

			if err := a.Redis.AppendGeneration(ctx, entry, a.recentLimit); err != nil {
				a.logger.Warn("failed to mirror generation to Redis", "generation", entry.Generation, "error", err)
			}

			return nil
		})
	})
}

// MirrorTemplate publishes the current template to Redis, best effort
func (a *Archive) MirrorTemplate(ctx context.Context, template any) {
	if err := a.Redis.SetCurrentTemplate(ctx, template); err != nil {
		a.logger.Warn("failed to mirror template to Redis", "error", err)
	}
}

// ArchiveMinerTotals persists accumulated totals for every known miner
func (a *Archive) ArchiveMinerTotals(ctx context.Context, records []registry.MinerRecord) error {
	for _, rec := range records {
		total := &postgres.MinerTotal{
			MinerID:           rec.MinerID,
			Role:              string(rec.Role),
			TotalAttempts:     rec.TotalAttempts,
			AcceptedSolutions: rec.AcceptedSolutions,
			FirstSeen:         rec.FirstSeen,
			LastSeen:          rec.LastSeen,
		}
		if err := a.Miners.UpsertTotals(ctx, total); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "archive_miner_totals",
				"failed to archive miner totals").
				WithContext("miner_id", rec.MinerID)
		}
	}
	return nil
}
