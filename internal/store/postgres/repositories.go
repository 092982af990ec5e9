package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// GenerationRepository handles generation archive operations
type GenerationRepository struct {
	db *sql.DB
}

// NewGenerationRepository creates a new generation repository
func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// InsertGeneration archives a closed generation
func (r *GenerationRepository) InsertGeneration(ctx context.Context, gen *Generation) error {
	query := `
		INSERT INTO generations (generation, winner_id, block_hash, nonce, closed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (generation) DO NOTHING`

	// Nonce goes through NUMERIC to keep the full uint64 range.
	_, err := r.db.ExecContext(ctx, query,
		int64(gen.Generation), gen.WinnerID, gen.BlockHash,
		strconv.FormatUint(gen.Nonce, 10), gen.ClosedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert generation: %w", err)
	}

	return nil
}

// GetByGeneration retrieves one archived generation
func (r *GenerationRepository) GetByGeneration(ctx context.Context, generation uint64) (*Generation, error) {
	query := `
		SELECT generation, winner_id, block_hash, nonce, closed_at
		FROM generations WHERE generation = $1`

	gen := &Generation{}
	var genNum int64
	var nonce string
	err := r.db.QueryRowContext(ctx, query, int64(generation)).Scan(
		&genNum, &gen.WinnerID, &gen.BlockHash, &nonce, &gen.ClosedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("generation not found")
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	gen.Generation = uint64(genNum)
	if gen.Nonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse archived nonce: %w", err)
	}
	return gen, nil
}

// ListRecent retrieves the most recently closed generations
func (r *GenerationRepository) ListRecent(ctx context.Context, limit int) ([]*Generation, error) {
	query := `
		SELECT generation, winner_id, block_hash, nonce, closed_at
		FROM generations
		ORDER BY generation DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var generations []*Generation
	for rows.Next() {
		gen := &Generation{}
		var genNum int64
		var nonce string
		if err := rows.Scan(&genNum, &gen.WinnerID, &gen.BlockHash, &nonce, &gen.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		gen.Generation = uint64(genNum)
		if gen.Nonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
			return nil, fmt.Errorf("failed to parse archived nonce: %w", err)
		}
		generations = append(generations, gen)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generations: %w", err)
	}

	return generations, nil
}

// MinerRepository handles per-miner archive operations
type MinerRepository struct {
	db *sql.DB
}

// NewMinerRepository creates a new miner repository
func NewMinerRepository(db *sql.DB) *MinerRepository {
	return &MinerRepository{db: db}
}

// UpsertTotals writes the accumulated totals for one miner
func (r *MinerRepository) UpsertTotals(ctx context.Context, total *MinerTotal) error {
	query := `
		INSERT INTO miner_totals (miner_id, role, total_attempts, accepted_solutions, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (miner_id) DO UPDATE SET
			role = EXCLUDED.role,
			total_attempts = EXCLUDED.total_attempts,
			accepted_solutions = EXCLUDED.accepted_solutions,
			last_seen = EXCLUDED.last_seen`

	_, err := r.db.ExecContext(ctx, query,
		total.MinerID, total.Role, total.TotalAttempts,
		total.AcceptedSolutions, total.FirstSeen, total.LastSeen,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert miner totals: %w", err)
	}

	return nil
}

// GetByMinerID retrieves archived totals for one miner
func (r *MinerRepository) GetByMinerID(ctx context.Context, minerID string) (*MinerTotal, error) {
	query := `
		SELECT miner_id, role, total_attempts, accepted_solutions, first_seen, last_seen
		FROM miner_totals WHERE miner_id = $1`

	total := &MinerTotal{}
	err := r.db.QueryRowContext(ctx, query, minerID).Scan(
		&total.MinerID, &total.Role, &total.TotalAttempts,
		&total.AcceptedSolutions, &total.FirstSeen, &total.LastSeen,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("miner not found")
		}
		return nil, fmt.Errorf("failed to get miner totals: %w", err)
	}

	return total, nil
}

// UpdateLastSeen refreshes the last seen timestamp for one miner
func (r *MinerRepository) UpdateLastSeen(ctx context.Context, minerID string, seen time.Time) error {
	query := `UPDATE miner_totals SET last_seen = $1 WHERE miner_id = $2`

	_, err := r.db.ExecContext(ctx, query, seen, minerID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}

	return nil
}
