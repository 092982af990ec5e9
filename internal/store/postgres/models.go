package postgres

import (
	"time"
)

// Generation represents an archived closed generation
type Generation struct {
	Generation uint64    `db:"generation"`
	WinnerID   string    `db:"winner_id"`
	BlockHash  string    `db:"block_hash"`
	Nonce      uint64    `db:"nonce"`
	ClosedAt   time.Time `db:"closed_at"`
}

// MinerTotal represents accumulated totals for one miner
type MinerTotal struct {
	MinerID           string    `db:"miner_id"`
	Role              string    `db:"role"`
	TotalAttempts     int64     `db:"total_attempts"`
	AcceptedSolutions int64     `db:"accepted_solutions"`
	FirstSeen         time.Time `db:"first_seen"`
	LastSeen          time.Time `db:"last_seen"`
}
