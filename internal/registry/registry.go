// Package registry tracks per-miner activity and the generation history for
// the coordinator. Records are owned by the registry and mutated only through
// its operations; readers get point-in-time copies.
package registry

import (
	"sync"
	"time"
)

// Role identifies the worker engine that produced a miner's activity.
type Role string

const (
	// RoleSequential marks a CPU-style sequential searcher.
	RoleSequential Role = "sequential"
	// RoleBatch marks a GPU-style batch searcher.
	RoleBatch Role = "batch"
)

// ValidRole reports whether the role is one of the known engine roles.
func ValidRole(r Role) bool {
	return r == RoleSequential || r == RoleBatch
}

// MinerRecord is the registry's view of one worker.
type MinerRecord struct {
	MinerID           string    `json:"miner_id"`
	Role              Role      `json:"role"`
	TotalAttempts     int64     `json:"total_attempts"`
	AcceptedSolutions int64     `json:"accepted_solutions"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
}

// GenerationLogEntry records one closed generation.
type GenerationLogEntry struct {
	Generation uint64    `json:"generation"`
	WinnerID   string    `json:"winner_id"`
	BlockHash  string    `json:"block_hash"`
	Nonce      uint64    `json:"nonce"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Counters aggregates submission outcomes for the whole run.
type Counters struct {
	Accepted        int64 `json:"accepted"`
	RejectedStale   int64 `json:"rejected_stale"`
	RejectedInvalid int64 `json:"rejected_invalid"`
}

// Snapshot is a consistent point-in-time view for the monitoring surface.
type Snapshot struct {
	Records           []MinerRecord        `json:"records"`
	CurrentGeneration uint64               `json:"current_generation"`
	RecentGenerations []GenerationLogEntry `json:"recent_generations"`
	Counters          Counters             `json:"counters"`
	Uptime            time.Duration        `json:"uptime"`
	AvgCloseInterval  time.Duration        `json:"avg_close_interval"`
	LastCloseInterval time.Duration        `json:"last_close_interval"`
}

// Registry is safe for concurrent use. All operations hold the mutex only for
// a short map/slice update, so touches for different miners and snapshot
// reads never stall the submission path beyond that critical section.
type Registry struct {
	mu          sync.Mutex
	records     map[string]*MinerRecord
	log         []GenerationLogEntry
	recentLimit int
	counters    Counters
	startedAt   time.Time
}

// DefaultRecentLimit caps snapshot generation history when no explicit
// limit is configured.
const DefaultRecentLimit = 50

// New creates an empty registry. recentLimit bounds how many closed
// generations a snapshot carries; the full log stays in memory for the run.
func New(recentLimit int) *Registry {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	return &Registry{
		records:     make(map[string]*MinerRecord),
		recentLimit: recentLimit,
		startedAt:   time.Now(),
	}
}

// Touch upserts a miner record, advancing its attempt counter and last-seen
// timestamp. Called on every template poll and submission.
func (r *Registry) Touch(minerID string, role Role, attemptsDelta int64) {
	if minerID == "" {
		return
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[minerID]
	if !ok {
		rec = &MinerRecord{
			MinerID:   minerID,
			Role:      role,
			FirstSeen: now,
		}
		r.records[minerID] = rec
	}
	if role != "" {
		rec.Role = role
	}
	if attemptsDelta > 0 {
		rec.TotalAttempts += attemptsDelta
	}
	rec.LastSeen = now
}

// RecordWin credits an accepted solution and appends the generation log entry.
func (r *Registry) RecordWin(minerID string, entry GenerationLogEntry) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[minerID]
	if !ok {
		rec = &MinerRecord{MinerID: minerID, FirstSeen: now}
		r.records[minerID] = rec
	}
	rec.AcceptedSolutions++
	rec.LastSeen = now

	r.counters.Accepted++
	r.log = append(r.log, entry)
}

// RecordRejection counts a rejected submission.
func (r *Registry) RecordRejection(stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stale {
		r.counters.RejectedStale++
	} else {
		r.counters.RejectedInvalid++
	}
}

// Recent returns the newest n generation log entries, oldest first.
func (r *Registry) Recent(n int) []GenerationLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentLocked(n)
}

func (r *Registry) recentLocked(n int) []GenerationLogEntry {
	if n <= 0 || n > len(r.log) {
		n = len(r.log)
	}
	out := make([]GenerationLogEntry, n)
	copy(out, r.log[len(r.log)-n:])
	return out
}

// Snapshot returns a consistent copy of all registry state. currentGeneration
// is supplied by the caller so the snapshot pairs registry state with the
// template the coordinator is serving.
func (r *Registry) Snapshot(currentGeneration uint64) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]MinerRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, *rec)
	}

	snap := Snapshot{
		Records:           records,
		CurrentGeneration: currentGeneration,
		RecentGenerations: r.recentLocked(r.recentLimit),
		Counters:          r.counters,
		Uptime:            time.Since(r.startedAt),
	}
	snap.AvgCloseInterval, snap.LastCloseInterval = r.closeIntervalsLocked()
	return snap
}

// closeIntervalsLocked derives average and last spacing between closed
// generations from the log timestamps.
func (r *Registry) closeIntervalsLocked() (avg, last time.Duration) {
	if len(r.log) == 0 {
		return 0, 0
	}
	prev := r.startedAt
	var total time.Duration
	for _, e := range r.log {
		total += e.ClosedAt.Sub(prev)
		prev = e.ClosedAt
	}
	avg = total / time.Duration(len(r.log))

	if len(r.log) >= 2 {
		last = r.log[len(r.log)-1].ClosedAt.Sub(r.log[len(r.log)-2].ClosedAt)
	} else {
		last = r.log[0].ClosedAt.Sub(r.startedAt)
	}
	return avg, last
}
