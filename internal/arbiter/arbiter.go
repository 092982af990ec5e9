// Package arbiter validates solution submissions against the current template
// and guarantees exactly one accepted winner per generation.
package arbiter

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/minelab/internal/pow"
	"github.com/bardlex/minelab/internal/registry"
	"github.com/bardlex/minelab/internal/template"
	"github.com/bardlex/minelab/pkg/log"
)

// Result is the outcome of a submission.
type Result int

const (
	// Accepted - the submission closed its generation.
	Accepted Result = iota
	// RejectedStale - the submission's generation is no longer open.
	RejectedStale
	// RejectedInvalid - the digest does not meet the difficulty threshold.
	RejectedInvalid
)

// String returns the wire representation of the result.
func (r Result) String() string {
	switch r {
	case Accepted:
		return "ACCEPTED"
	case RejectedStale:
		return "REJECTED_STALE"
	case RejectedInvalid:
		return "REJECTED_INVALID"
	default:
		return "UNKNOWN"
	}
}

// Submission is a candidate solution from a worker.
type Submission struct {
	Generation uint64
	MinerID    string
	Nonce      uint64
	// Attempts is the worker's self-reported attempt delta since its last
	// contact; best-effort, used only for stats.
	Attempts int64
}

// Outcome reports arbitration of one submission.
type Outcome struct {
	Result     Result
	BlockHash  chainhash.Hash // winning digest, set when accepted
	Generation uint64         // coordinator's current generation after arbitration
}

// ClosedGeneration is emitted after a generation closes, for archival and
// worker notification. Delivery is best-effort.
type ClosedGeneration struct {
	Entry          registry.GenerationLogEntry
	NextGeneration uint64
}

// Arbiter arbitrates submissions. Digest computation happens outside the
// lock; the OPEN->CLOSED transition is a single short critical section that
// re-checks the generation, so two concurrent valid submissions can never
// both win.
type Arbiter struct {
	templates *template.Manager
	miners    *registry.Registry
	logger    *log.Logger

	mu     sync.Mutex
	events chan ClosedGeneration
}

// New creates an arbiter. eventBuffer bounds the closed-generation event
// queue; events beyond it are dropped rather than stalling submissions.
func New(templates *template.Manager, miners *registry.Registry, logger *log.Logger, eventBuffer int) *Arbiter {
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	return &Arbiter{
		templates: templates,
		miners:    miners,
		logger:    logger.WithComponent("arbiter"),
		events:    make(chan ClosedGeneration, eventBuffer),
	}
}

// Events returns the closed-generation event stream.
func (a *Arbiter) Events() <-chan ClosedGeneration {
	return a.events
}

// Submit validates and arbitrates one submission.
func (a *Arbiter) Submit(sub Submission) Outcome {
	a.miners.Touch(sub.MinerID, "", sub.Attempts)

	cur := a.templates.Current()
	if sub.Generation != cur.Generation {
		a.miners.RecordRejection(true)
		return Outcome{Result: RejectedStale, Generation: cur.Generation}
	}

	// Digest work stays outside the critical section.
	digest := pow.SolutionDigest(cur.HeaderPrefix(), sub.Nonce)
	if !pow.CheckDigest(digest, cur.DifficultyBits) {
		a.miners.RecordRejection(false)
		a.logger.Warn("invalid digest submitted",
			"miner_id", sub.MinerID,
			"generation", sub.Generation,
			"nonce", sub.Nonce,
			"leading_zero_bits", pow.LeadingZeroBits(digest),
			"difficulty_bits", cur.DifficultyBits,
		)
		return Outcome{Result: RejectedInvalid, Generation: cur.Generation}
	}

	a.mu.Lock()
	// Re-check under the lock: equal generation implies the template is the
	// exact snapshot the digest was computed from, because generations are
	// never reused.
	if a.templates.Current().Generation != cur.Generation {
		a.mu.Unlock()
		// Valid digest, but another submission closed this generation first.
		a.miners.RecordRejection(true)
		return Outcome{Result: RejectedStale, Generation: a.templates.Current().Generation}
	}

	entry := registry.GenerationLogEntry{
		Generation: cur.Generation,
		WinnerID:   sub.MinerID,
		BlockHash:  hex.EncodeToString(digest[:]),
		Nonce:      sub.Nonce,
		ClosedAt:   time.Now(),
	}
	a.miners.RecordWin(sub.MinerID, entry)
	next := a.templates.Advance(digest)
	a.mu.Unlock()

	a.logger.LogGenerationClosed(entry.Generation, sub.MinerID, entry.BlockHash)
	a.emit(ClosedGeneration{Entry: entry, NextGeneration: next.Generation})

	return Outcome{Result: Accepted, BlockHash: digest, Generation: next.Generation}
}

// emit delivers a closed-generation event without ever blocking the
// submission path.
func (a *Arbiter) emit(ev ClosedGeneration) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event queue full, dropping closed-generation event",
			"generation", ev.Entry.Generation)
	}
}
