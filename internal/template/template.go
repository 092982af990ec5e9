// Package template owns the current work template and generation counter for
// the coordinator. It is the single writer of that state; everything else
// observes immutable snapshots.
package template

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/minelab/internal/pow"
)

// Template is an immutable snapshot of the current puzzle instance.
type Template struct {
	Generation     uint64
	Seed           chainhash.Hash
	DifficultyBits int
	CreatedAt      time.Time
}

// HeaderPrefix returns the 40-byte searchable header for this template.
func (t *Template) HeaderPrefix() [pow.PrefixSize]byte {
	return pow.HeaderPrefix(t.Generation, t.Seed)
}

// Manager owns the current template. Reads are lock-free; Advance swaps the
// whole (generation, seed) pair at once so readers never observe a mismatched
// combination.
type Manager struct {
	current atomic.Pointer[Template]

	// serializes Advance; readers never take it
	mu sync.Mutex
}

// NewManager creates a manager with a genesis template at generation 1.
// The genesis seed is unpredictable so no nonce search can start before
// the coordinator is up.
func NewManager(difficultyBits int) (*Manager, error) {
	if !pow.ValidDifficulty(difficultyBits) {
		return nil, fmt.Errorf("difficulty bits %d outside [%d, %d]",
			difficultyBits, pow.MinDifficultyBits, pow.MaxDifficultyBits)
	}

	var seed chainhash.Hash
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate genesis seed: %w", err)
	}

	m := &Manager{}
	m.current.Store(&Template{
		Generation:     1,
		Seed:           seed,
		DifficultyBits: difficultyBits,
		CreatedAt:      time.Now(),
	})
	return m, nil
}

// Current returns the current template snapshot. Safe for many concurrent
// readers; the returned template must not be mutated.
func (m *Manager) Current() *Template {
	return m.current.Load()
}

// Advance replaces the current template with the next generation. The new
// seed is the digest of the winning solution, so each header is unique per
// generation and chains to the block that closed the previous one.
func (m *Manager) Advance(winningDigest chainhash.Hash) *Template {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.Load()
	next := &Template{
		Generation:     prev.Generation + 1,
		Seed:           winningDigest,
		DifficultyBits: prev.DifficultyBits,
		CreatedAt:      time.Now(),
	}
	m.current.Store(next)
	return next
}
