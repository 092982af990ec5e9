// Package engine implements the nonce search strategies. Both engines
// speak the same fetch/submit contract and are interchangeable from the
// coordinator's point of view; they differ only in how they walk the
// nonce space.
package engine

import (
	"context"
	"math/rand"

	"github.com/bardlex/minelab/internal/pow"
	"github.com/bardlex/minelab/internal/protocol"
)

// Coordinator is the subset of the coordinator contract the engines
// need. Rejections come back as statuses, not errors.
type Coordinator interface {
	FetchTemplate(ctx context.Context) (*protocol.TemplateResponse, error)
	SubmitSolution(ctx context.Context, generation, nonce uint64, attempts int64) (*protocol.SubmitResponse, error)
}

// work is a decoded template the search loops iterate against.
type work struct {
	generation     uint64
	prefix         [pow.PrefixSize]byte
	difficultyBits int
}

func decodeWork(resp *protocol.TemplateResponse) (work, error) {
	prefix, err := resp.HeaderPrefix()
	if err != nil {
		return work{}, err
	}
	return work{
		generation:     resp.Generation,
		prefix:         prefix,
		difficultyBits: resp.DifficultyBits,
	}, nil
}

// randomOffset picks a starting point in the nonce space. Workers start
// at independent random offsets so they search disjoint regions with
// high probability.
func randomOffset() uint64 {
	return rand.Uint64()
}
