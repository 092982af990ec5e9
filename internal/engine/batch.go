package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/bardlex/minelab/internal/pow"
	"github.com/bardlex/minelab/pkg/log"
)

// Batch evaluates nonces in contiguous ranges of batchSize, GPU style.
// Each range is sharded across shard workers and the lowest qualifying
// nonce wins the tie-break. The refresh policy counts batches, not
// individual attempts.
type Batch struct {
	coord          Coordinator
	logger         *log.Logger
	minerID        string
	batchSize      uint64
	refreshBatches int
	shards         int
	kick           chan struct{}
}

// NewBatch creates a batch search engine
func NewBatch(coord Coordinator, logger *log.Logger, minerID string, batchSize uint64, refreshBatches int) *Batch {
	if batchSize == 0 {
		batchSize = 4096
	}
	shards := runtime.GOMAXPROCS(0)
	if shards > int(batchSize) {
		shards = 1
	}
	return &Batch{
		coord:          coord,
		logger:         logger,
		minerID:        minerID,
		batchSize:      batchSize,
		refreshBatches: refreshBatches,
		shards:         shards,
		kick:           make(chan struct{}, 1),
	}
}

// Kick requests an out-of-band template refresh before the next batch.
// Safe to call from any goroutine.
func (b *Batch) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run searches until ctx is cancelled
func (b *Batch) Run(ctx context.Context) error {
	cur, err := b.fetch(ctx)
	if err != nil {
		return err
	}

	base := randomOffset()
	started := time.Now()
	var batches, sinceContact, total int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		winner, found := scanBatch(cur.prefix, base, b.batchSize, cur.difficultyBits, b.shards)
		sinceContact += int64(b.batchSize)
		total += int64(b.batchSize)
		batches++

		// Successive batches never retest a nonce: the base always
		// moves past the range just scanned.
		base += b.batchSize

		if found {
			resp, err := b.coord.SubmitSolution(ctx, cur.generation, winner, sinceContact)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Warn("submission failed", "generation", cur.generation, "nonce", winner, "error", err)
			} else {
				sinceContact = 0
				b.logger.LogSubmission(b.minerID, cur.generation, winner, resp.Status)
				next, fetchErr := b.fetch(ctx)
				if fetchErr != nil {
					return fetchErr
				}
				if next.generation != cur.generation {
					base = randomOffset()
				}
				cur = next
				continue
			}
		}

		kicked := false
		select {
		case <-b.kick:
			kicked = true
		default:
		}

		if kicked || (b.refreshBatches > 0 && batches%int64(b.refreshBatches) == 0) {
			next, fetchErr := b.fetch(ctx)
			if fetchErr != nil {
				return fetchErr
			}
			if next.generation != cur.generation {
				base = randomOffset()
			}
			cur = next
		}

		if total >= 1<<22 && total%(1<<22) < int64(b.batchSize) {
			b.logger.LogSearchProgress(b.minerID, cur.generation, total, time.Since(started).Nanoseconds())
		}
	}
}

func (b *Batch) fetch(ctx context.Context) (work, error) {
	resp, err := b.coord.FetchTemplate(ctx)
	if err != nil {
		return work{}, err
	}
	return decodeWork(resp)
}

// scanBatch tests every nonce in [base, base+size) and returns the
// lowest qualifying one. The range is split into contiguous shards so
// the per-shard minima reduce to the global minimum by offset.
func scanBatch(prefix [pow.PrefixSize]byte, base, size uint64, difficultyBits, shards int) (uint64, bool) {
	if shards < 1 {
		shards = 1
	}

	type hit struct {
		offset uint64
		ok     bool
	}

	results := make([]hit, shards)
	chunk := size / uint64(shards)
	var wg sync.WaitGroup

	for s := 0; s < shards; s++ {
		start := uint64(s) * chunk
		end := start + chunk
		if s == shards-1 {
			end = size
		}

		wg.Add(1)
		go func(s int, start, end uint64) {
			defer wg.Done()
			for off := start; off < end; off++ {
				digest := pow.SolutionDigest(prefix, base+off)
				if pow.CheckDigest(digest, difficultyBits) {
					results[s] = hit{offset: off, ok: true}
					return
				}
			}
		}(s, start, end)
	}
	wg.Wait()

	best := hit{}
	for _, r := range results {
		if r.ok && (!best.ok || r.offset < best.offset) {
			best = r
		}
	}
	if !best.ok {
		return 0, false
	}
	return base + best.offset, true
}
