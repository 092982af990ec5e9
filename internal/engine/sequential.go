package engine

import (
	"context"
	"time"

	"github.com/bardlex/minelab/internal/pow"
	"github.com/bardlex/minelab/pkg/log"
)

// Sequential tests successive nonces one at a time, CPU style. With
// refreshAttempts > 0 it proactively refetches the template every that
// many attempts; 0 relies solely on submission feedback.
type Sequential struct {
	coord           Coordinator
	logger          *log.Logger
	minerID         string
	refreshAttempts int64
	kick            chan struct{}
}

// NewSequential creates a sequential search engine
func NewSequential(coord Coordinator, logger *log.Logger, minerID string, refreshAttempts int64) *Sequential {
	return &Sequential{
		coord:           coord,
		logger:          logger,
		minerID:         minerID,
		refreshAttempts: refreshAttempts,
		kick:            make(chan struct{}, 1),
	}
}

// Kick requests an out-of-band template refresh, typically driven by a
// template-advance notification. Safe to call from any goroutine.
func (e *Sequential) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run searches until ctx is cancelled
func (e *Sequential) Run(ctx context.Context) error {
	cur, err := e.fetch(ctx)
	if err != nil {
		return err
	}

	nonce := randomOffset()
	started := time.Now()
	var sinceRefresh, sinceContact, total int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		digest := pow.SolutionDigest(cur.prefix, nonce)
		sinceRefresh++
		sinceContact++
		total++

		if pow.CheckDigest(digest, cur.difficultyBits) {
			resp, err := e.coord.SubmitSolution(ctx, cur.generation, nonce, sinceContact)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Keep searching locally; the next qualifying nonce
				// gets another chance to reach the coordinator.
				e.logger.Warn("submission failed", "generation", cur.generation, "nonce", nonce, "error", err)
			} else {
				sinceContact = 0
				e.logger.LogSubmission(e.minerID, cur.generation, nonce, resp.Status)
				// Every verdict means our view of the template may be
				// out of date. Refetch and resume.
				next, fetchErr := e.fetch(ctx)
				if fetchErr != nil {
					return fetchErr
				}
				if next.generation != cur.generation {
					cur = next
					nonce = randomOffset()
					sinceRefresh = 0
					continue
				}
				cur = next
			}
		}

		kicked := false
		select {
		case <-e.kick:
			kicked = true
		default:
		}

		if kicked || (e.refreshAttempts > 0 && sinceRefresh >= e.refreshAttempts) {
			next, fetchErr := e.fetch(ctx)
			if fetchErr != nil {
				return fetchErr
			}
			sinceRefresh = 0
			if next.generation != cur.generation {
				cur = next
				nonce = randomOffset()
				continue
			}
			// Same generation: keep walking forward so no nonce is
			// retested.
			cur = next
		}

		if total%(1<<22) == 0 {
			e.logger.LogSearchProgress(e.minerID, cur.generation, total, time.Since(started).Nanoseconds())
		}

		nonce++
	}
}

func (e *Sequential) fetch(ctx context.Context) (work, error) {
	resp, err := e.coord.FetchTemplate(ctx)
	if err != nil {
		return work{}, err
	}
	return decodeWork(resp)
}
