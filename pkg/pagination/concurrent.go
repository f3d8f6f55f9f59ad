package pagination

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// concurrentRunner drains the pending queue in rounds of up to maxJobs
// concurrently in-flight batch calls. Each round snapshots the queue,
// partitions it into chunks of at most MaxBatchSize markers, dispatches each
// chunk to a fresh worker by value, and waits for every worker before merging
// anything. Markers discovered during round k are only dispatchable in round
// k+1: the barrier is the backpressure point against per-tenant throttling
// and the single place the memory guard is evaluated.
type concurrentRunner struct {
	transport Transport
	batchURL  string
	extractor *Extractor
	guard     *MemoryGuard
	maxJobs   int
	logger    zerolog.Logger
}

func (r *concurrentRunner) run(ctx context.Context, queue []Marker, baseCount int) (*runnerOutput, error) {
	out := &runnerOutput{}

	for len(queue) > 0 {
		out.rounds++

		take := min(len(queue), r.maxJobs*MaxBatchSize)
		chunks := partition(queue[:take], r.maxJobs)
		queue = queue[take:]

		// Workers write only their own slot; merge happens after the barrier.
		outcomes := make([]*batchOutcome, len(chunks))

		g, gctx := errgroup.WithContext(ctx)
		for i, chunk := range chunks {
			g.Go(func() error {
				outcome, err := executeBatch(gctx, r.transport, r.batchURL, chunk, r.extractor, r.logger)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if errors.Is(err, ErrTooManyMarkers) {
						return err
					}
					r.logger.Warn().
						Err(err).
						Int("markers", len(chunk)).
						Msg("Batch call failed - truncating its branches")
					outcome = failedBatchOutcome(chunk)
				}
				outcomes[i] = outcome
				return nil
			})
		}

		// Round barrier: no partial-round progress is exposed.
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Merge in dispatch order; newly discovered markers join the queue
		// for the next round.
		for _, outcome := range outcomes {
			out.records = append(out.records, outcome.records...)
			out.failures = append(out.failures, outcome.failures...)
			queue = append(queue, outcome.newMarkers...)
		}
		out.batches += len(chunks)

		r.guard.Check(baseCount + len(out.records))

		r.logger.Debug().
			Int("round", out.rounds).
			Int("batches", len(chunks)).
			Int("records_total", baseCount+len(out.records)).
			Int("pending", len(queue)).
			Msg("Round complete")
	}

	return out, nil
}

// partition splits a round's snapshot into up to maxJobs contiguous chunks,
// balanced so small queues still spread across workers. Chunk sizes never
// exceed MaxBatchSize because the caller takes at most maxJobs*MaxBatchSize
// markers per round.
func partition(snapshot []Marker, maxJobs int) [][]Marker {
	numChunks := min(maxJobs, len(snapshot))
	chunks := make([][]Marker, 0, numChunks)

	base := len(snapshot) / numChunks
	rem := len(snapshot) % numChunks
	start := 0
	for i := 0; i < numChunks; i++ {
		size := base
		if i < rem {
			size++
		}
		chunks = append(chunks, snapshot[start:start+size])
		start += size
	}
	return chunks
}
