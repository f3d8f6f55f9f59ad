package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// batchOutcome is the by-value output of one executed batch call. Workers
// never share these; the owning runner merges them at batch or round
// boundaries.
type batchOutcome struct {
	records    []json.RawMessage
	newMarkers []Marker
	failures   []BranchFailure
}

// runnerOutput is what a runner hands back to the fetcher for merging.
type runnerOutput struct {
	records  []json.RawMessage
	failures []BranchFailure
	batches  int
	rounds   int
}

// executeBatch builds one $batch call from chunk, submits it, and walks the
// sub-responses in correlation-id order: 200 slots contribute records and at
// most one follow-up marker each; non-200 and missing slots truncate their
// branch with a warning. No retries at this layer.
func executeBatch(ctx context.Context, transport Transport, batchURL string, chunk []Marker, extractor *Extractor, logger zerolog.Logger) (*batchOutcome, error) {
	requests, err := BuildBatch(chunk)
	if err != nil {
		return nil, err
	}

	responses, err := transport.PostBatch(ctx, batchURL, requests)
	if err != nil {
		return nil, err
	}

	if len(responses) < len(requests) {
		logger.Warn().
			Int("requested", len(requests)).
			Int("responded", len(responses)).
			Msg("Batch response dropped sub-responses - affected branches will not advance")
	}

	byID := make(map[string]SubResponse, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}

	out := &batchOutcome{}
	for i, req := range requests {
		sub, ok := byID[req.ID]
		if !ok {
			out.failures = append(out.failures, BranchFailure{CorrelationID: req.ID, Marker: chunk[i]})
			continue
		}

		if sub.Status != http.StatusOK {
			logger.Warn().
				Str("correlation_id", req.ID).
				Int("status", sub.Status).
				Str("url", req.URL).
				Msg("Batch sub-request failed - truncating branch")
			out.failures = append(out.failures, BranchFailure{CorrelationID: req.ID, StatusCode: sub.Status, Marker: chunk[i]})
			continue
		}

		page, err := DecodePage(sub.Body)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("correlation_id", req.ID).
				Msg("Undecodable sub-response body - truncating branch")
			out.failures = append(out.failures, BranchFailure{CorrelationID: req.ID, StatusCode: sub.Status, Marker: chunk[i]})
			continue
		}

		out.records = append(out.records, page.Records...)
		if marker, ok := extractor.Extract(page); ok {
			out.newMarkers = append(out.newMarkers, marker)
		}
	}
	return out, nil
}

// failedBatchOutcome marks every branch of a chunk as truncated. Used when
// the whole batch call failed at the transport level.
func failedBatchOutcome(chunk []Marker) *batchOutcome {
	out := &batchOutcome{}
	for i, m := range chunk {
		out.failures = append(out.failures, BranchFailure{CorrelationID: strconv.Itoa(i + 1), Marker: m})
	}
	return out
}

// sequentialRunner drains the pending queue strictly one batch at a time.
// Markers discovered by a batch feed the next iteration of the same loop; no
// round barrier is needed since there is never more than one batch in flight.
type sequentialRunner struct {
	transport Transport
	batchURL  string
	extractor *Extractor
	guard     *MemoryGuard
	logger    zerolog.Logger
}

// run drains queue to completion. baseCount is the record count accumulated
// before the runner started (the first page), used for memory-guard
// estimates.
func (r *sequentialRunner) run(ctx context.Context, queue []Marker, baseCount int) (*runnerOutput, error) {
	out := &runnerOutput{}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := min(MaxBatchSize, len(queue))
		chunk := queue[:n]
		queue = queue[n:]

		outcome, err := executeBatch(ctx, r.transport, r.batchURL, chunk, r.extractor, r.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrTooManyMarkers) {
				return nil, err
			}
			r.logger.Warn().
				Err(err).
				Int("markers", len(chunk)).
				Msg("Batch call failed - truncating its branches")
			outcome = failedBatchOutcome(chunk)
		}

		out.batches++
		out.records = append(out.records, outcome.records...)
		out.failures = append(out.failures, outcome.failures...)
		queue = append(queue, outcome.newMarkers...)

		r.guard.Check(baseCount + len(out.records))
	}

	return out, nil
}
