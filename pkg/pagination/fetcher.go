package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/danricht/dirbatch/pkg/environment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dirbatch_fetch_duration_seconds",
		Help:    "Full collection fetch duration by endpoint and mode",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"endpoint", "mode"})

	recordsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirbatch_records_fetched_total",
		Help: "Total records retrieved by endpoint",
	}, []string{"endpoint"})

	batchCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirbatch_batch_calls_total",
		Help: "Total $batch calls issued by mode",
	}, []string{"mode"})

	branchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirbatch_branch_failures_total",
		Help: "Total continuation branches truncated by failed or dropped sub-requests",
	})
)

// Options configures one fetcher.
type Options struct {
	// Strategy selects continuation handling (default StrategyNextLink).
	Strategy Strategy

	// Concurrent enables the round-based concurrent runner.
	Concurrent bool

	// MaxConcurrentJobs caps in-flight batch calls per round (1-20).
	MaxConcurrentJobs int

	// MemoryThresholdMB arms the one-shot memory warning (0 disables).
	MemoryThresholdMB int
}

// DefaultOptions returns safe defaults: sequential execution, next-link
// continuation handling, 8 jobs when concurrency is enabled, 100 MB memory
// threshold.
func DefaultOptions() Options {
	return Options{
		Strategy:          StrategyNextLink,
		Concurrent:        false,
		MaxConcurrentJobs: 8,
		MemoryThresholdMB: 100,
	}
}

// Fetcher drives a full collection retrieval: first page, continuation
// extraction, runner selection, merge. All state is scoped to one FetchAll
// call; fetchers are safe for concurrent use.
type Fetcher struct {
	transport Transport
	session   *environment.Session
	opts      Options
	logger    zerolog.Logger
}

// NewFetcher creates a fetcher. The session may be nil; FetchAll then fails
// with environment.ErrNotConnected, matching a sign-in that never happened.
func NewFetcher(transport Transport, session *environment.Session, opts Options) (*Fetcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyNextLink
	}
	if opts.Strategy != StrategySkipToken && opts.Strategy != StrategyNextLink {
		return nil, fmt.Errorf("unknown continuation strategy %q", opts.Strategy)
	}
	if opts.MaxConcurrentJobs == 0 {
		opts.MaxConcurrentJobs = DefaultOptions().MaxConcurrentJobs
	}
	if opts.MaxConcurrentJobs < 1 || opts.MaxConcurrentJobs > MaxBatchSize {
		return nil, fmt.Errorf("max concurrent jobs must be 1-%d (got %d)", MaxBatchSize, opts.MaxConcurrentJobs)
	}
	if opts.MemoryThresholdMB < 0 {
		return nil, fmt.Errorf("memory threshold must be >= 0 (got %d)", opts.MemoryThresholdMB)
	}

	return &Fetcher{
		transport: transport,
		session:   session,
		opts:      opts,
		logger:    log.With().Str("component", "fetcher").Logger(),
	}, nil
}

// FetchAll retrieves the entire collection named by q and returns the
// materialized record set. The first page request is never batched and its
// failure is fatal; sub-request failures during the drain truncate their
// branch and are reported via Result.Failures.
func (f *Fetcher) FetchAll(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	q = q.withDefaults()
	if q.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	base, err := f.session.VersionedBaseURL()
	if err != nil {
		return nil, err
	}

	mode := "sequential"
	if f.opts.Concurrent {
		mode = "concurrent"
	}
	defer func() {
		fetchDuration.WithLabelValues(q.Endpoint, mode).Observe(time.Since(start).Seconds())
	}()

	f.logger.Info().
		Str("endpoint", q.Endpoint).
		Int("page_size", q.PageSize).
		Str("mode", mode).
		Msg("Starting collection fetch")

	firstURL := base + relativePageURL(q.Endpoint, q.PageSize, q.Filter, "")
	page, err := f.transport.GetPage(ctx, firstURL)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	result := &Result{Records: page.Records, Complete: true}
	guard := NewMemoryGuard(f.opts.MemoryThresholdMB, f.logger)
	guard.Check(len(result.Records))

	extractor := NewExtractor(f.opts.Strategy, q, f.logger)
	marker, ok := extractor.Extract(page)
	if !ok {
		result.Count = len(result.Records)
		f.logger.Info().
			Str("endpoint", q.Endpoint).
			Int("records", result.Count).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		recordsFetchedTotal.WithLabelValues(q.Endpoint).Add(float64(result.Count))
		return result, nil
	}

	batchURL := base + "/$batch"
	queue := []Marker{marker}

	var out *runnerOutput
	if f.opts.Concurrent {
		runner := &concurrentRunner{
			transport: f.transport,
			batchURL:  batchURL,
			extractor: extractor,
			guard:     guard,
			maxJobs:   f.opts.MaxConcurrentJobs,
			logger:    f.logger,
		}
		out, err = runner.run(ctx, queue, len(result.Records))
	} else {
		runner := &sequentialRunner{
			transport: f.transport,
			batchURL:  batchURL,
			extractor: extractor,
			guard:     guard,
			logger:    f.logger,
		}
		out, err = runner.run(ctx, queue, len(result.Records))
	}
	if err != nil {
		return nil, err
	}

	result.Records = append(result.Records, out.records...)
	result.Count = len(result.Records)
	result.Failures = out.failures
	result.Complete = len(out.failures) == 0

	recordsFetchedTotal.WithLabelValues(q.Endpoint).Add(float64(result.Count))
	batchCallsTotal.WithLabelValues(mode).Add(float64(out.batches))
	if n := len(out.failures); n > 0 {
		branchFailuresTotal.Add(float64(n))
	}

	f.logger.Info().
		Str("endpoint", q.Endpoint).
		Int("records", result.Count).
		Int("batches", out.batches).
		Int("failed_branches", len(out.failures)).
		Bool("complete", result.Complete).
		Dur("duration", time.Since(start)).
		Msg("Collection fetch complete")

	return result, nil
}
