// Package metrics documents the Prometheus metrics exposed by dirbatch.
// All metrics are defined in their respective packages (pagination,
// transport, throttle) via promauto to keep registration next to use and
// avoid circular dependencies; this package is the central reference.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by dirbatch.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Fetch Metrics (pkg/pagination):
//   - dirbatch_fetch_duration_seconds{endpoint, mode} (Histogram): Full collection fetch duration
//   - dirbatch_records_fetched_total{endpoint} (Counter): Records retrieved
//   - dirbatch_batch_calls_total{mode} (Counter): $batch calls issued, by sequential/concurrent
//   - dirbatch_branch_failures_total (Counter): Continuation branches truncated by sub-request failures
//   - dirbatch_memory_warnings_total (Counter): One-shot memory threshold warnings
//
// Transport Metrics (pkg/transport):
//   - dirbatch_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - dirbatch_request_duration_seconds{endpoint} (Histogram): Request duration
//   - dirbatch_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - dirbatch_batch_sub_requests (Histogram): Sub-requests multiplexed per $batch call
//   - dirbatch_retries_total{error_class} (Counter): Retry attempts
//   - dirbatch_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - dirbatch_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Throttle Metrics (pkg/throttle):
//   - dirbatch_throttle_recent_429s (Gauge): 429s observed in the current window
//   - dirbatch_throttle_blocks_total (Counter): Requests blocked by an active Retry-After window
//   - dirbatch_throttle_paced_total (Counter): Requests paced due to elevated 429 rate
//
// Example Prometheus Queries:
//
//   # Round-trip savings: sub-requests multiplexed per batch call
//   histogram_quantile(0.5, rate(dirbatch_batch_sub_requests_bucket[5m]))
//
//   # Branch truncation rate (partial results)
//   rate(dirbatch_branch_failures_total[5m])
//
//   # P95 fetch latency by endpoint
//   histogram_quantile(0.95, rate(dirbatch_fetch_duration_seconds_bucket[5m]))
//
//   # Throttling pressure
//   dirbatch_throttle_recent_429s > 3
