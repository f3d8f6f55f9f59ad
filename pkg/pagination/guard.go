package pagination

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var memoryWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dirbatch_memory_warnings_total",
	Help: "Total memory-threshold warnings emitted across fetches",
})

// recordBytesEstimate is the assumed in-memory footprint per record. The
// guard is a heuristic on record counts, not a real memory measurement.
const recordBytesEstimate = 2048

// MemoryGuard warns once per fetch when the estimated footprint of the
// accumulated result set crosses a configurable MB threshold. A threshold of
// 0 disables the guard. After firing, the guard disarms itself so the warning
// is emitted at most once per fetch.
type MemoryGuard struct {
	mu          sync.Mutex
	thresholdMB int
	logger      zerolog.Logger
}

// NewMemoryGuard creates a guard armed at thresholdMB (0 disables).
func NewMemoryGuard(thresholdMB int, logger zerolog.Logger) *MemoryGuard {
	return &MemoryGuard{thresholdMB: thresholdMB, logger: logger}
}

// EstimateMB converts a record count to estimated megabytes.
func EstimateMB(recordCount int) float64 {
	return float64(recordCount) * recordBytesEstimate / (1024 * 1024)
}

// Check evaluates the guard against the cumulative record count and reports
// whether a warning fired on this call. Runners call it at batch or round
// boundaries, so there is a single writer at a time.
func (g *MemoryGuard) Check(recordCount int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.thresholdMB <= 0 {
		return false
	}

	estimated := EstimateMB(recordCount)
	if estimated <= float64(g.thresholdMB) {
		return false
	}

	g.thresholdMB = 0
	memoryWarningsTotal.Inc()
	g.logger.Warn().
		Int("records", recordCount).
		Float64("estimated_mb", estimated).
		Msg("Estimated result set size exceeds memory threshold (approximate, based on record count)")
	return true
}
