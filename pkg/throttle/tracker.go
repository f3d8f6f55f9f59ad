package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	recent429sGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dirbatch_throttle_recent_429s",
		Help: "Number of 429 responses observed in the current window",
	})

	blocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirbatch_throttle_blocks_total",
		Help: "Total requests blocked while a Retry-After window was active",
	})

	pacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirbatch_throttle_paced_total",
		Help: "Total requests paced due to elevated 429 rate",
	})
)

// Tracker monitors directory API throttling signals and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a throttle tracker backed by the given Redis client.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current throttle state from Redis.
// Returns a healthy default when no state has been written yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	backoffUnix, err := t.redis.Get(ctx, RedisKeyBackoffUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get backoff until: %w", err)
	}

	recent429s, err := t.redis.Get(ctx, RedisKeyRecent429s).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get recent 429s: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &State{Recent429s: recent429s}
	if backoffUnix > 0 {
		state.BackoffUntil = time.Unix(backoffUnix, 0)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}
	state.UpdateHealth()

	return state, nil
}

// RecordResponse updates the shared state from one directory API response.
// Only 429s change state; other statuses are ignored.
func (t *Tracker) RecordResponse(ctx context.Context, statusCode int, headers http.Header) error {
	if statusCode != http.StatusTooManyRequests {
		return nil
	}

	now := time.Now()
	retryAfter := parseRetryAfter(headers.Get("Retry-After"))

	pipe := t.redis.Pipeline()
	incr := pipe.Incr(ctx, RedisKeyRecent429s)
	pipe.Expire(ctx, RedisKeyRecent429s, Window429)
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		pipe.Set(ctx, RedisKeyBackoffUntil, until.Unix(), retryAfter)
	}

	lastUpdateJSON, err := json.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	count := int(incr.Val())
	recent429sGauge.Set(float64(count))

	event := t.logger.Warn()
	if count >= ThresholdCritical || retryAfter > 0 {
		event = t.logger.Error()
	}
	event.
		Int("recent_429s", count).
		Dur("retry_after", retryAfter).
		Msg("Directory API throttling observed")

	return nil
}

// ShouldAllowRequest checks whether a request may proceed under the current
// throttle state. Returns false while a Retry-After window is active or the
// 429 rate is critical. In the warning state the request is allowed after a
// pacing delay (respecting ctx cancellation).
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get throttle state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("recent_429s", state.Recent429s).
			Dur("wait", state.TimeUntilClear()).
			Msg("Throttle state critical - blocking request")

		blocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("recent_429s", state.Recent429s).
			Msg("Throttle state elevated - pacing request")

		pacedTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(PacingDelay):
		}
	}

	return true, nil
}

// parseRetryAfter interprets a Retry-After header value in delta-seconds
// form. HTTP-date form is not emitted by the directory API and yields 0.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
