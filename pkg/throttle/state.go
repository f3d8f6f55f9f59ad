// Package throttle implements directory API throttling-signal tracking and
// request gating. It records 429 responses and Retry-After windows in Redis
// so every transport instance of a deployment backs off together instead of
// piling onto an already-throttled tenant.
package throttle

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyBackoffUntil = "dirbatch:throttle:backoff_until"
	RedisKeyRecent429s   = "dirbatch:throttle:recent_429s"
	RedisKeyLastUpdate   = "dirbatch:throttle:last_update"
)

// Window429 is the rolling window over which 429 responses are counted.
const Window429 = 60 * time.Second

// Thresholds for throttle decisions.
const (
	// ThresholdWarning applies client-side pacing once this many 429s are
	// observed within the window.
	ThresholdWarning = 3

	// ThresholdCritical blocks requests outright while the window holds this
	// many 429s, even without an explicit Retry-After.
	ThresholdCritical = 10
)

// PacingDelay is the sleep applied per request while in the warning state.
const PacingDelay = 500 * time.Millisecond

// State is the current shared throttle state.
type State struct {
	// BackoffUntil is the end of the most recent server-mandated Retry-After
	// window. Zero when no window is active.
	BackoffUntil time.Time `json:"backoff_until"`

	// Recent429s is the number of 429 responses seen within Window429.
	Recent429s int `json:"recent_429s"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when neither blocking nor pacing applies.
	IsHealthy bool `json:"is_healthy"`
}

// InBackoff reports whether a server-mandated Retry-After window is active.
func (s *State) InBackoff() bool {
	return time.Now().Before(s.BackoffUntil)
}

// NeedsCriticalBlock reports whether requests should be blocked.
func (s *State) NeedsCriticalBlock() bool {
	return s.InBackoff() || s.Recent429s >= ThresholdCritical
}

// NeedsThrottling reports whether requests should be paced.
func (s *State) NeedsThrottling() bool {
	return s.Recent429s >= ThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilClear returns the time until the Retry-After window passes.
// Returns 0 when no window is active.
func (s *State) TimeUntilClear() time.Duration {
	d := time.Until(s.BackoffUntil)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// UpdateHealth recomputes the IsHealthy field.
func (s *State) UpdateHealth() {
	s.IsHealthy = !s.NeedsCriticalBlock() && !s.NeedsThrottling()
}
