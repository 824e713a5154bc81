// Package ratelimit tracks an origin's error budget and gates outgoing
// requests. The budget is read from response headers (by default
// X-Error-Limit-Remain and X-Error-Limit-Reset) so a client backs off
// before the origin starts refusing it.
package ratelimit

import (
	"time"
)

// Key suffixes for rate limit state storage in Redis.
const (
	keyErrorsRemaining = "errors_remaining"
	keyResetTimestamp  = "reset_timestamp"
	keyLastUpdate      = "last_update"
)

// Thresholds for rate limit decisions.
const (
	// ErrorThresholdCritical blocks all requests when errors remaining falls below this value.
	ErrorThresholdCritical = 5

	// ErrorThresholdWarning applies throttling when errors remaining falls below this value.
	ErrorThresholdWarning = 20

	// ErrorThresholdHealthy indicates normal operation.
	// When errors remaining is at or above this value, no restrictions apply.
	ErrorThresholdHealthy = 50
)

// RateLimitState represents the current error budget as reported by the origin.
type RateLimitState struct {
	// ErrorsRemaining is the number of errors allowed before the origin blocks requests.
	ErrorsRemaining int `json:"errors_remaining"`

	// ResetAt is when the error window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when ErrorsRemaining >= ErrorThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// defaultState is assumed until the origin reports real numbers.
func defaultState() *RateLimitState {
	now := time.Now()
	return &RateLimitState{
		ErrorsRemaining: 100,
		ResetAt:         now.Add(60 * time.Second),
		LastUpdate:      now,
		IsHealthy:       true,
	}
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked due to critical error limit.
// A window that has already reset never blocks.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.ErrorsRemaining < ErrorThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be throttled due to warning threshold.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.ErrorsRemaining < ErrorThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the error limit resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current ErrorsRemaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.ErrorsRemaining >= ErrorThresholdHealthy
}
