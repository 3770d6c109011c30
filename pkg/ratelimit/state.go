// Package ratelimit tracks the listing API's shared request budget and
// gates requests before the endpoint starts answering 429. The budget
// state lives in redis so every sweep process working against the same
// credential sees one view of it.
package ratelimit

import (
	"time"
)

// Redis keys for budget state storage.
const (
	RedisKeyRemaining      = "sweep:rate_limit:remaining"
	RedisKeyResetTimestamp = "sweep:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "sweep:rate_limit:last_update"
)

// Thresholds for budget decisions.
const (
	// BudgetThresholdCritical blocks new requests when the remaining
	// budget falls below this value, leaving headroom for in-flight calls.
	BudgetThresholdCritical = 3

	// BudgetThresholdWarning throttles requests when the remaining budget
	// falls below this value.
	BudgetThresholdWarning = 10

	// BudgetThresholdHealthy indicates normal operation.
	BudgetThresholdHealthy = 25
)

// BudgetState is the shared view of the listing API's request budget,
// extracted from the X-RateLimit-Remaining and X-RateLimit-Reset headers.
type BudgetState struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the budget window resets (from the reset header,
	// epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= BudgetThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *BudgetState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *BudgetState) NeedsCriticalBlock() bool {
	return s.Remaining < BudgetThresholdCritical && !s.windowReset()
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *BudgetState) NeedsThrottling() bool {
	return s.Remaining < BudgetThresholdWarning && !s.NeedsCriticalBlock() && !s.windowReset()
}

// TimeUntilReset returns the duration until the budget window resets.
// Returns 0 if the reset time has already passed.
func (s *BudgetState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *BudgetState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= BudgetThresholdHealthy
}

// windowReset reports whether the window the state was captured in has
// already ended; a passed reset means the budget is full again.
func (s *BudgetState) windowReset() bool {
	return !s.ResetAt.IsZero() && time.Now().After(s.ResetAt)
}
