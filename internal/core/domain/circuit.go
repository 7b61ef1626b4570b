package domain

import "time"

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitState is a snapshot of one guarded dependency.
type CircuitState struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"` // only meaningful in HALF_OPEN
	LastFailureTime time.Time    `json:"last_failure_time,omitzero"`
	NextAttemptTime time.Time    `json:"next_attempt_time,omitzero"`
}

// RetryAttempt describes one failed attempt inside a retry loop.
type RetryAttempt struct {
	Attempt   int
	Err       error
	Category  Category
	NextDelay time.Duration
}
