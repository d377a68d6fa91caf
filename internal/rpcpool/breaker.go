package rpcpool

import "time"

// CircuitState is the per-endpoint breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// MetricValue encodes the state for gauge exposition:
// 0 closed, 0.5 half-open, 1 open.
func (s CircuitState) MetricValue() float64 {
	switch s {
	case StateHalfOpen:
		return 0.5
	case StateOpen:
		return 1
	}
	return 0
}

// BreakerConfig holds the circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold     int
	RecoveryTimeout      time.Duration
	HalfOpenSuccessQuota int
	FailureWindow        time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		HalfOpenSuccessQuota: 3,
		FailureWindow:        60 * time.Second,
	}
}

// breaker is the per-endpoint circuit state machine. Not safe for
// concurrent use on its own; the pool serializes access.
type breaker struct {
	cfg BreakerConfig

	state             CircuitState
	failures          int
	successStreak     int
	halfOpenSuccesses int
	lastFailure       time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: StateClosed}
}

// onFailure records a failed request at time now.
func (b *breaker) onFailure(now time.Time) {
	// Failures only count as consecutive while inside the window.
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.successStreak = 0
	b.lastFailure = now

	switch b.state {
	case StateHalfOpen:
		// Any failure during probing trips the breaker again.
		b.state = StateOpen
		b.halfOpenSuccesses = 0
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// onSuccess records a successful request.
func (b *breaker) onSuccess() {
	b.successStreak++

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessQuota {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
		if b.successStreak >= 10 {
			b.failures = 0
		}
	}
}

// maybeHalfOpen flips an open breaker to half-open once the recovery
// timeout has elapsed since the last failure. Returns true on flip.
func (b *breaker) maybeHalfOpen(now time.Time) bool {
	if b.state != StateOpen {
		return false
	}
	if now.Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
		return false
	}
	b.state = StateHalfOpen
	b.halfOpenSuccesses = 0
	return true
}

// forceHalfOpen flips an open breaker to half-open regardless of the
// recovery timeout. Used when no endpoint is eligible and the pool
// must probe something.
func (b *breaker) forceHalfOpen() {
	if b.state == StateOpen {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	}
}
