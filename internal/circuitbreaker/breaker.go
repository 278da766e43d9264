// Package circuitbreaker protects rate lookups against a failing or misbehaving
// history store. While the circuit is open callers skip the store entirely and
// use their fallback.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, lookups are skipped
	StateHalfOpen              // Testing if the store has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in status payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrOpen is returned by Allow while the circuit is open
var ErrOpen = errors.New("circuit breaker open: rate history lookups suspended")

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// MinRate and MaxRate bound a plausible observation, in percent
	MinRate float64 `json:"min_rate"`
	MaxRate float64 `json:"max_rate"`

	// MaxConsecutiveFailures trips the circuit after this many lookup errors in a row
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// DefaultThresholds returns sensible limits for US mortgage rate indices
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinRate:                0.5,
		MaxRate:                25,
		MaxConsecutiveFailures: 5,
	}
}

// CircuitBreaker implements the circuit breaker pattern around a rate store.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time

	// Duration before a reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Most recent observation that passed the checks
	lastGood    model.RatePoint
	hasLastGood bool

	failures int

	// Consecutive successes while half-open, and how many close the circuit
	successCount     int
	successThreshold int

	onTripCallback func(reason string)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful lookups needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Allow reports whether a lookup may be attempted. An open circuit moves to
// half-open once the reset delay has passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if time.Since(cb.lastTrip) <= cb.resetDelay {
		return ErrOpen
	}

	cb.state = StateHalfOpen
	cb.successCount = 0
	logrus.Info("Circuit breaker half-open: testing rate store recovery")
	return nil
}

// Check validates an observation returned by the store. An implausible value
// trips the circuit and is reported as an error.
func (cb *CircuitBreaker) Check(point model.RatePoint) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if point.Value < cb.thresholds.MinRate || point.Value > cb.thresholds.MaxRate {
		reason := fmt.Sprintf("implausible rate %.3f on %s (allowed %.3f..%.3f)",
			point.Value, point.Date, cb.thresholds.MinRate, cb.thresholds.MaxRate)
		cb.trip(reason)
		return errors.New(reason)
	}

	cb.lastGood = point
	cb.hasLastGood = true
	cb.recordSuccess()
	return nil
}

// RecordSuccess notes a lookup that completed without error, found or not
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordSuccess()
}

// RecordFailure notes a failed lookup and trips the circuit after too many in a row.
// A failure while half-open trips it immediately.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("lookup failed while half-open: %v", err))
		return
	}
	if cb.thresholds.MaxConsecutiveFailures > 0 && cb.failures >= cb.thresholds.MaxConsecutiveFailures {
		cb.trip(fmt.Sprintf("%d consecutive lookup failures, last: %v", cb.failures, err))
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.failures = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns the most recent observation that passed the checks
func (cb *CircuitBreaker) LastGood() (model.RatePoint, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastGood, cb.hasLastGood
}

// recordSuccess must be called with the lock held
func (cb *CircuitBreaker) recordSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: rate store has recovered")
		}
	}
}

// trip sets the circuit breaker to open state, must be called with the lock held
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	cb.successCount = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}
