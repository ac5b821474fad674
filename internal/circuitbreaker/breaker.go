// Package circuitbreaker protects upstream market-data providers from being hammered while they
// are failing, and lets callers fail fast instead of waiting on retries.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow and Execute while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls are rejected
	StateHalfOpen              // Probing whether the upstream has recovered
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Thresholds defines when the breaker trips
type Thresholds struct {
	// Consecutive failures that open the circuit
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// CircuitBreaker counts consecutive upstream failures and opens after a threshold is reached.
// After resetDelay it lets calls through in half-open state and closes again once
// successThreshold calls in a row succeed.
type CircuitBreaker struct {
	name       string
	thresholds Thresholds

	state    State
	lastTrip time.Time

	// Duration before a half-open probe is allowed
	resetDelay time.Duration

	mu sync.RWMutex

	failures     int
	successCount int

	// Number of successful probes required to close the circuit
	successThreshold int

	onTripCallback func(name, reason string)
	now            func() time.Time
}

// New creates a closed CircuitBreaker for the named upstream.
func New(name string, t Thresholds) *CircuitBreaker {
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = 5
	}
	return &CircuitBreaker{
		name:             name,
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       time.Minute,
		successThreshold: 1,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful probes needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	if threshold > 0 {
		cb.successThreshold = threshold
	}
	return cb
}

// WithTripCallback sets a function called whenever the circuit opens
func (cb *CircuitBreaker) WithTripCallback(callback func(name, reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock overrides the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Name returns the upstream name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call may proceed. An open circuit whose reset delay has elapsed moves
// to half-open and admits the call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.RLock()
	state := cb.state
	lastTrip := cb.lastTrip
	cb.mu.RUnlock()

	if state != StateOpen {
		return nil
	}
	if cb.now().Sub(lastTrip) >= cb.resetDelay {
		cb.transitionToHalfOpen()
		return nil
	}
	return fmt.Errorf("%s: %w", cb.name, ErrOpen)
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.WithField("upstream", cb.name).Info("Circuit breaker closed: upstream has recovered")
		}
	}
}

// RecordFailure notes a failed call and trips the circuit when the threshold is reached. Any
// failure while half-open reopens it immediately.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip(fmt.Sprintf("probe failed: %v", err))
	case cb.state == StateClosed && cb.failures >= cb.thresholds.MaxConsecutiveFailures:
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
	}
}

// Execute runs fn if the circuit allows it and records the outcome. countable decides which
// errors indicate an unhealthy upstream; a nil countable counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		cb.RecordSuccess()
	case countable == nil || countable(err):
		cb.RecordFailure(err)
	default:
		// the upstream answered; the request itself was bad
		cb.RecordSuccess()
	}
	return err
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
	cb.failures = 0
	cb.successCount = 0
	logrus.WithField("upstream", cb.name).Info("Circuit breaker manually reset to closed state")
}

// transitionToHalfOpen changes the circuit state to half-open for testing recovery
func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.WithField("upstream", cb.name).Info("Circuit breaker half-open: probing upstream")
	}
}

// trip opens the circuit. Callers hold the write lock.
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.WithFields(logrus.Fields{
		"upstream": cb.name,
		"reason":   reason,
	}).Warn("Circuit breaker tripped")

	if cb.onTripCallback != nil {
		go cb.onTripCallback(cb.name, reason)
	}
}
