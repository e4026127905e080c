// Package circuitbreaker stops calling an upstream that keeps failing and
// probes it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the circuit is open
var ErrOpen = errors.New("circuit breaker open: upstream calls suspended")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no upstream calls allowed
	StateHalfOpen              // Testing if upstream has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configures a CircuitBreaker
type Options struct {
	// Consecutive failures that trip the circuit
	FailureThreshold int

	// Time the circuit stays open before a probe is allowed
	ResetDelay time.Duration

	// Consecutive successes in half-open state required to close the circuit
	SuccessThreshold int

	// Called asynchronously whenever the circuit trips
	OnTrip func(name, reason string)
}

// CircuitBreaker tracks consecutive failures of one upstream
type CircuitBreaker struct {
	name string
	opts Options

	mu           sync.Mutex
	state        State
	failures     int
	successCount int
	lastTrip     time.Time
	lastReason   string
	now          func() time.Time
}

// Status is a point-in-time view of the breaker for status endpoints
type Status struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"consecutive_failures"`
	LastTrip   time.Time `json:"last_trip,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
}

// New creates a closed CircuitBreaker for the named upstream
func New(name string, opts Options) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = time.Minute
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 1
	}
	return &CircuitBreaker{name: name, opts: opts, state: StateClosed, now: time.Now}
}

// WithClock replaces the time source and returns the circuit breaker
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether an upstream call may proceed. Once the reset delay
// has passed an open circuit moves to half-open and lets calls through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastTrip) < cb.opts.ResetDelay {
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.WithField("upstream", cb.name).Info("Circuit breaker half-open: testing upstream recovery")
	}
	return nil
}

// Success records a successful upstream call
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.opts.SuccessThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.WithField("upstream", cb.name).Info("Circuit breaker closed: upstream has recovered")
		}
	}
}

// Failure records a failed upstream call. A failure while half-open trips
// the circuit again immediately.
func (cb *CircuitBreaker) Failure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastReason = reason
	if cb.state == StateHalfOpen || cb.failures >= cb.opts.FailureThreshold {
		cb.trip(reason)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a snapshot of the breaker
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Status{
		Name:       cb.name,
		State:      cb.state.String(),
		Failures:   cb.failures,
		LastTrip:   cb.lastTrip,
		LastReason: cb.lastReason,
	}
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

// trip opens the circuit; callers hold mu
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.WithFields(logrus.Fields{
		"upstream": cb.name,
		"failures": cb.failures,
	}).Warnf("Circuit breaker tripped: %s", reason)

	if cb.opts.OnTrip != nil {
		go cb.opts.OnTrip(cb.name, reason)
	}
}
