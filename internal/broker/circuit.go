package broker

import (
	"sync"
	"time"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

// CircuitState is the breaker state for one outbound dependency.
type CircuitState string

const (
	// CircuitClosed allows all calls.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen fails all calls fast.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows a single probe call.
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker guards calls to one dependency. Consecutive failures at or
// above the threshold open the circuit; after the recovery timeout a single
// probe is allowed, and its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        CircuitState
	failureCount int
	openedAt     time.Time
	probing      bool

	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the recovery timeout elapses, then admits exactly one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.recovery {
			cb.state = CircuitHalfOpen
			cb.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call. A half-open probe success closes
// the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.probing = false
}

// RecordFailure reports a failed call. A half-open probe failure reopens the
// circuit; in the closed state the consecutive-failure count is compared
// against the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
		cb.probing = false
	}
}

// State returns the current breaker state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// CircuitRegistry holds one breaker per outbound dependency.
type CircuitRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	recovery  time.Duration
}

// NewCircuitRegistry creates a registry that mints breakers with the given
// threshold and recovery timeout.
func NewCircuitRegistry(threshold int, recovery time.Duration) *CircuitRegistry {
	return &CircuitRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		recovery:  recovery,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *CircuitRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(r.threshold, r.recovery)
		r.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of all breaker states.
func (r *CircuitRegistry) States() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// Guard runs one outbound call under the named circuit: an open circuit
// fails fast, and the outcome feeds the breaker. A nil registry passes
// the call through unguarded.
func Guard[T any](r *CircuitRegistry, dep string, call func() (T, error)) (T, error) {
	if r == nil {
		return call()
	}
	cb := r.Get(dep)
	if !cb.Allow() {
		var zero T
		return zero, fault.BackendUnavailable("circuit open for "+dep, nil).WithService(dep)
	}
	result, err := call()
	if err != nil {
		cb.RecordFailure()
		return result, err
	}
	cb.RecordSuccess()
	return result, nil
}

// GuardErr is Guard for calls that return only an error.
func GuardErr(r *CircuitRegistry, dep string, call func() error) error {
	_, err := Guard(r, dep, func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}
