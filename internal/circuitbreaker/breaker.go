package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Trips after consecutive store failures so the hot path stops paying
// round-trip timeouts to a dependency that is down
type CircuitBreaker struct {
	mu              sync.RWMutex
	name            string
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	maxFailures     int
	timeout         time.Duration
	halfOpenSuccess int
	onStateChange   func(name string, from, to State)
	now             func() time.Time
}

type Config struct {
	Name            string
	MaxFailures     int           // Default: 5
	Timeout         time.Duration // Default: 30 seconds
	HalfOpenSuccess int           // Default: 1
	OnStateChange   func(name string, from, to State)
	Now             func() time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		state:           StateClosed,
		maxFailures:     cfg.MaxFailures,
		timeout:         cfg.Timeout,
		halfOpenSuccess: cfg.HalfOpenSuccess,
		onStateChange:   cfg.OnStateChange,
		now:             cfg.Now,
		lastStateChange: cfg.Now(),
	}
}

// Executes fn unless the circuit is open. Errors from fn count as failures.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	transition := cb.record(err)
	cb.mu.Unlock()

	cb.notify(transition)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var transition *stateTransition

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			cb.mu.Unlock()
			return false
		}
		transition = cb.setState(StateHalfOpen)
		cb.successCount = 0
	}
	cb.mu.Unlock()

	cb.notify(transition)
	return true
}

func (cb *CircuitBreaker) record(err error) *stateTransition {
	if err != nil {
		return cb.onFailure()
	}
	return cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() *stateTransition {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen {
		// In half-open, any failure opens the circuit
		cb.successCount = 0
		return cb.setState(StateOpen)
	}
	if cb.failureCount >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() *stateTransition {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenSuccess {
			cb.failureCount = 0
			return cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failureCount = 0
	}
	return nil
}

type stateTransition struct {
	from, to State
}

func (cb *CircuitBreaker) setState(newState State) *stateTransition {
	if cb.state == newState {
		return nil
	}
	t := &stateTransition{from: cb.state, to: newState}
	cb.state = newState
	cb.lastStateChange = cb.now()
	return t
}

// Callback runs outside the lock
func (cb *CircuitBreaker) notify(t *stateTransition) {
	if t != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.mu.Unlock()

	cb.notify(t)
}

// Returns current circuit breaker metrics
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

type Metrics struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
