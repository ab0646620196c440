package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned without calling the guarded function while the circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Guards calls to a dependency and stops calling it after repeated failures
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failureCount    int
	successCount    int
	probing         bool
	lastFailureTime time.Time
	lastStateChange time.Time

	maxFailures     int
	timeout         time.Duration
	halfOpenSuccess int
	isFailure       func(error) bool
	onStateChange   func(from, to State)
	now             func() time.Time
}

type Config struct {
	MaxFailures     int           // Default: 5
	Timeout         time.Duration // How long to stay open. Default: 30 seconds
	HalfOpenSuccess int           // Successes needed in half-open to close. Default: 1

	// Decides which errors count against the circuit. Default: every non-nil error
	IsFailure func(error) bool
	// Called with the lock held; must not call back into the breaker
	OnStateChange func(from, to State)
	Clock         func() time.Time
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
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &CircuitBreaker{
		state:           StateClosed,
		maxFailures:     cfg.MaxFailures,
		timeout:         cfg.Timeout,
		halfOpenSuccess: cfg.HalfOpenSuccess,
		isFailure:       cfg.IsFailure,
		onStateChange:   cfg.OnStateChange,
		now:             cfg.Clock,
		lastStateChange: cfg.Clock(),
	}
}

// Executes fn unless the circuit is open. In half-open only one probe runs at a time
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.successCount = 0
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}

	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false

	if cb.isFailure(err) {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen {
		// A failed probe reopens immediately
		cb.setState(StateOpen)
		cb.successCount = 0
	} else if cb.failureCount >= cb.maxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenSuccess {
			cb.setState(StateClosed)
			cb.failureCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	old := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	if cb.onStateChange != nil {
		cb.onStateChange(old, newState)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.probing = false
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		State:           cb.state,
		StateName:       cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

type Metrics struct {
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
