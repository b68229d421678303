// Package circuit provides a circuit breaker that keeps an unhealthy sink from stalling callers.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses
	StateOpen
	// StateHalfOpen lets trial calls through
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // consecutive failures that open the circuit
	SuccessRequired int           // trial successes that close it again
	Timeout         time.Duration // open -> half-open cool-down
	OnStateChange   func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
	}
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	State        State
	Failures     int
	Successes    int
	Rejected     uint64
	LastFailTime time.Time
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	trials   int
	rejected uint64
	openedAt time.Time
	lastFail time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{config: config, now: time.Now}
}

// errOpen is returned when a call is rejected.
func (cb *Breaker) errOpen() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
		WithContext("breaker", cb.config.Name)
}

// Execute runs fn unless the circuit is open
func (cb *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return cb.errOpen()
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for functions returning a value
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, cb.errOpen()
	}
	res, err := fn(ctx)
	cb.record(err)
	return res, err
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.rejected++
			return false
		}
		cb.transition(StateHalfOpen)
	}
	return true
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFail = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.openedAt = cb.lastFail
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.trials++
		if cb.trials >= cb.config.SuccessRequired {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// transition must be called with mu held.
func (cb *Breaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.trials = 0
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.trials,
		Rejected:     cb.rejected,
		LastFailTime: cb.lastFail,
	}
}

// Reset closes the circuit
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
}
