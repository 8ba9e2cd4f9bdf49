// Package breaker isolates calls to unreliable outbound dependencies
// (AI providers, the breach lookup API) behind a per-dependency circuit.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/procuredesk/guard/internal/metrics"
)

// State of a circuit
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Defaults for a new breaker
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 60 * time.Second
)

// CircuitBreakerError is returned instead of calling the wrapped function
// while the circuit is open. It never wraps the dependency's own errors.
type CircuitBreakerError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s, retry after %s", e.Name, e.State, e.RetryAfter.Round(time.Second))
}

// IsOpen reports whether err was produced by an open circuit
func IsOpen(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

// Options configures a breaker
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	// Now is the clock; nil means time.Now
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = DefaultSuccessThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a point-in-time snapshot of a breaker
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime,omitempty"`
	LastSuccessTime time.Time `json:"lastSuccessTime,omitempty"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	TotalRejected   int64     `json:"totalRejected"`
}

// Breaker is a CLOSED -> OPEN -> HALF_OPEN state machine for one dependency
type Breaker struct {
	name string
	opts Options

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
}

// New creates a closed breaker
func New(name string, opts Options) *Breaker {
	b := &Breaker{name: name, opts: opts.withDefaults()}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the dependency name
func (b *Breaker) Name() string { return b.name }

// State returns the current state without triggering a transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the circuit admits the call. Errors from fn are returned
// unchanged; a rejected call returns *CircuitBreakerError without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

// Do runs fn through b and returns its value
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	if b.state != StateOpen {
		return nil
	}
	elapsed := b.opts.Now().Sub(b.lastFailureTime)
	if elapsed >= b.opts.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
		return nil
	}
	b.totalRejected++
	return &CircuitBreakerError{
		Name:       b.name,
		State:      StateOpen,
		RetryAfter: b.opts.ResetTimeout - elapsed,
	}
}

func (b *Breaker) record(ctx context.Context, err error) {
	// A caller abandoning the call says nothing about the dependency.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	if err != nil {
		b.totalFailures++
		b.lastFailureTime = now
		switch b.state {
		case StateHalfOpen:
			b.transitionLocked(StateOpen)
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.opts.FailureThreshold {
				b.transitionLocked(StateOpen)
			}
		}
		return
	}

	b.totalSuccesses++
	b.lastSuccessTime = now
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.opts.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.failureCount = 0
	b.successCount = 0
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	if from != to {
		b.opts.Logger.Info("circuit breaker state change",
			slog.String("name", b.name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}
}

// ForceState sets the state directly. An OPEN override starts a fresh reset timeout.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == StateOpen {
		b.lastFailureTime = b.opts.Now()
	}
	b.transitionLocked(s)
}

// Reset closes the circuit and clears counters and totals
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.lastFailureTime = time.Time{}
	b.lastSuccessTime = time.Time{}
	b.totalRequests = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.totalRejected = 0
}

// Stats returns a snapshot for observability endpoints
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
	}
}
