// Package breaker implements the circuit breaker pattern for protecting
// calls to external dependencies.
//
// A breaker guards exactly one dependency endpoint. Calls pass through while
// the breaker is CLOSED; after a streak of dependency failures the breaker
// trips OPEN and fails fast without contacting the dependency; once the
// reset timeout elapses a single trial call is let through (HALF_OPEN) to
// probe recovery.
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State string

// Circuit breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the thresholds for one breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips the
	// breaker from CLOSED to OPEN.
	FailureThreshold int
	// SuccessThreshold is the consecutive trial success count that closes
	// the breaker from HALF_OPEN.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays OPEN before allowing a
	// trial call.
	ResetTimeout time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's state, safe to hand to
// loggers and error payloads.
type Snapshot struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// StateChangeFunc is invoked on a state transition while the breaker lock
// is held; callbacks must be fast and must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker is a per-endpoint circuit breaker. All methods are safe for
// concurrent use; the Allow/Report pair is atomic with respect to other
// callers so at most one HALF_OPEN probe is in flight at a time.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probeInFlight        bool

	now      func() time.Time
	onChange StateChangeFunc
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked on every state transition.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker for the named endpoint. Breaker state is held in
// memory only and resets to CLOSED on process restart.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the endpoint name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed now.
//
// CLOSED always allows. OPEN allows nothing until the reset timeout has
// elapsed, at which point the breaker moves to HALF_OPEN and grants a single
// probe slot. In HALF_OPEN only the probe slot holder may proceed; everyone
// else is rejected until the probe outcome is reported.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.consecutiveSuccesses = 0
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// ReportSuccess records a successful call. It resets the failure streak and,
// in HALF_OPEN, counts toward closing the breaker.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false

	if b.state == StateHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.consecutiveSuccesses = 0
		}
	}
}

// ReportFailure records a dependency failure. Only failures representing
// dependency unavailability or timeout should be reported; caller-side
// errors must not be counted (the caller classifies).
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// Any trial failure reopens immediately and restarts the clock.
		b.consecutiveFailures++
		b.trip()
	case StateOpen:
		// Late failure report from a call that started before the trip.
		b.consecutiveFailures++
	}
}

// Snapshot returns a copy of the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
	}
	if b.state == StateOpen {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// trip moves the breaker to OPEN and stamps the reset clock.
// Caller must hold b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

// transition changes state and fires the change callback.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
