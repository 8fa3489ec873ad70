// Package resilience guards upstream calls with a circuit breaker, so a
// provider outage fails a scan's symbols fast instead of retrying each one.
package resilience

import (
	"sync"
	"time"

	"patternscan/internal/errors"
)

// State is the state of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned without calling upstream while the breaker is open.
var ErrCircuitOpen = errors.New("upstream circuit open")

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold successful probes close it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// IsFailure reports whether err counts against upstream. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns the provider breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 8,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. In the half-open state a
// single probe runs at a time; concurrent callers are rejected.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
	onChange  func(name string, from, to State)
	rejected  int64
}

// New creates a closed breaker. Non-positive thresholds take the defaults.
func New(name string, cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now, state: StateClosed}
}

// OnStateChange registers fn to be called, under the breaker lock, on every
// transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half-open once the
// cooldown has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Rejected reports how many calls were refused while open.
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Call runs fn unless the breaker refuses it. A nil breaker always calls fn.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	var zero T
	probe, err := b.allow()
	if err != nil {
		return zero, err
	}
	v, err := fn()
	b.record(probe, err)
	return v, err
}

// Do is Call for functions without a result.
func (b *Breaker) Do(fn func() error) error {
	_, err := Call(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.rejected++
			return false, errors.Wrapf(ErrCircuitOpen, "%s", b.name)
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			return false, errors.Wrapf(ErrCircuitOpen, "%s probe in flight", b.name)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}

	failed := err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err))
	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		if failed {
			b.open()
			return
		}
		if !probe {
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}
