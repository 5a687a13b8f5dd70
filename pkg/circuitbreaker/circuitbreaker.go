package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the guarded call while the
// breaker is cooling down.
var ErrOpen = errors.New("circuit breaker open")

// Config shapes when the breaker trips and how it recovers.
// FailureThreshold consecutive failures open it; after Cooldown it
// admits up to HalfOpenProbes calls, and SuccessThreshold consecutive
// probe successes close it again.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	HalfOpenProbes   int
}

// DefaultConfig suits a lookup dependency sitting on the join path:
// trip after a handful of consecutive failures so joins fail fast
// instead of stacking up behind a dead upstream, probe again shortly.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         15 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker guards calls to one upstream dependency.
type Breaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	consecFailures int
	probeSuccesses int
	probesAdmitted int
	openedAt       time.Time

	onChange func(from, to State)
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// OnStateChange registers a callback fired on every transition. It runs
// outside the breaker's lock and must not block.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn through the breaker. While open it returns ErrOpen without
// calling fn; fn's own error is passed through otherwise.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !b.admit() {
		return zero, ErrOpen
	}

	result, err := fn()
	b.record(err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	var fired func()

	admitted := true
	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			admitted = false
			break
		}
		fired = b.transition(HalfOpen)
		b.probesAdmitted = 1
	case HalfOpen:
		if b.probesAdmitted >= b.cfg.HalfOpenProbes {
			admitted = false
			break
		}
		b.probesAdmitted++
	}

	b.mu.Unlock()
	if fired != nil {
		fired()
	}
	return admitted
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	var fired func()

	if err == nil {
		b.consecFailures = 0
		if b.state == HalfOpen {
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.SuccessThreshold {
				fired = b.transition(Closed)
			}
		}
	} else {
		switch b.state {
		case HalfOpen:
			// One failing probe sends it straight back to open.
			fired = b.transition(Open)
		case Closed:
			b.consecFailures++
			if b.consecFailures >= b.cfg.FailureThreshold {
				fired = b.transition(Open)
			}
		}
	}

	b.mu.Unlock()
	if fired != nil {
		fired()
	}
}

// transition switches state and returns the callback invocation to run
// after the lock is released. Caller must hold b.mu.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.consecFailures = 0
	b.probeSuccesses = 0
	if to == Open {
		b.openedAt = time.Now()
		b.probesAdmitted = 0
	}

	if b.onChange == nil {
		return nil
	}
	cb := b.onChange
	return func() { cb(from, to) }
}
