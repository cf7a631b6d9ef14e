// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
//
// Callers run a dependency through Execute; the breaker admits, rejects,
// or probes based on the key's recent failure history. Once open, calls
// fail immediately with *OpenError and no external I/O happens.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: limited requests allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when the breaker rejects a call. RemainingMs is the
// time left before the breaker will admit a probe; zero while half-open.
type OpenError struct {
	Key         string `json:"key"`
	RemainingMs int64  `json:"remainingMs"`
}

func (e *OpenError) Error() string {
	if e.RemainingMs > 0 {
		return fmt.Sprintf("circuit breaker %s is open, retry in %dms", e.Key, e.RemainingMs)
	}
	return fmt.Sprintf("circuit breaker %s is open", e.Key)
}

// KeyState is the externally visible state of one key, as served by the API.
type KeyState struct {
	State          string `json:"state"`
	Failures       int    `json:"failures"`
	FirstFailureAt string `json:"firstFailureAt,omitempty"`
	OpenedAt       string `json:"openedAt,omitempty"`
	RemainingMs    int64  `json:"remainingMs,omitempty"`
	ProbesInFlight int    `json:"probesInFlight,omitempty"`
}

// entry tracks per-key circuit state.
type entry struct {
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probes       int // in-flight half-open probes
}

// Breaker is a per-key circuit breaker. Each key trips independently after
// threshold consecutive failures, rejects calls for recoveryTimeout, then
// admits up to halfOpenMax concurrent probes before deciding to close or
// re-open.
type Breaker struct {
	mu              sync.Mutex
	entries         map[string]*entry
	threshold       int
	recoveryTimeout time.Duration
	halfOpenMax     int
	onTransition    func(key string, from, to State) // optional, for event fanout

	now func() time.Time // swapped in tests
}

// New creates a circuit breaker that opens after threshold consecutive
// failures, stays open for recoveryTimeout, and admits halfOpenMax probes
// while half-open.
func New(threshold int, recoveryTimeout time.Duration, halfOpenMax int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}
	return &Breaker{
		entries:         make(map[string]*entry),
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		halfOpenMax:     halfOpenMax,
		now:             time.Now,
	}
}

// OnTransition sets a callback invoked on state changes (for event fanout).
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn through the breaker for key. If the key's circuit is open
// it returns *OpenError without invoking fn; otherwise fn's error is
// returned unchanged and its outcome feeds the state machine. The lock is
// not held while fn runs.
func (b *Breaker) Execute(key string, fn func() error) error {
	probe, err := b.admit(key)
	if err != nil {
		return err
	}
	callErr := fn()
	b.record(key, probe, callErr)
	return callErr
}

// admit decides whether a call may proceed, and whether it counts as a
// half-open probe.
func (b *Breaker) admit(key string) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}

	switch e.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := b.now().Sub(e.openedAt)
		if elapsed < b.recoveryTimeout {
			metrics.BreakerRejections.WithLabelValues(key).Inc()
			return false, &OpenError{Key: key, RemainingMs: (b.recoveryTimeout - elapsed).Milliseconds()}
		}
		// Recovery window elapsed: this call becomes the first probe.
		b.transition(e, key, StateHalfOpen)
		e.probes = 1
		return true, nil
	case StateHalfOpen:
		if e.probes >= b.halfOpenMax {
			metrics.BreakerRejections.WithLabelValues(key).Inc()
			return false, &OpenError{Key: key}
		}
		e.probes++
		return true, nil
	}
	return false, nil
}

// record lands a call's outcome on the key's state machine.
func (b *Breaker) record(key string, probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}

	if probe {
		if e.probes > 0 {
			e.probes--
		}
		if e.state != StateHalfOpen {
			return // a reset raced the probe; its outcome no longer matters
		}
		if callErr != nil {
			b.transition(e, key, StateOpen)
		} else {
			b.transition(e, key, StateClosed)
		}
		return
	}

	if e.state != StateClosed {
		return // stale completion from before the breaker tripped
	}
	if callErr == nil {
		e.failures = 0
		e.firstFailure = time.Time{}
		return
	}
	e.failures++
	if e.failures == 1 {
		e.firstFailure = b.now()
	}
	if e.failures >= b.threshold {
		b.transition(e, key, StateOpen)
	}
}

// GetState returns the current state for a key. Unknown keys are closed.
func (b *Breaker) GetState(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Snapshot returns the state of every tracked key.
func (b *Breaker) Snapshot() map[string]KeyState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]KeyState, len(b.entries))
	for key, e := range b.entries {
		ks := KeyState{
			State:          e.state.String(),
			Failures:       e.failures,
			ProbesInFlight: e.probes,
		}
		if !e.firstFailure.IsZero() {
			ks.FirstFailureAt = isotime.Format(e.firstFailure)
		}
		if e.state == StateOpen {
			ks.OpenedAt = isotime.Format(e.openedAt)
			if rem := b.recoveryTimeout - b.now().Sub(e.openedAt); rem > 0 {
				ks.RemainingMs = rem.Milliseconds()
			}
		}
		out[key] = ks
	}
	return out
}

// Reset unconditionally returns the key to closed with zero counts.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	b.reset(e, key)
}

// ResetAll resets every tracked key.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, e := range b.entries {
		b.reset(e, key)
	}
}

// reset closes the entry and zeroes its counts. Caller must hold b.mu.
func (b *Breaker) reset(e *entry, key string) {
	if e.state != StateClosed {
		b.transition(e, key, StateClosed)
		return
	}
	e.failures = 0
	e.firstFailure = time.Time{}
}

// transition changes state, maintains the per-state fields, and fires the
// callback if set. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to

	switch to {
	case StateClosed:
		e.failures = 0
		e.firstFailure = time.Time{}
		e.openedAt = time.Time{}
		e.probes = 0
	case StateOpen:
		e.openedAt = b.now()
		e.probes = 0
	}

	metrics.BreakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
