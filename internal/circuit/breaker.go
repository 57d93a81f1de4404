// Package circuit implements a per-source circuit breaker.
package circuit

import (
	"sync"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// State is the breaker state for one source.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const defaultThreshold = 5

// Status is a point-in-time view of a source's breaker.
type Status struct {
	State    State
	Failures int
	OpenedAt time.Time
}

// Config controls breaker thresholds.
type Config struct {
	Threshold int
	CoolDown  time.Duration
	Clock     harvest.Clock
	// OnStateChange is invoked outside any lock after a source changes state.
	OnStateChange func(source string, state State)
}

type sourceState struct {
	mu            sync.Mutex
	failures      int
	state         State
	openedAt      time.Time
	probeInFlight bool
}

// Breaker tracks failures per source and short-circuits sources that keep failing.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	clock     harvest.Clock
	onChange  func(string, State)

	mu      sync.RWMutex
	sources map[string]*sourceState
}

// New builds a Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	return &Breaker{
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		clock:     cfg.Clock,
		onChange:  cfg.OnStateChange,
		sources:   make(map[string]*sourceState),
	}
}

func (b *Breaker) get(source string) *sourceState {
	b.mu.RLock()
	st, ok := b.sources[source]
	b.mu.RUnlock()
	if ok {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.sources[source]; ok {
		return st
	}
	st = &sourceState{state: StateClosed}
	b.sources[source] = st
	return st
}

// IsOpen reports whether requests to source should be skipped. Once the cool-down
// has elapsed exactly one caller is let through as the half-open probe; everyone
// else keeps seeing an open breaker until that probe resolves.
func (b *Breaker) IsOpen(source string) bool {
	st := b.get(source)
	st.mu.Lock()
	var changed bool
	open := true
	switch st.state {
	case StateClosed:
		open = false
	case StateOpen:
		if b.clock.Now().Sub(st.openedAt) >= b.coolDown {
			st.state = StateHalfOpen
			st.probeInFlight = true
			changed = true
			open = false
		}
	case StateHalfOpen:
		if !st.probeInFlight {
			st.probeInFlight = true
			open = false
		}
	}
	st.mu.Unlock()
	if changed {
		b.notify(source, StateHalfOpen)
	}
	return open
}

// Tripped reports whether source is open. Unlike IsOpen it never moves the
// breaker to half-open, so a caller that already passed IsOpen can recheck it
// before every request it sends.
func (b *Breaker) Tripped(source string) bool {
	st := b.get(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state == StateOpen
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess(source string) {
	st := b.get(source)
	st.mu.Lock()
	changed := st.state != StateClosed
	st.state = StateClosed
	st.failures = 0
	st.probeInFlight = false
	st.mu.Unlock()
	if changed {
		b.notify(source, StateClosed)
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold or when a
// half-open probe fails.
func (b *Breaker) RecordFailure(source string) {
	st := b.get(source)
	st.mu.Lock()
	var opened bool
	st.failures++
	switch st.state {
	case StateClosed:
		if st.failures >= b.threshold {
			st.state = StateOpen
			st.openedAt = b.clock.Now()
			opened = true
		}
	case StateHalfOpen:
		st.state = StateOpen
		st.openedAt = b.clock.Now()
		st.probeInFlight = false
		opened = true
	}
	st.mu.Unlock()
	if opened {
		b.notify(source, StateOpen)
	}
}

// ReleaseProbe returns an unused half-open probe, for example when the candidate
// turned out to be a duplicate and no request was made.
func (b *Breaker) ReleaseProbe(source string) {
	st := b.get(source)
	st.mu.Lock()
	if st.state == StateHalfOpen {
		st.probeInFlight = false
	}
	st.mu.Unlock()
}

// Status returns the current state of source.
func (b *Breaker) Status(source string) Status {
	st := b.get(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Status{State: st.state, Failures: st.failures, OpenedAt: st.openedAt}
}

func (b *Breaker) notify(source string, state State) {
	if b.onChange != nil {
		b.onChange(source, state)
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
