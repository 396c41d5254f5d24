package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls short-circuited
	StateHalfOpen BreakerState = "half_open" // One trial call allowed
)

// Config holds breaker thresholds
type Config struct {
	MaxFailures int           `json:"max_failures"` // consecutive failures before opening
	Cooldown    time.Duration `json:"cooldown"`     // time spent open before a trial call
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Cooldown:    30 * time.Second,
	}
}

// ErrOpen is returned by Do while the breaker is open
type ErrOpen struct {
	Remaining time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker open, cooldown remaining: %v", e.Remaining.Round(time.Second))
}

// Breaker trips after consecutive failures and lets a single trial call
// through once the cooldown has elapsed.
type Breaker struct {
	config   Config
	state    BreakerState
	failures int
	openedAt time.Time
	trialOut bool
	mu       sync.Mutex
	onTrip   func(failures int)
	onReset  func()
	Clock    func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultConfig().MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{config: config, state: StateClosed, Clock: time.Now}
}

// OnTrip sets callback for when breaker trips
func (cb *Breaker) OnTrip(handler func(failures int)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (cb *Breaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Allow reports whether a call may proceed. In half-open state only one
// caller gets true until it reports back.
func (cb *Breaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := cb.Clock().Sub(cb.openedAt)
		if elapsed < cb.config.Cooldown {
			return &ErrOpen{Remaining: cb.config.Cooldown - elapsed}
		}
		cb.state = StateHalfOpen
		cb.trialOut = true
		return nil
	default:
		if cb.trialOut {
			return &ErrOpen{}
		}
		cb.trialOut = true
		return nil
	}
}

// RecordSuccess closes the breaker and resets the failure count
func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	recovered := cb.state != StateClosed
	cb.state = StateClosed
	cb.failures = 0
	cb.trialOut = false
	onReset := cb.onReset
	cb.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold or
// when a half-open trial fails.
func (cb *Breaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.trialOut = false
	tripped := false
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
		tripped = cb.state != StateOpen
		cb.state = StateOpen
		cb.openedAt = cb.Clock()
	}
	failures := cb.failures
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if tripped && onTrip != nil {
		go onTrip(failures)
	}
}

// Do runs fn under the breaker
func (cb *Breaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state without transitioning
func (cb *Breaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Group holds one breaker per key (e.g. per tunnel host), created on demand
type Group struct {
	config   Config
	mu       sync.Mutex
	breakers map[string]*Breaker
	maxKeys  int
	Clock    func() time.Time
}

// NewGroup creates a keyed breaker set. maxKeys bounds memory; when exceeded
// closed breakers are dropped first.
func NewGroup(config Config, maxKeys int) *Group {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Group{config: config, breakers: make(map[string]*Breaker), maxKeys: maxKeys, Clock: time.Now}
}

// Get returns the breaker for key
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[key]; ok {
		return b
	}
	if len(g.breakers) >= g.maxKeys {
		for k, b := range g.breakers {
			if b.State() == StateClosed {
				delete(g.breakers, k)
			}
		}
	}
	b := NewBreaker(g.config)
	b.Clock = g.Clock
	g.breakers[key] = b
	return b
}
