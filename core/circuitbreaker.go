package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker
type BreakerState string

const (
	// BreakerClosed lets calls through
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails calls immediately until the cool-down elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a limited number of probe calls
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrBreakerOpen is returned while the breaker is open
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrBreakerProbeLimit is returned when the half-open probe slots are taken
	ErrBreakerProbeLimit = errors.New("circuit breaker probe limit reached")
	// ErrInvalidBreakerConfig is returned by NewCircuitBreaker for a bad config
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// BreakerConfig configures a CircuitBreaker
type BreakerConfig struct {
	// Name identifies the protected dependency in logs and metrics
	Name string
	// MaxFailures consecutive failures open the breaker
	MaxFailures uint32
	// CoolDown is how long the breaker stays open before probing
	CoolDown time.Duration
	// MaxProbes is the number of concurrent half-open calls
	MaxProbes uint32
	// OnStateChange, when set, is called outside the lock on every transition
	OnStateChange func(name string, from, to BreakerState)
}

// Validate checks the configuration
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.CoolDown <= 0 {
		return errors.New("CoolDown must be greater than 0")
	}
	if c.MaxProbes == 0 {
		return errors.New("MaxProbes must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig returns defaults suited to an audit sink
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxFailures: 5,
		CoolDown:    30 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker stops hammering a failing dependency
type CircuitBreaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probes   uint32
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBreakerConfig, err)
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed, now: time.Now}, nil
}

// Execute runs fn if the breaker admits it and records the outcome
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.record(false)
		return err
	}
	cb.record(true)
	return nil
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var from BreakerState
	transitioned := false
	defer func() {
		cb.mu.Unlock()
		if transitioned {
			cb.notify(from, BreakerHalfOpen)
		}
	}()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.CoolDown {
			return ErrBreakerOpen
		}
		from, transitioned = cb.state, true
		cb.state = BreakerHalfOpen
		cb.probes = 1
		return nil
	case BreakerHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			return ErrBreakerProbeLimit
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	from := cb.state
	if success {
		cb.failures = 0
		if cb.state == BreakerHalfOpen {
			cb.state = BreakerClosed
			cb.probes = 0
		}
	} else {
		cb.failures++
		switch cb.state {
		case BreakerHalfOpen:
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
			cb.probes = 0
		case BreakerClosed:
			if cb.failures >= cb.cfg.MaxFailures {
				cb.state = BreakerOpen
				cb.openedAt = cb.now()
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
