// Package circuitbreaker fails upstream calls fast while the upstream is
// unhealthy.
//
// States:
//   - Closed: calls pass through
//   - Open: calls fail immediately with ErrOpen
//   - Half-Open: calls pass through until the breaker closes or reopens
//
// InMemoryBreaker guards a single instance; RedisBreaker shares state across
// gateway replicas.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("upstream circuit open")

type Breaker interface {
	// Allow returns ErrOpen while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // time spent open before half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryBreaker is a process-local breaker.
type InMemoryBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (b *InMemoryBreaker) Allow(ctx context.Context) error {
	b.mu.RLock()
	state := b.state
	lastFailure := b.lastFailure
	b.mu.RUnlock()

	if state != StateOpen {
		return nil
	}
	if b.now().Sub(lastFailure) < b.config.Timeout {
		return ErrOpen
	}

	b.mu.Lock()
	if b.state == StateOpen {
		b.state = StateHalfOpen
		b.successes = 0
	}
	b.mu.Unlock()
	return nil
}

func (b *InMemoryBreaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *InMemoryBreaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *InMemoryBreaker) State(ctx context.Context) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *InMemoryBreaker) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}
