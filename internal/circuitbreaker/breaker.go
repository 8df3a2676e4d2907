// Package circuitbreaker short-circuits alert delivery to endpoints that keep failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpointState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker tracks consecutive failures per endpoint key. After threshold
// failures the endpoint opens for cooldown, then admits a single probe.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow returns ErrCircuitOpen while endpoint is open or a half-open probe is in flight.
func (b *Breaker) Allow(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if b.clock().Sub(s.openedAt) >= b.cooldown {
			s.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.endpoints[endpoint]; ok {
		s.state = StateClosed
		s.consecutiveFailures = 0
	}
}

func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		s = &endpointState{}
		b.endpoints[endpoint] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= b.threshold {
		s.state = StateOpen
		s.openedAt = b.clock()
	}
}

// State reports the current state of endpoint without side effects.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.endpoints[endpoint]; ok {
		return s.state
	}
	return StateClosed
}
