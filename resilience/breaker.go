package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without running
// it.
var ErrOpen = errors.New("circuit breaker open")

// BreakerState is the circuit position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker trips after consecutive failures and probes with a single
// call after the cooldown.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown, state: BreakerClosed}
}

// Do runs fn unless the breaker is open. Results feed the breaker
// state.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State reports the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probing = false
		fallthrough
	default: // half-open
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		return
	}
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probing = false
	case BreakerClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
}
