// Package circuit stops calling a backend that keeps failing, so turns fail
// fast instead of each waiting out its own retries and timeout.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed   State = iota // calls flow
	Open                  // calls are rejected until the cooldown ends
	HalfOpen              // one probe call decides between Closed and Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. A FailureThreshold below 1 disables it.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before a probe is allowed
}

// Breaker counts consecutive backend failures. It is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. After the cooldown exactly one
// caller is let through as the probe; the rest are rejected until it reports.
func (b *Breaker) Allow() bool {
	if b.cfg.FailureThreshold < 1 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(success bool) {
	if b.cfg.FailureThreshold < 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if success {
		b.state = Closed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

// Release returns an allowed call's slot without counting it either way.
// Used for outcomes that say nothing about backend health.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.now().Add(-b.cfg.Cooldown)
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
