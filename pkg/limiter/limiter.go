// Package limiter serializes work per key with context-aware waits.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when a key stays held longer than the configured wait.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Limiter hands out one slot per key. Different keys never contend.
type Limiter struct {
	keys    map[string]*keySlot
	timeout time.Duration
	mu      sync.Mutex
}

// keySlot is reference counted so idle keys are dropped from the map.
type keySlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLimiter creates a limiter. A zero timeout waits until ctx is done.
func NewLimiter(timeout time.Duration) *Limiter {
	return &Limiter{
		keys:    make(map[string]*keySlot),
		timeout: timeout,
	}
}

// Acquire blocks until key is free. It returns a release func and the time
// spent waiting. The release func must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, key string) (func(), time.Duration, error) {
	slot := l.ref(key)
	start := time.Now()

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := slot.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(key)
		waited := time.Since(start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, waited, fmt.Errorf("waiting for %s: %w", key, ctxErr)
		}
		return nil, waited, fmt.Errorf("%w: %s held for over %s", ErrLockTimeout, key, l.timeout)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			slot.sem.Release(1)
			l.unref(key)
		})
	}
	return release, time.Since(start), nil
}

// Len returns the number of keys currently held or awaited.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Limiter) ref(key string) *keySlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, exists := l.keys[key]
	if !exists {
		slot = &keySlot{sem: semaphore.NewWeighted(1)}
		l.keys[key] = slot
	}
	slot.refs++
	return slot
}

func (l *Limiter) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, exists := l.keys[key]
	if !exists {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.keys, key)
	}
}
