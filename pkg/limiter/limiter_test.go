package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := NewLimiter(time.Second)

	release, wait, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.Less(t, wait, time.Second)
	assert.Equal(t, 1, l.Len())

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, l.Len())
}

func TestSameKeySerializes(t *testing.T) {
	l := NewLimiter(0)

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, _, err := l.Acquire(context.Background(), "thread")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	assert.Equal(t, 0, l.Len())
}

func TestDifferentKeysIndependent(t *testing.T) {
	l := NewLimiter(50 * time.Millisecond)

	releaseA, _, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, _, err := l.Acquire(context.Background(), "b")
	require.NoError(t, err)
	releaseB()
}

func TestTimeout(t *testing.T) {
	l := NewLimiter(20 * time.Millisecond)

	release, _, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	_, wait, err := l.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.GreaterOrEqual(t, wait, 20*time.Millisecond)
	assert.Equal(t, 1, l.Len())
}

func TestCallerCancellation(t *testing.T) {
	l := NewLimiter(time.Minute)

	release, _, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = l.Acquire(ctx, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}
