package scanning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedProcessLimiter_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		l := NewFixedProcessLimiter(5)
		require.NoError(t, l.Acquire(context.Background(), "scan-1"))
		assert.Equal(t, 1, l.Active())
		assert.Equal(t, 4, l.Available())
		l.Release("scan-1")
		assert.Equal(t, 0, l.Active())
	})

	t.Run("exhaustion blocks until deadline", func(t *testing.T) {
		l := NewFixedProcessLimiter(2)
		ctx := context.Background()
		require.NoError(t, l.Acquire(ctx, "scan-1"))
		require.NoError(t, l.Acquire(ctx, "scan-2"))

		ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.Acquire(ctx3, "scan-3"), context.DeadlineExceeded)

		l.Release("scan-1")
		l.Release("scan-2")
	})

	t.Run("duplicate key rejected", func(t *testing.T) {
		l := NewFixedProcessLimiter(2)
		require.NoError(t, l.Acquire(context.Background(), "dup"))
		assert.Error(t, l.Acquire(context.Background(), "dup"))
		l.Release("dup")
	})

	t.Run("closed limiter", func(t *testing.T) {
		l := NewFixedProcessLimiter(1)
		require.NoError(t, l.Close())
		assert.Error(t, l.Acquire(context.Background(), "late"))
	})

	t.Run("non-positive capacity becomes one", func(t *testing.T) {
		l := NewFixedProcessLimiter(0)
		assert.Equal(t, 1, l.Available())
	})
}

func TestFixedProcessLimiter_ReleaseUnblocksWaiter(t *testing.T) {
	l := NewFixedProcessLimiter(1)
	require.NoError(t, l.Acquire(context.Background(), "first"))

	acquired := make(chan error, 1)
	go func() {
		acquired <- l.Acquire(context.Background(), "second")
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release("first")
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
	l.Release("second")
}

func TestFixedProcessLimiter_ReleaseUnknownKey(t *testing.T) {
	l := NewFixedProcessLimiter(1)
	require.NoError(t, l.Acquire(context.Background(), "held"))
	assert.Zero(t, l.Release("never-acquired"))
	assert.Equal(t, 1, l.Active())
	l.Release("held")
	assert.Zero(t, l.Release("held"), "second release is a no-op")
	assert.Equal(t, 1, l.Available())
}

func TestFixedProcessLimiter_ReleaseReportsHeldTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewFixedProcessLimiter(2, WithLimiterClock(clock))

	require.NoError(t, l.Acquire(context.Background(), "10.0.0.1"))
	clock.Advance(3 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), "10.0.0.2"))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 5*time.Second, l.Release("10.0.0.1"))
	assert.Equal(t, 2*time.Second, l.Release("10.0.0.2"))
	assert.Equal(t, 0, l.Active())
}

func TestFixedProcessLimiter_CloseWhileWaiting(t *testing.T) {
	l := NewFixedProcessLimiter(1)
	require.NoError(t, l.Acquire(context.Background(), "first"))

	acquired := make(chan error, 1)
	go func() {
		acquired <- l.Acquire(context.Background(), "second")
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, l.Close())
	l.Release("first")

	select {
	case err := <-acquired:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never returned")
	}
	assert.Equal(t, 0, l.Active())
	assert.Equal(t, 1, l.Available())
}

func TestFixedProcessLimiter_Concurrent(t *testing.T) {
	l := NewFixedProcessLimiter(3)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		current int
		peak    int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			require.NoError(t, l.Acquire(context.Background(), key))
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			l.Release(key)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, l.Active())
}
