package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ProcessLimiter caps how many scanner processes run at once.
type ProcessLimiter interface {
	// Acquire blocks until a slot is free for key or ctx is done.
	Acquire(ctx context.Context, key string) error
	// Release frees the slot held by key and returns how long it was held.
	// Unknown keys are ignored and report zero.
	Release(key string) time.Duration
	// Active returns the number of held slots.
	Active() int
	// Available returns the number of free slots.
	Available() int
	Close() error
}

// LimiterOption customizes a FixedProcessLimiter.
type LimiterOption func(*FixedProcessLimiter)

// WithLimiterClock sets the clock used to time held slots.
func WithLimiterClock(c clockwork.Clock) LimiterOption {
	return func(l *FixedProcessLimiter) { l.clock = c }
}

// FixedProcessLimiter is a ProcessLimiter with a fixed number of slots.
type FixedProcessLimiter struct {
	slots chan struct{}
	clock clockwork.Clock

	mu      sync.Mutex
	holders map[string]time.Time // key -> acquired at
	closed  bool
}

// NewFixedProcessLimiter creates a limiter with capacity slots (at least one).
func NewFixedProcessLimiter(capacity int, opts ...LimiterOption) *FixedProcessLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	l := &FixedProcessLimiter{
		slots:   make(chan struct{}, capacity),
		clock:   clockwork.NewRealClock(),
		holders: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *FixedProcessLimiter) check(key string) error {
	if l.closed {
		return fmt.Errorf("process limiter is closed")
	}
	if _, held := l.holders[key]; held {
		return fmt.Errorf("slot %q already held", key)
	}
	return nil
}

// Acquire implements ProcessLimiter.
func (l *FixedProcessLimiter) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	err := l.check(key)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Closed or taken by a concurrent Acquire while waiting for the slot.
	if err := l.check(key); err != nil {
		<-l.slots
		return err
	}
	l.holders[key] = l.clock.Now()
	return nil
}

// Release implements ProcessLimiter.
func (l *FixedProcessLimiter) Release(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	since, ok := l.holders[key]
	if !ok {
		return 0
	}
	delete(l.holders, key)
	<-l.slots
	return l.clock.Since(since)
}

// Active implements ProcessLimiter.
func (l *FixedProcessLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

// Available implements ProcessLimiter.
func (l *FixedProcessLimiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cap(l.slots) - len(l.holders)
}

// Close implements ProcessLimiter. Held slots stay valid until released.
func (l *FixedProcessLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
