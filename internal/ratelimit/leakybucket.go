// Package ratelimit provides client-side request pacing for LLM calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LeakyBucket paces callers to a steady requests-per-minute rate.
// Wait blocks until the next slot is available or the context is done.
type LeakyBucket struct {
	mu     sync.Mutex
	every  time.Duration
	next   time.Time
	closed bool
}

// NewLeakyBucketFromRPM creates a bucket allowing rpm requests per minute.
// rpm <= 0 yields a bucket that never blocks.
func NewLeakyBucketFromRPM(rpm int) *LeakyBucket {
	b := &LeakyBucket{}
	b.setRPMLocked(rpm)
	return b
}

func (b *LeakyBucket) setRPMLocked(rpm int) {
	if rpm <= 0 {
		b.every = 0
		return
	}
	b.every = time.Minute / time.Duration(rpm)
}

// SetRPM adjusts the rate. Safe to call while Wait is in flight; the new
// interval applies from the next slot computation.
func (b *LeakyBucket) SetRPM(rpm int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRPMLocked(rpm)
}

// Wait blocks until this caller may proceed. Returns the context error if the
// context ends first; the reserved slot is not released in that case, which
// keeps the overall rate conservative under cancellation storms.
func (b *LeakyBucket) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.every == 0 {
		b.mu.Unlock()
		return nil
	}
	now := time.Now()
	if b.next.Before(now) {
		b.next = now
	}
	wakeAt := b.next
	b.next = b.next.Add(b.every)
	b.mu.Unlock()

	delay := time.Until(wakeAt)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close disables the bucket; subsequent Wait calls return immediately.
func (b *LeakyBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
