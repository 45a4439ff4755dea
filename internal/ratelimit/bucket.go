// Package ratelimit implements the connector's per-peer defense layer: a
// token-bucket primitive and a multi-class limiter with a sliding-window
// circuit breaker.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// TokenBucket is a single-key rate primitive with lazy refill: tokens are
// topped up from elapsed wall time on every operation rather than by a timer.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket. Capacity and refill rate must be
// positive and finite.
func NewTokenBucket(capacity, refillRate float64) (*TokenBucket, error) {
	if capacity <= 0 || math.IsInf(capacity, 0) || math.IsNaN(capacity) {
		return nil, fmt.Errorf("ratelimit: invalid capacity %v", capacity)
	}
	if refillRate <= 0 || math.IsInf(refillRate, 0) || math.IsNaN(refillRate) {
		return nil, fmt.Errorf("ratelimit: invalid refill rate %v", refillRate)
	}
	tb := &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		now:        time.Now,
	}
	tb.lastRefill = tb.now()
	return tb, nil
}

// refillLocked applies elapsed time to the token count. Caller holds mu.
func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+tb.refillRate*elapsed)
	}
	tb.lastRefill = now
}

// TryConsume takes n tokens if available and reports whether it did.
func (tb *TokenBucket) TryConsume(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens < n {
		return false
	}
	tb.tokens -= n
	return true
}

// Refund returns n tokens, capped at capacity. The limiter uses it to undo
// a consume when a paired bucket rejects the same request.
func (tb *TokenBucket) Refund(n float64) {
	if n <= 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	tb.tokens = math.Min(tb.capacity, tb.tokens+n)
}

// Available returns the current token count after lazy refill.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	return tb.tokens
}

// Reset restores the bucket to full capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}

// SetRefillRate adjusts the refill rate, settling accrued tokens at the old
// rate first. Used by the limiter's adaptive mode.
func (tb *TokenBucket) SetRefillRate(rate float64) {
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	tb.refillRate = rate
}

// Capacity returns the configured capacity.
func (tb *TokenBucket) Capacity() float64 { return tb.capacity }

// setClock swaps the time source. Tests only.
func (tb *TokenBucket) setClock(now func() time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.now = now
	tb.lastRefill = now()
}
