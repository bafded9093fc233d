/************************************************************************************
 *
 * rhttp, a resilient HTTP client engine for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2026 The rhttp Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package rhttp

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketSnapshot is the point-in-time view returned by
// TokenBucket.Snapshot.
type TokenBucketSnapshot struct {
	CurrentTokens    int
	Capacity         int
	NextAvailableAt  time.Time
}

// TokenBucket is the engine's rate-limit primitive. Its synchronous
// operations (Snapshot, WaitTimeMs, Consume) recompute currentTokens lazily
// from wall-clock elapsed time. The cancellable WaitAndConsume delegates
// the actual blocking wait to golang.org/x/time/rate.Limiter.WaitN, which
// already implements context-aware waiting for the n-th token, rather than
// reimplementing it with ad hoc timers.
type TokenBucket struct {
	mu                sync.Mutex
	capacity          int
	refillInterval    time.Duration // time to accrue one token
	currentTokens     float64
	lastRefillAt      time.Time

	limiter *rate.Limiter // debited by Consume, waited on by WaitAndConsume
}

// NewTokenBucket builds a bucket with the given capacity and refill
// interval (time to accrue one token). A rule's refill interval is
// windowMs / maxCalls.
func NewTokenBucket(capacity int, refillInterval time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	var lim *rate.Limiter
	if refillInterval <= 0 {
		lim = rate.NewLimiter(rate.Inf, capacity)
	} else {
		lim = rate.NewLimiter(rate.Every(refillInterval), capacity)
	}
	return &TokenBucket{
		capacity:       capacity,
		refillInterval: refillInterval,
		currentTokens:  float64(capacity),
		lastRefillAt:   time.Now(),
		limiter:        lim,
	}
}

// refillLocked recomputes currentTokens from elapsed wall-clock time. The
// caller must hold b.mu.
func (b *TokenBucket) refillLocked(now time.Time) {
	if b.refillInterval <= 0 {
		b.currentTokens = float64(b.capacity)
		b.lastRefillAt = now
		return
	}
	elapsed := now.Sub(b.lastRefillAt)
	if elapsed <= 0 {
		return
	}
	accrued := float64(elapsed) / float64(b.refillInterval)
	b.currentTokens = math.Min(float64(b.capacity), b.currentTokens+accrued)
	b.lastRefillAt = now
}

// Snapshot returns the current token count, capacity, and the time at
// which the next token becomes available (now, if tokens are already
// available).
func (b *TokenBucket) Snapshot() TokenBucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.refillLocked(now)

	next := now
	if b.currentTokens < 1 {
		missing := 1 - b.currentTokens
		next = now.Add(time.Duration(missing * float64(b.refillInterval)))
	}
	return TokenBucketSnapshot{
		CurrentTokens:   int(b.currentTokens),
		Capacity:        b.capacity,
		NextAvailableAt: next,
	}
}

// WaitTimeMs returns 0 if n tokens are already available, else the time
// until the n-th token accrues.
func (b *TokenBucket) WaitTimeMs(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.refillLocked(now)

	if b.currentTokens >= float64(n) {
		return 0
	}
	missing := float64(n) - b.currentTokens
	return time.Duration(missing * float64(b.refillInterval))
}

// Consume atomically removes n tokens, failing if insufficient are
// available. It never blocks.
func (b *TokenBucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.refillLocked(now)

	if b.currentTokens < float64(n) {
		return false
	}
	b.currentTokens -= float64(n)
	// Debit the limiter too, so WaitAndConsume's WaitN sees the same
	// exhausted bucket instead of a still-full burst.
	b.limiter.ReserveN(now, n)
	return true
}

// WaitAndConsume blocks until n tokens are available or ctx is cancelled,
// then consumes them. It returns (true, nil) on success, (false, ctx.Err())
// on cancellation/timeout.
func (b *TokenBucket) WaitAndConsume(ctx context.Context, n int) (bool, error) {
	if b.Consume(n) {
		return true, nil
	}
	if err := b.limiter.WaitN(ctx, n); err != nil {
		return false, err
	}
	// The limiter's own bookkeeping just admitted n tokens; mirror that in
	// our lazily-refilled counter so Snapshot/WaitTimeMs stay consistent.
	b.mu.Lock()
	now := time.Now()
	b.refillLocked(now)
	b.currentTokens = math.Max(0, b.currentTokens-float64(n))
	b.mu.Unlock()
	return true, nil
}
