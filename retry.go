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
	"time"
)

// ShouldRetryFunc decides whether to retry err on the given attempt. A
// delay >= 0 with ok=true overrides the computed backoff verbatim; when ok
// is false, the computed backoff is used instead.
type ShouldRetryFunc func(err error, attempt int) (retry bool, delay time.Duration, ok bool)

// RetryConfig is the retry controller's configuration. MaxAttempts == 0
// disables retry entirely.
type RetryConfig struct {
	MaxAttempts           int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	UseExponentialBackoff bool
	RetryableStatusCodes  map[int]struct{}
	ShouldRetry           ShouldRetryFunc
}

// defaultRetryableStatusCodes are the status codes retried when a rule
// doesn't override RetryableStatusCodes.
var defaultRetryableStatusCodes = map[int]struct{}{
	429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// DefaultRetryConfig returns the engine's default retry behavior: 3
// attempts, 100ms base delay capped at 2s, exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:           3,
		BaseDelay:             100 * time.Millisecond,
		MaxDelay:              2 * time.Second,
		UseExponentialBackoff: true,
		RetryableStatusCodes:  defaultRetryableStatusCodes,
	}
}

// defaultShouldRetry implements the default retry predicate: not
// retryable if aborted or missing a status; step=fetch (status 499,
// client-synthesized) is retryable; otherwise membership in
// RetryableStatusCodes.
func (c RetryConfig) defaultShouldRetry(err error) bool {
	if IsAborted(err) {
		return false
	}
	status, ok := StatusOf(err)
	if !ok {
		return false
	}
	if status == 499 {
		return true
	}
	codes := c.RetryableStatusCodes
	if codes == nil {
		codes = defaultRetryableStatusCodes
	}
	_, retryable := codes[status]
	return retryable
}

// decide resolves whether to retry and the delay to use, applying the
// ShouldRetry override (boolean-or-numeric semantics) over the default
// predicate and computed backoff.
func (c RetryConfig) decide(err error, attempt int) (retry bool, delay time.Duration) {
	computed := c.backoff(attempt)

	if c.ShouldRetry != nil {
		r, d, ok := c.ShouldRetry(err, attempt)
		if !r {
			return false, 0
		}
		if ok {
			return true, d
		}
		return true, computed
	}

	if !c.defaultShouldRetry(err) {
		return false, 0
	}
	return true, computed
}

// backoff computes min(maxDelay, baseDelay*2^(attempt-1)) when exponential
// backoff is enabled, else min(maxDelay, baseDelay).
func (c RetryConfig) backoff(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = 0
	}
	if !c.UseExponentialBackoff {
		return minDuration(c.MaxDelay, base)
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 { // guard against overflow on pathological attempt counts
		shift = 30
	}
	d := base << uint(shift)
	return minDuration(c.MaxDelay, d)
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// sleepCancelable sleeps for d or returns early (with the scope's error) if
// scope is aborted first, so the retry loop observes parent cancellation
// and terminates promptly.
func sleepCancelable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
