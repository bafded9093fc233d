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

import "time"

// BeforeRequestHook runs just before a transport attempt.
type BeforeRequestHook func(*Request)

// AfterRequestHook runs after an attempt that succeeded (a 2xx response
// whose body parsed), given a defensive clone of the response. It is not
// called for attempts that fail at the fetch, parse, or response step.
type AfterRequestHook func(*Request, *FetchResponse)

// ErrorHook fires once per terminal failure, after fetch-error/fetch-abort
// is emitted.
type ErrorHook func(*Request, error)

// CallOptions configures a single request.
type CallOptions struct {
	Headers        map[string]string
	Params         map[string]string
	Payload        any
	TotalTimeout   time.Duration
	Timeout        time.Duration // legacy alias; TotalTimeout takes precedence when both are set
	AttemptTimeout time.Duration
	Retry          *RetryConfig
	DetermineType  DetermineTypeFunc
	OnBeforeReq    BeforeRequestHook
	OnAfterReq     AfterRequestHook
	OnError        ErrorHook
	DedupeSkip     bool
	CacheSkip      bool
	RateLimitSkip  bool
}

// Request is the resolved, normalized view of
// one call through the pipeline.
type Request struct {
	Method   Method
	Path     string
	Payload  any
	Body     []byte // serialized payload, set during normalization
	Headers  map[string]string
	Params   map[string]string
	State    map[string]any // instance state, snapshotted at normalization time
	URL      string
	Attempt  int

	scope          *abortScope
	retry          RetryConfig
	attemptTimeout time.Duration
	determine      DetermineTypeFunc
	onBeforeReq    BeforeRequestHook
	onAfterReq     AfterRequestHook
	onError        ErrorHook
}

// resolveTotalTimeout resolves the four-way timeout precedence: request
// TotalTimeout > request Timeout > instance TotalTimeout > instance
// Timeout. This precedence must not be "cleaned up".
func resolveTotalTimeout(reqTotal, reqTimeout, instTotal, instTimeout time.Duration) time.Duration {
	switch {
	case reqTotal > 0:
		return reqTotal
	case reqTimeout > 0:
		return reqTimeout
	case instTotal > 0:
		return instTotal
	default:
		return instTimeout
	}
}

// resolveAttemptTimeout mirrors the same request > instance precedence for
// the per-attempt timeout.
func resolveAttemptTimeout(reqAttempt, instAttempt time.Duration) time.Duration {
	if reqAttempt > 0 {
		return reqAttempt
	}
	return instAttempt
}
