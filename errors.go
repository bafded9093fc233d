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
	"errors"
	"fmt"
)

// Step identifies which phase of an attempt produced a FetchError.
type Step string

const (
	StepFetch    Step = "fetch"
	StepParse    Step = "parse"
	StepResponse Step = "response"
)

// FetchError is the error carried out of a failed attempt or a failed
// request at the fetch, parse, or response step. It carries method, path,
// attempt, step, status, aborted, and timedOut; the engine's other error
// kinds (AbortedError, RateLimitedError, ValidationError, ErrDestroyed)
// carry only their own fields.
type FetchError struct {
	Method   Method
	Path     string
	Attempt  int
	Step     Step
	Status   int
	Aborted  bool
	TimedOut bool
	Data     []byte
	Headers  map[string]string
	Cause    error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rhttp: %s %s attempt %d (step=%s status=%d): %v", e.Method, e.Path, e.Attempt, e.Step, e.Status, e.Cause)
	}
	return fmt.Sprintf("rhttp: %s %s attempt %d (step=%s status=%d)", e.Method, e.Path, e.Attempt, e.Step, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// newTransportError builds a step=fetch FetchError with the synthetic 499
// status reserved for transport-layer failures (no real HTTP response).
func newTransportError(method Method, path string, attempt int, cause error) *FetchError {
	return &FetchError{Method: method, Path: path, Attempt: attempt, Step: StepFetch, Status: 499, Cause: cause}
}

// newParseError builds a step=parse FetchError. origStatus is carried
// forward when known, else a 999 sentinel marks the status as unknown.
func newParseError(method Method, path string, attempt, origStatus int, cause error) *FetchError {
	status := origStatus
	if status == 0 {
		status = 999
	}
	return &FetchError{Method: method, Path: path, Attempt: attempt, Step: StepParse, Status: status, Cause: cause}
}

// newResponseError builds a step=response FetchError for a non-2xx status.
func newResponseError(method Method, path string, attempt, status int, data []byte, headers map[string]string) *FetchError {
	return &FetchError{Method: method, Path: path, Attempt: attempt, Step: StepResponse, Status: status, Data: data, Headers: headers}
}

// RateLimitedError is returned when a rate-limit rule rejects a request
// because waitForToken=false and the bucket is exhausted.
type RateLimitedError struct {
	Method   Method
	Path     string
	Capacity int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rhttp: %s %s rate limited (capacity=%d)", e.Method, e.Path, e.Capacity)
}

// AbortedError represents a manual abort (TimedOut=false) or a timeout-fired
// abort (TimedOut=true).
type AbortedError struct {
	Method   Method
	Path     string
	Attempt  int
	TimedOut bool
	Reason   error
}

func (e *AbortedError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("rhttp: %s %s timed out at attempt %d", e.Method, e.Path, e.Attempt)
	}
	return fmt.Sprintf("rhttp: %s %s aborted at attempt %d", e.Method, e.Path, e.Attempt)
}

func (e *AbortedError) Unwrap() error { return e.Reason }

// ValidationError is returned when an options or per-request validation
// hook rejects a value.
type ValidationError struct {
	Field string
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rhttp: validation failed for %q: %v", e.Field, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ErrDestroyed is returned by Request (and its per-verb shorthands) called
// after Destroy.
var ErrDestroyed = errors.New("rhttp: engine is destroyed")

// IsAborted reports whether err is (or wraps) an *AbortedError.
func IsAborted(err error) bool {
	var a *AbortedError
	return errors.As(err, &a)
}

// IsRateLimited reports whether err is (or wraps) a *RateLimitedError.
func IsRateLimited(err error) bool {
	var r *RateLimitedError
	return errors.As(err, &r)
}

// StatusOf returns the HTTP-ish status carried by err, if any, and whether
// one was present. Non-FetchError errors report (0, false).
func StatusOf(err error) (int, bool) {
	var f *FetchError
	if errors.As(err, &f) {
		return f.Status, true
	}
	return 0, false
}
