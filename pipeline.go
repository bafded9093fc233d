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
	"bytes"
	"context"
	"io"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// Request is the pipeline's entry point. It returns immediately with an
// Abortable future; normalization, policy checks, and the attempt loop all
// run on a background goroutine, leaving the caller free to Wait or Submit
// a callback on the same future.
func (e *Engine) Request(ctx context.Context, method Method, path string, opts CallOptions) *Abortable[*FetchResponse] {
	// Step 1: guard destroyed instance.
	if e.IsDestroyed() {
		scope := newParentAbortScope(ctx, 0)
		future := newAbortable[*FetchResponse](scope)
		future.settle(nil, ErrDestroyed)
		return future
	}

	// Step 2: resolve timeouts, start the parent AbortScope as a child of
	// the engine's own instance scope, so Destroy cascades into it.
	totalTimeout := resolveTotalTimeout(opts.TotalTimeout, opts.Timeout, e.instanceTotalTimeout, e.instanceTimeout)
	attemptTimeout := resolveAttemptTimeout(opts.AttemptTimeout, e.instanceAttemptTimeout)
	scope := newParentAbortScope(mergeContext(e.scope.Context(), ctx), totalTimeout)

	future := newAbortable[*FetchResponse](scope)
	go e.run(scope, future, method, path, opts, attemptTimeout)
	return future
}

// Get, Post, Put, Patch, Delete, Options are the per-verb shorthands.
func (e *Engine) Get(ctx context.Context, path string, opts CallOptions) *Abortable[*FetchResponse] {
	return e.Request(ctx, MethodGet, path, opts)
}
func (e *Engine) Post(ctx context.Context, path string, opts CallOptions) *Abortable[*FetchResponse] {
	return e.Request(ctx, MethodPost, path, opts)
}
func (e *Engine) Put(ctx context.Context, path string, opts CallOptions) *Abortable[*FetchResponse] {
	return e.Request(ctx, MethodPut, path, opts)
}
func (e *Engine) Patch(ctx context.Context, path string, opts CallOptions) *Abortable[*FetchResponse] {
	return e.Request(ctx, MethodPatch, path, opts)
}
func (e *Engine) Delete(ctx context.Context, path string, opts CallOptions) *Abortable[*FetchResponse] {
	return e.Request(ctx, MethodDelete, path, opts)
}
func (e *Engine) Options(ctx context.Context, path string, opts CallOptions) *Abortable[*FetchResponse] {
	return e.Request(ctx, MethodOptions, path, opts)
}

func (e *Engine) run(scope *abortScope, future *Abortable[*FetchResponse], method Method, path string, opts CallOptions, attemptTimeout time.Duration) {
	req := &Request{
		Method:         method,
		Path:           path,
		Payload:        opts.Payload,
		scope:          scope,
		retry:          e.resolveRetryConfig(opts.Retry),
		attemptTimeout: attemptTimeout,
		determine:      opts.DetermineType,
		onBeforeReq:    opts.OnBeforeReq,
		onAfterReq:     opts.OnAfterReq,
		onError:        opts.OnError,
	}

	// Step 3: normalize.
	if err := e.normalize(req, opts); err != nil {
		e.fail(req, future, err)
		return
	}

	// Step 4: rate-limit guard.
	if !opts.RateLimitSkip && e.rateLimit != nil {
		if err := e.guardRateLimit(scope.Context(), req); err != nil {
			e.fail(req, future, err)
			return
		}
	}

	// Step 5: cache lookup.
	var cacheKey string
	var cacheCfg *RuleConfig
	if !opts.CacheSkip && e.cacheEng != nil {
		cfg := e.cacheEng.resolve(method, path)
		if cfg != nil {
			key := e.requestKey(cfg, req)
			entry, fresh, stale, miss := e.registry.CacheLookup(scope.Context(), key)
			switch {
			case fresh:
				e.events.Emit(e.envelope(EventFetchCacheHit, req))
				future.settle(entry.Value, nil)
				return
			case stale:
				e.events.Emit(e.envelope(EventFetchCacheStale, req))
				e.scheduleRevalidate(key, cfg, req)
				future.settle(entry.Value, nil)
				return
			case miss:
				e.events.Emit(e.envelope(EventFetchCacheMiss, req))
				cacheKey, cacheCfg = key, cfg
			}
		}
	}

	// Steps 6-9: dedupe join / lead, attempt loop, cache write, settle.
	e.joinOrLead(scope, future, req, opts, cacheKey, cacheCfg)
}

func (e *Engine) joinOrLead(scope *abortScope, future *Abortable[*FetchResponse], req *Request, opts CallOptions, cacheKey string, cacheCfg *RuleConfig) {
	var dedupeCfg *RuleConfig
	if !opts.DedupeSkip && e.dedupe != nil {
		dedupeCfg = e.dedupe.resolve(req.Method, req.Path)
	}

	run := func() (*FetchResponse, error) {
		resp, err := e.attemptLoop(req)
		if err != nil {
			return nil, err
		}
		if cacheCfg != nil {
			if werr := e.registry.CacheWrite(req.scope.Context(), cacheKey, resp, cacheCfg.TTL, cacheCfg.StaleIn); werr != nil {
				e.Logger.WithField("err", werr).Warn("rhttp: cache write failed")
			} else {
				e.events.Emit(e.envelope(EventFetchCacheSet, req))
			}
		}
		return resp, nil
	}

	if dedupeCfg == nil {
		resp, err := run()
		if err != nil {
			e.fail(req, future, err)
			return
		}
		future.settle(resp, nil)
		return
	}

	dedupeKey := e.requestKey(dedupeCfg, req)
	resp, isLeader, waitingCount, err := e.registry.Do(scope.Context(), dedupeKey, run)
	if isLeader {
		e.events.Emit(e.envelope(EventFetchDedupeStart, req))
	} else {
		e.events.Emit(e.envelopeExtra(EventFetchDedupeJoin, req, map[string]any{"waitingCount": waitingCount}))
	}
	if err != nil {
		e.fail(req, future, err)
		return
	}
	future.settle(resp, nil)
}

// attemptLoop sends req, classifies and parses the response, and retries on
// failure per req.retry, sleeping a cancelable backoff between attempts.
func (e *Engine) attemptLoop(req *Request) (*FetchResponse, error) {
	maxAttempts := req.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req.Attempt = attempt

		child := req.scope.newChild(req.attemptTimeout)
		if req.onBeforeReq != nil {
			req.onBeforeReq(req)
		}
		e.events.Emit(e.envelope(EventFetchBefore, req))

		resp, err := e.doOneAttempt(child, req)

		e.events.Emit(e.envelope(EventFetchAfter, req))

		if err == nil {
			if req.onAfterReq != nil {
				req.onAfterReq(req, resp.cloneForHook())
			}
			e.events.Emit(e.envelope(EventFetchResponse, req))
			return resp, nil
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		retry, delay := req.retry.decide(err, attempt)
		if !retry {
			break
		}

		e.events.Emit(e.envelopeExtra(EventFetchRetry, req, map[string]any{"delayMs": delay.Milliseconds(), "err": err.Error()}))
		if serr := sleepCancelable(req.scope.Context(), delay); serr != nil {
			timedOut := req.scope.TimedOut()
			return nil, &AbortedError{Method: req.Method, Path: req.Path, Attempt: attempt, TimedOut: timedOut, Reason: serr}
		}
	}
	return nil, lastErr
}

// doOneAttempt sends req once over the transport, classifies and parses the
// body, and maps transport/status failures into FetchError.
func (e *Engine) doOneAttempt(scope *abortScope, req *Request) (*FetchResponse, error) {
	wreq := &WireRequest{Method: req.Method, URL: req.URL, Headers: req.Headers, Body: req.Body}

	wresp, err := e.transport.Send(scope.Context(), wreq)
	if err != nil {
		if scope.Err() != nil {
			return nil, &AbortedError{Method: req.Method, Path: req.Path, Attempt: req.Attempt, TimedOut: scope.TimedOut(), Reason: err}
		}
		return nil, newTransportError(req.Method, req.Path, req.Attempt, err)
	}

	kind := resolveResponseKind(req.determine, wresp.Headers["Content-Type"], nil, e.defaultKind, func(msg string) {
		e.Logger.Warn(msg)
	})

	data, perr := parseBody(kind, wresp.Body)
	if perr != nil {
		return nil, newParseError(req.Method, req.Path, req.Attempt, wresp.Status, perr)
	}

	if wresp.Status < 200 || wresp.Status >= 300 {
		return nil, newResponseError(req.Method, req.Path, req.Attempt, wresp.Status, wresp.Body, wresp.Headers)
	}

	return &FetchResponse{
		Data:    data,
		Headers: wresp.Headers,
		Status:  wresp.Status,
		Request: req,
		Config: RequestConfigSnapshot{
			BaseURL:        e.baseURL.String(),
			DefaultKind:    e.defaultKind,
			TotalTimeout:   int64(resolveTotalTimeout(0, 0, e.instanceTotalTimeout, e.instanceTimeout)),
			AttemptTimeout: int64(req.attemptTimeout),
		},
	}, nil
}

// guardRateLimit resolves the route's rate-limit rule, if any, and blocks
// or rejects the request per the bucket's current state.
func (e *Engine) guardRateLimit(ctx context.Context, req *Request) error {
	cfg := e.rateLimit.resolve(req.Method, req.Path)
	if cfg == nil {
		return nil
	}
	key := defaultRateLimitKey(req.Method, req.Path)
	bucket := e.rateLimit.bucketFor(key, cfg)

	if bucket.Consume(1) {
		e.events.Emit(e.envelopeExtra(EventFetchRateLimitAcquire, req, nil))
		return nil
	}

	if !cfg.WaitForToken {
		e.events.Emit(e.envelopeExtra(EventFetchRateLimitReject, req, nil))
		return &RateLimitedError{Method: req.Method, Path: req.Path, Capacity: cfg.MaxCalls}
	}

	wait := bucket.WaitTimeMs(1)
	e.events.Emit(e.envelopeExtra(EventFetchRateLimitWait, req, map[string]any{"waitTimeMs": wait.Milliseconds()}))

	ok, err := bucket.WaitAndConsume(ctx, 1)
	if !ok || err != nil {
		return &AbortedError{Method: req.Method, Path: req.Path, Attempt: req.Attempt, TimedOut: ctx.Err() != nil && req.scope.TimedOut(), Reason: err}
	}
	e.events.Emit(e.envelopeExtra(EventFetchRateLimitAcquire, req, nil))
	return nil
}

// normalize merges headers/params, serializes the body unless it is already
// a byte/stream container, applies modifyOptions hooks, validates, and
// builds the URL.
func (e *Engine) normalize(req *Request, opts CallOptions) error {
	headers := e.headers.Resolve(req.Method, opts.Headers)
	params := e.params.Resolve(req.Method, opts.Params)

	if e.modifyOptions != nil {
		e.modifyOptions(req.Method, req.Path, &opts)
	}
	if fn, ok := e.modifyMethod[req.Method]; ok {
		fn(req.Method, req.Path, &opts)
	}

	if e.validate.Headers != nil {
		for k, v := range headers {
			if err := e.validate.Headers(k, v); err != nil {
				return &ValidationError{Field: "headers." + k, Cause: err}
			}
		}
	}
	if e.validate.PerRequestHeaders != nil {
		for k, v := range opts.Headers {
			if err := e.validate.PerRequestHeaders(k, v); err != nil {
				return &ValidationError{Field: "headers." + k, Cause: err}
			}
		}
	}

	body, err := serializePayload(opts.Payload)
	if err != nil {
		return &ValidationError{Field: "payload", Cause: err}
	}

	rawURL, err := buildURL(e.baseURL, req.Path, params, e.paramsValidator(opts))
	if err != nil {
		return err
	}

	req.Headers = headers
	req.Params = params
	req.State = e.state.Get()
	req.Body = body
	req.URL = rawURL
	return nil
}

// paramsValidator composes the engine-wide and per-request param validation
// hooks into the single ParamsValidateFunc buildURL expects.
func (e *Engine) paramsValidator(opts CallOptions) ParamsValidateFunc {
	global := e.validate.Params
	perReq := e.validate.PerRequestParams
	if global == nil && perReq == nil {
		return nil
	}
	return func(params map[string]string) error {
		if global != nil {
			for k, v := range params {
				if err := global(k, v); err != nil {
					return err
				}
			}
		}
		if perReq != nil {
			if err := perReq(params); err != nil {
				return err
			}
		}
		return nil
	}
}

// serializePayload converts a request payload to wire bytes: a []byte or
// io.Reader passes through untouched; anything else is marshaled as JSON
// via sonic, the engine's JSON codec.
func serializePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case io.Reader:
		return io.ReadAll(v)
	case *bytes.Buffer:
		return v.Bytes(), nil
	default:
		return sonic.Marshal(v)
	}
}

func (e *Engine) resolveRetryConfig(override *RetryConfig) RetryConfig {
	if override != nil {
		return *override
	}
	return e.retry
}

// requestKey builds the canonical dedupe/cache key for req, honoring a
// rule-supplied custom serializer if set.
func (e *Engine) requestKey(cfg *RuleConfig, req *Request) string {
	if cfg.Serializer != nil {
		return cfg.Serializer(req.Method, req.URL, req.Body, req.Headers)
	}
	pathAndQuery := req.URL
	if u, err := url.Parse(req.URL); err == nil {
		pathAndQuery = u.RequestURI()
	}
	return canonicalRequestKey(req.Method, pathAndQuery, req.Body, req.Headers)
}

func (e *Engine) scheduleRevalidate(key string, cfg *RuleConfig, req *Request) {
	if !e.registry.TryStartRevalidation(key) {
		return
	}
	submitted := e.workers.Submit(func() {
		defer e.registry.FinishRevalidation(key)
		resp, err := e.attemptLoop(req)
		if err != nil {
			e.events.Emit(e.envelopeExtra(EventFetchCacheRevalidateError, req, map[string]any{"err": err.Error()}))
			return
		}
		if werr := e.registry.CacheWrite(req.scope.Context(), key, resp, cfg.TTL, cfg.StaleIn); werr != nil {
			e.events.Emit(e.envelopeExtra(EventFetchCacheRevalidateError, req, map[string]any{"err": werr.Error()}))
			return
		}
		e.events.Emit(e.envelope(EventFetchCacheRevalidate, req))
		e.events.Emit(e.envelope(EventFetchCacheSet, req))
	})
	if !submitted {
		e.registry.FinishRevalidation(key)
		e.Logger.Debug("rhttp: revalidation dropped, worker pool saturated")
	}
}

func (e *Engine) fail(req *Request, future *Abortable[*FetchResponse], err error) {
	name := EventFetchError
	if IsAborted(err) {
		name = EventFetchAbort
	}
	e.events.Emit(e.envelope(name, req))
	if req.onError != nil {
		req.onError(req, err)
	}
	future.settle(nil, err)
}

func (e *Engine) envelope(name EventName, req *Request) EventEnvelope {
	return e.envelopeExtra(name, req, nil)
}

func (e *Engine) envelopeExtra(name EventName, req *Request, extra map[string]any) EventEnvelope {
	return EventEnvelope{
		Name:    name,
		Method:  req.Method,
		Path:    req.Path,
		URL:     req.URL,
		Payload: req.Payload,
		Headers: req.Headers,
		Params:  req.Params,
		State:   stateJSON(req.State),
		Attempt: req.Attempt,
		Extra:   extra,
	}
}

// stateJSON renders an instance-state snapshot as JSON for EventEnvelope.State,
// or "" if the state is empty.
func stateJSON(state map[string]any) string {
	if len(state) == 0 {
		return ""
	}
	raw, err := sonic.Marshal(state)
	if err != nil {
		return ""
	}
	return string(raw)
}
