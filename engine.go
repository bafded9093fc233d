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
	"fmt"
	"log"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

// ValidateConfig groups the optional validation hooks an Engine runs.
// Headers and Params run on every AddHeader/AddParam, and again over each
// resolved header and the final param map at normalization time;
// PerRequestHeaders runs over a call's own headers and PerRequestParams over
// the final param map. State is stored but not run: SetState applies its
// values without validation.
type ValidateConfig struct {
	Headers           ValidateHookFunc
	Params            ValidateHookFunc
	State             func(map[string]any) error
	PerRequestHeaders ValidateHookFunc
	PerRequestParams  ParamsValidateFunc
}

// ModifyOptionsFunc lets callers rewrite CallOptions just before
// normalization, either globally or per method.
type ModifyOptionsFunc func(Method, string, *CallOptions)

// Engine holds every collaborator a request passes through: transport,
// event bus, cache adapter, and the dedupe/cache/rate-limit policy
// engines, all constructed or injected at New() time.
type Engine struct {
	Logger xlog.Logger

	baseURL     *url.URL
	defaultKind ResponseKind
	transport   Transport
	events      *eventBus
	state       *instanceState
	registry    *registry

	headers *propertyStore
	params  *propertyStore

	retry RetryConfig

	dedupe    *dedupeEngine
	cacheEng  *cacheEngine
	rateLimit *rateLimitEngine
	workers   WorkerPool

	validate       ValidateConfig
	modifyOptions  ModifyOptionsFunc
	modifyMethod   map[Method]ModifyOptionsFunc

	name string

	instanceTotalTimeout   time.Duration
	instanceTimeout        time.Duration // legacy alias, see timeout precedence
	instanceAttemptTimeout time.Duration

	scope     *abortScope
	destroyed atomic.Bool
}

// EngineOption configures an Engine during New, following the common
// functional-options pattern.
type EngineOption func(*Engine)

// WithBaseURL sets the absolute base URL every relative path is resolved
// against. Logs fatal if baseURL does not parse as absolute, matching
// WithToken's guard style.
func WithBaseURL(baseURL string) EngineOption {
	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() {
		log.Fatalf("rhttp: WithBaseURL: %q must be an absolute URL", baseURL)
	}
	return func(e *Engine) { e.baseURL = u }
}

// WithLogger sets a custom xlog.Logger implementation.
func WithLogger(logger xlog.Logger) EngineOption {
	if logger == nil {
		log.Fatal("rhttp: WithLogger: logger must not be nil")
	}
	return func(e *Engine) { e.Logger = logger }
}

// WithTransport overrides the default http.Client-backed Transport.
func WithTransport(t Transport) EngineOption {
	if t == nil {
		log.Fatal("rhttp: WithTransport: transport must not be nil")
	}
	return func(e *Engine) { e.transport = t }
}

// WithDefaultResponseKind sets the fallback response kind used when no
// determineType override and no content-type heuristic apply.
func WithDefaultResponseKind(kind ResponseKind) EngineOption {
	return func(e *Engine) { e.defaultKind = kind }
}

// WithRetry sets the instance-wide retry configuration.
func WithRetry(cfg RetryConfig) EngineOption {
	return func(e *Engine) { e.retry = cfg }
}

// WithDedupePolicy enables request deduplication with the given rules.
func WithDedupePolicy(methods MethodSet, rules ...Rule) EngineOption {
	return func(e *Engine) {
		e.dedupe = &dedupeEngine{base: newPolicyBase(true, methods, rules, e.Logger)}
	}
}

// WithCachePolicy enables response caching, optionally against a custom
// CacheAdapter (nil keeps the engine's default in-memory adapter). A custom
// adapter replaces the registry's backing store, since the registry (not
// the policy engine) is what actually reads and writes cache entries.
func WithCachePolicy(methods MethodSet, adapter CacheAdapter, rules ...Rule) EngineOption {
	return func(e *Engine) {
		base := newPolicyBase(true, methods, rules, e.Logger)
		if adapter != nil {
			e.registry.cache = adapter
		}
		e.cacheEng = &cacheEngine{base: base, adapter: e.registry.cache}
	}
}

// WithRateLimitPolicy enables token-bucket rate limiting with the given
// rules.
func WithRateLimitPolicy(methods MethodSet, rules ...Rule) EngineOption {
	return func(e *Engine) {
		e.rateLimit = &rateLimitEngine{base: newPolicyBase(true, methods, rules, e.Logger)}
	}
}

// WithValidate sets the engine's header/param/state validation hooks.
func WithValidate(v ValidateConfig) EngineOption {
	return func(e *Engine) {
		e.validate = v
		e.headers.validate = v.Headers
		e.params.validate = v.Params
	}
}

// WithModifyOptions sets the global modifyOptions hook.
func WithModifyOptions(fn ModifyOptionsFunc) EngineOption {
	return func(e *Engine) { e.modifyOptions = fn }
}

// WithModifyMethodOptions sets a per-method modifyOptions hook.
func WithModifyMethodOptions(method Method, fn ModifyOptionsFunc) EngineOption {
	return func(e *Engine) {
		if e.modifyMethod == nil {
			e.modifyMethod = make(map[Method]ModifyOptionsFunc)
		}
		e.modifyMethod[method] = fn
	}
}

// WithName tags the engine for diagnostics.
func WithName(name string) EngineOption {
	return func(e *Engine) { e.name = name }
}

// WithWorkerPool overrides the default background worker pool used for
// stale-while-revalidate refreshes.
func WithWorkerPool(pool WorkerPool) EngineOption {
	return func(e *Engine) { e.workers = pool }
}

// WithTotalTimeout sets the instance-wide total request timeout.
func WithTotalTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.instanceTotalTimeout = d }
}

// WithTimeout sets the instance-wide legacy "timeout" alias (lower
// precedence than WithTotalTimeout).
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.instanceTimeout = d }
}

// WithAttemptTimeout sets the instance-wide per-attempt timeout.
func WithAttemptTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.instanceAttemptTimeout = d }
}

// New builds an Engine. Defaults: stdout text logger at info level (as
// New() documents for Client.Logger), default http.Client Transport,
// in-memory cache adapter, no retry/dedupe/cache/rate-limit policies.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		Logger:      xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel),
		defaultKind: KindJSON,
		transport:   NewHTTPTransport(nil),
		state:       newInstanceState(),
		headers:     newPropertyStore(nil),
		params:      newPropertyStore(nil),
		scope:       newParentAbortScope(context.Background(), 0),
	}
	e.registry = newRegistry(NewInMemoryCacheAdapter())
	e.events = newEventBus(e.Logger)
	e.workers = NewDefaultWorkerPool(e.Logger)

	for _, opt := range opts {
		opt(e)
	}

	if e.baseURL == nil {
		log.Fatal("rhttp: New: WithBaseURL is required")
	}
	return e
}

// On registers listener for name ("*", an exact event, or a regex).
func (e *Engine) On(name string, listener Listener) int64 { return e.events.On(name, listener) }

// Off removes a previously registered listener.
func (e *Engine) Off(id int64) { e.events.Off(id) }

// AddHeader sets a default or per-method header.
func (e *Engine) AddHeader(key, value string, method Method) error {
	if err := e.headers.Set(key, value, method); err != nil {
		return err
	}
	e.events.Emit(EventEnvelope{Name: EventFetchHeaderAdd, Method: method, Extra: map[string]any{"key": key, "value": value}})
	return nil
}

// RemoveHeader deletes default or per-method headers.
func (e *Engine) RemoveHeader(method Method, keys ...string) {
	e.headers.Remove(keys, method)
	e.events.Emit(EventEnvelope{Name: EventFetchHeaderRemove, Method: method, Extra: map[string]any{"keys": keys}})
}

// HasHeader reports whether key is configured.
func (e *Engine) HasHeader(key string, method Method) bool { return e.headers.Has(key, method) }

// Headers returns a snapshot of headers for method.
func (e *Engine) Headers(method Method) map[string]string { return e.headers.ForMethod(method) }

// AddParam sets a default or per-method query param.
func (e *Engine) AddParam(key, value string, method Method) error {
	if err := e.params.Set(key, value, method); err != nil {
		return err
	}
	e.events.Emit(EventEnvelope{Name: EventFetchParamAdd, Method: method, Extra: map[string]any{"key": key, "value": value}})
	return nil
}

// RemoveParam deletes default or per-method params.
func (e *Engine) RemoveParam(method Method, keys ...string) {
	e.params.Remove(keys, method)
	e.events.Emit(EventEnvelope{Name: EventFetchParamRemove, Method: method, Extra: map[string]any{"keys": keys}})
}

// HasParam reports whether key is configured.
func (e *Engine) HasParam(key string, method Method) bool { return e.params.Has(key, method) }

// Params returns a snapshot of params for method.
func (e *Engine) Params(method Method) map[string]string { return e.params.ForMethod(method) }

// SetState merges kv into the instance state.
func (e *Engine) SetState(kv map[string]any) {
	e.state.Set(kv)
	e.events.Emit(EventEnvelope{Name: EventFetchStateSet})
}

// ResetState clears the instance state.
func (e *Engine) ResetState() {
	e.state.Reset()
	e.events.Emit(EventEnvelope{Name: EventFetchStateReset})
}

// GetState returns a deep-cloned snapshot of the instance state.
func (e *Engine) GetState() map[string]any { return e.state.Get() }

// ChangeBaseURL updates the base URL used by the URL Builder.
func (e *Engine) ChangeBaseURL(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("rhttp: ChangeBaseURL: %q must be an absolute URL", baseURL)
	}
	e.baseURL = u
	e.events.Emit(EventEnvelope{Name: EventFetchURLChange, Extra: map[string]any{"baseUrl": baseURL}})
	return nil
}

// ChangeModifyOptions replaces the global modifyOptions hook.
func (e *Engine) ChangeModifyOptions(fn ModifyOptionsFunc) {
	e.modifyOptions = fn
	e.events.Emit(EventEnvelope{Name: EventFetchModifyOptionsChange})
}

// ChangeModifyMethodOptions replaces the per-method modifyOptions hook.
func (e *Engine) ChangeModifyMethodOptions(method Method, fn ModifyOptionsFunc) {
	if e.modifyMethod == nil {
		e.modifyMethod = make(map[Method]ModifyOptionsFunc)
	}
	e.modifyMethod[method] = fn
	e.events.Emit(EventEnvelope{Name: EventFetchModifyMethodOptionsChange, Method: method})
}

// ClearCache drops every cache entry.
func (e *Engine) ClearCache(ctx context.Context) error { return e.registry.ClearCache(ctx) }

// DeleteCache drops one cache entry by key.
func (e *Engine) DeleteCache(ctx context.Context, key string) error {
	return e.registry.DeleteCache(ctx, key)
}

// InvalidateCache drops every entry matching predicate.
func (e *Engine) InvalidateCache(ctx context.Context, predicate func(CacheEntry) bool) error {
	return e.registry.InvalidateCache(ctx, predicate)
}

// InvalidatePath drops every entry whose key's path+query segment starts
// with prefix.
func (e *Engine) InvalidatePath(ctx context.Context, prefix string) error {
	return e.registry.InvalidatePathPrefix(ctx, prefix)
}

// CacheStats reports {cacheSize, inflightCount}.
func (e *Engine) CacheStats(ctx context.Context) (cacheSize, inflightCount int) {
	s := e.registry.Stats(ctx)
	return s.CacheSize, s.InflightCount
}

// IsDestroyed reports whether Destroy has been called.
func (e *Engine) IsDestroyed() bool { return e.destroyed.Load() }

// Destroy aborts the instance AbortScope (cascading to every live
// request), clears listeners, drops cache/inflight state, and marks the
// engine destroyed; subsequent Request calls fail fast with ErrDestroyed.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	e.scope.Abort(ErrManualAbort)
	e.events.Clear()
	_ = e.registry.ClearCache(context.Background())
	e.workers.Shutdown()
}
