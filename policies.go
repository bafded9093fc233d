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
	"sync"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

// RuleConfig is the resolved, merged configuration a policyBase returns for
// a matched, enabled route.
type RuleConfig struct {
	Enabled      bool
	TTL          time.Duration
	StaleIn      time.Duration
	MaxCalls     int
	WindowMs     int
	WaitForToken bool
	Serializer   func(Method, string, []byte, map[string]string) string
}

// policyBase is the shared state every concrete policy engine embeds:
// global enablement, the enabled-method bitfield, the rule list, a
// memoization cache keyed by RouteKey, and a logger.
type policyBase struct {
	mu      sync.RWMutex
	enabled bool
	methods MethodSet
	rules   []Rule
	cache   map[RouteKey]*RuleConfig
	logger  xlog.Logger

	defaultTTL          time.Duration
	defaultStaleIn      time.Duration
	defaultMaxCalls     int
	defaultWindowMs     int
	defaultWaitForToken bool
}

func newPolicyBase(enabled bool, methods MethodSet, rules []Rule, logger xlog.Logger) *policyBase {
	return &policyBase{
		enabled: enabled,
		methods: methods,
		rules:   rules,
		cache:   make(map[RouteKey]*RuleConfig),
		logger:  logger,
	}
}

// resolve runs the rule resolution algorithm:
//  1. globally disabled + no rules -> nil (uncacheable short-circuit)
//  2. memoized per RouteKey: start from global enablement, find first
//     matching rule, apply its enabled/method/override semantics
//  3. return nil if the end result is disabled, else the merged config
func (p *policyBase) resolve(method Method, path string) *RuleConfig {
	if !p.enabled && len(p.rules) == 0 {
		return nil
	}

	key := RouteKey{Method: method, Path: path}

	p.mu.RLock()
	if cfg, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return cfg
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the write lock: another goroutine may have memoized
	// this key while we waited.
	if cfg, ok := p.cache[key]; ok {
		return cfg
	}

	enabled := p.enabled && p.methods.Has(method)
	cfg := &RuleConfig{
		Enabled:      enabled,
		TTL:          p.defaultTTL,
		StaleIn:      p.defaultStaleIn,
		MaxCalls:     p.defaultMaxCalls,
		WindowMs:     p.defaultWindowMs,
		WaitForToken: p.defaultWaitForToken,
	}

	if rule := findMatchingRule(p.rules, path); rule != nil {
		if rule.Enabled != nil && !*rule.Enabled {
			p.cache[key] = nil
			return nil
		}
		if len(rule.Methods) > 0 {
			enabled = membershipCaseInsensitive(method, rule.Methods)
		} else {
			enabled = true
		}
		cfg.Enabled = enabled
		if rule.TTL > 0 {
			cfg.TTL = rule.TTL
		}
		if rule.StaleIn > 0 {
			cfg.StaleIn = rule.StaleIn
		}
		if rule.MaxCalls > 0 {
			cfg.MaxCalls = rule.MaxCalls
		}
		if rule.WindowMs > 0 {
			cfg.WindowMs = rule.WindowMs
		}
		if rule.WaitForToken != nil {
			cfg.WaitForToken = *rule.WaitForToken
		}
		if rule.Serializer != nil {
			cfg.Serializer = rule.Serializer
		}
	}

	if !enabled {
		p.cache[key] = nil
		return nil
	}
	p.cache[key] = cfg
	return cfg
}

// dedupeEngine is the policy engine driving the Single-Flight join/lead
// decision.
type dedupeEngine struct {
	base      *policyBase
	shouldRun func(method Method, path string) bool // dynamic opt-out, not cached
}

func (e *dedupeEngine) resolve(method Method, path string) *RuleConfig {
	cfg := e.base.resolve(method, path)
	if cfg == nil {
		return nil
	}
	if e.shouldRun != nil && !e.shouldRun(method, path) {
		return nil
	}
	return cfg
}

// cacheEngine is the policy engine driving the cache lookup/write decision.
type cacheEngine struct {
	base   *policyBase
	adapter CacheAdapter
	skip   func(method Method, path string) bool // dynamic opt-out, not cached
}

func (e *cacheEngine) resolve(method Method, path string) *RuleConfig {
	cfg := e.base.resolve(method, path)
	if cfg == nil {
		return nil
	}
	if e.skip != nil && e.skip(method, path) {
		return nil
	}
	return cfg
}

// rateLimitEngine is the policy engine driving the token bucket guard.
type rateLimitEngine struct {
	base    *policyBase
	buckets sync.Map // map[string]*TokenBucket
	shouldRun func(method Method, path string) bool // dynamic opt-out, not cached
}

func (e *rateLimitEngine) resolve(method Method, path string) *RuleConfig {
	cfg := e.base.resolve(method, path)
	if cfg == nil {
		return nil
	}
	if e.shouldRun != nil && !e.shouldRun(method, path) {
		return nil
	}
	return cfg
}

// bucketFor returns (creating if absent) the TokenBucket for key, sized
// from cfg.MaxCalls/WindowMs as capacity/refillInterval.
func (e *rateLimitEngine) bucketFor(key string, cfg *RuleConfig) *TokenBucket {
	if existing, ok := e.buckets.Load(key); ok {
		return existing.(*TokenBucket)
	}
	capacity := cfg.MaxCalls
	if capacity <= 0 {
		capacity = 1
	}
	refill := time.Duration(cfg.WindowMs) * time.Millisecond / time.Duration(capacity)
	bucket := NewTokenBucket(capacity, refill)
	actual, _ := e.buckets.LoadOrStore(key, bucket)
	return actual.(*TokenBucket)
}
