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
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// registryStats is returned by Registry.Stats.
type registryStats struct {
	CacheSize     int
	InflightCount int
}

// registry is the Single-Flight + Cache Registry: two independently-keyed
// stores, one tracking in-flight leaders (built on
// golang.org/x/sync/singleflight.Group, adapted so a joiner's own
// cancellation/timeout never reaches the leader) and one backed by a
// pluggable CacheAdapter.
type registry struct {
	group singleflight.Group
	cache CacheAdapter

	mu              sync.Mutex
	inflightCount   map[string]int  // waitingCount per key, for fetch-dedupe-join
	revalidatingKeys map[string]bool // coalesces background SWR refreshes
}

func newRegistry(cache CacheAdapter) *registry {
	return &registry{
		cache:            cache,
		inflightCount:    make(map[string]int),
		revalidatingKeys: make(map[string]bool),
	}
}

// joinResult is handed back to every caller (leader and joiners) sharing
// one in-flight call.
type joinResult struct {
	value *FetchResponse
	err   error
}

// Do runs fn at most once per key: the first caller for key becomes the
// leader and actually invokes fn; concurrent callers join and observe the
// leader's result. A joiner's ctx governs only its own wait — cancelling a
// joiner never cancels the leader or other joiners.
//
// waitingCount reports how many other callers were already attached to the
// in-flight call before this one joined (0 for the leader, 1 for the first
// joiner, 2 for the second, and so on), for the fetch-dedupe-join event.
func (r *registry) Do(ctx context.Context, key string, fn func() (*FetchResponse, error)) (value *FetchResponse, isLeader bool, waitingCount int, err error) {
	r.mu.Lock()
	waitingCount = r.inflightCount[key]
	r.inflightCount[key]++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflightCount[key]--
		if r.inflightCount[key] <= 0 {
			delete(r.inflightCount, key)
		}
		r.mu.Unlock()
	}()

	isLeader = waitingCount == 0

	ch := r.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, isLeader, waitingCount, res.Err
		}
		return res.Val.(*FetchResponse), isLeader, waitingCount, nil
	case <-ctx.Done():
		// Only this caller is abandoning the wait; the leader (and any
		// other joiners) keep running to completion.
		return nil, isLeader, waitingCount, ctx.Err()
	}
}

// CacheLookup resolves a fresh/stale/miss lookup for key against the
// CacheEntry invariants.
func (r *registry) CacheLookup(ctx context.Context, key string) (entry CacheEntry, fresh, stale, miss bool) {
	opt := r.cache.Get(ctx, key)
	if !opt.IsPresent() {
		return CacheEntry{}, false, false, true
	}
	val := opt.Get()
	now := time.Now()
	switch {
	case val.IsFresh(now):
		return val, true, false, false
	case val.IsStale(now):
		return val, false, true, false
	default:
		return CacheEntry{}, false, false, true
	}
}

// CacheWrite stores value under key with the given ttl/staleIn.
func (r *registry) CacheWrite(ctx context.Context, key string, value *FetchResponse, ttl, staleIn time.Duration) error {
	now := time.Now()
	entry := CacheEntry{
		Key:        key,
		Value:      value,
		InsertedAt: now,
		StaleAt:    now.Add(staleIn),
		ExpiresAt:  now.Add(ttl),
	}
	return r.cache.Set(ctx, key, entry)
}

// TryStartRevalidation reports whether the caller won the right to run a
// background revalidation for key, enforcing at most one in-flight
// revalidation per cache key. The caller must call FinishRevalidation when
// done.
func (r *registry) TryStartRevalidation(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revalidatingKeys[key] {
		return false
	}
	r.revalidatingKeys[key] = true
	return true
}

// FinishRevalidation releases the coalescing lock acquired by
// TryStartRevalidation.
func (r *registry) FinishRevalidation(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.revalidatingKeys, key)
}

// ClearCache drops every cache entry.
func (r *registry) ClearCache(ctx context.Context) error { return r.cache.Clear(ctx) }

// DeleteCache drops one cache entry.
func (r *registry) DeleteCache(ctx context.Context, key string) error { return r.cache.Delete(ctx, key) }

// InvalidateCache drops every entry for which predicate returns true.
func (r *registry) InvalidateCache(ctx context.Context, predicate func(CacheEntry) bool) error {
	for _, e := range r.cache.Entries(ctx) {
		if predicate(e) {
			if err := r.cache.Delete(ctx, e.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidatePathPrefix drops every entry whose key's second "|"-segment
// (the url.path+query segment of the canonical key, see keys.go) starts
// with prefix, the default path extractor.
func (r *registry) InvalidatePathPrefix(ctx context.Context, prefix string) error {
	return r.InvalidateCache(ctx, func(e CacheEntry) bool {
		return pathSegmentOf(e.Key, prefix)
	})
}

// pathSegmentOf reports whether the second "|"-delimited segment of key,
// once decoded from its JSON string form, starts with prefix.
func pathSegmentOf(key, prefix string) bool {
	segs := splitTopLevel(key)
	if len(segs) < 2 {
		return false
	}
	var path string
	if err := json.Unmarshal([]byte(segs[1]), &path); err != nil {
		return false
	}
	return strings.HasPrefix(path, prefix)
}

func splitTopLevel(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func containsUnquoted(jsonSegment, substr string) bool {
	return len(jsonSegment) >= len(substr) && indexOf(jsonSegment, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Stats reports cacheSize and inflightCount.
func (r *registry) Stats(ctx context.Context) registryStats {
	r.mu.Lock()
	inflight := 0
	for _, n := range r.inflightCount {
		inflight += n
	}
	r.mu.Unlock()
	return registryStats{CacheSize: r.cache.Size(ctx), InflightCount: inflight}
}
