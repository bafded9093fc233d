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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRegistry_Do_SingleCallerIsLeader(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	var calls int32

	val, isLeader, waiting, err := r.Do(context.Background(), "k", func() (*FetchResponse, error) {
		atomic.AddInt32(&calls, 1)
		return &FetchResponse{Status: 200}, nil
	})
	if err != nil || !isLeader || waiting != 0 || val.Status != 200 {
		t.Fatalf("unexpected leader result: val=%+v isLeader=%v waiting=%v err=%v", val, isLeader, waiting, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one underlying call, got %d", calls)
	}
}

func TestRegistry_Do_JoinersShareOneCall(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	var calls int32
	release := make(chan struct{})

	fn := func() (*FetchResponse, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &FetchResponse{Status: 201}, nil
	}

	const n = 5
	var wg sync.WaitGroup
	results := make([]*FetchResponse, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, _, err := r.Do(context.Background(), "shared", fn)
			results[i] = v
			errs[i] = err
		}(i)
	}

	time.Sleep(30 * time.Millisecond) // let all joiners attach
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected the call to run exactly once for all joiners, got %d", calls)
	}
	for i, v := range results {
		if errs[i] != nil || v == nil || v.Status != 201 {
			t.Fatalf("joiner %d got unexpected result v=%+v err=%v", i, v, errs[i])
		}
	}
}

func TestRegistry_Do_JoinerCancellationDoesNotAffectLeader(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	leaderDone := make(chan struct{})
	release := make(chan struct{})

	go func() {
		r.Do(context.Background(), "k", func() (*FetchResponse, error) {
			<-release
			return &FetchResponse{Status: 200}, nil
		})
		close(leaderDone)
	}()

	time.Sleep(20 * time.Millisecond) // ensure the leader is in-flight

	joinerCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, isLeader, _, err := r.Do(joinerCtx, "k", func() (*FetchResponse, error) {
		t.Fatalf("joiner must never become leader or re-invoke fn")
		return nil, nil
	})
	if isLeader || err == nil {
		t.Fatalf("expected the cancelled joiner to fail without becoming leader, isLeader=%v err=%v", isLeader, err)
	}

	select {
	case <-leaderDone:
		t.Fatalf("leader must not have finished yet: a joiner's cancellation must not affect it")
	default:
	}
	close(release)
	<-leaderDone
}

func TestRegistry_Do_WaitingCountExcludesSelf(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	release := make(chan struct{})

	fn := func() (*FetchResponse, error) {
		<-release
		return &FetchResponse{Status: 200}, nil
	}

	const n = 3
	var mu sync.Mutex
	var waiting []int
	var leaders []bool
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isLeader, w, _ := r.Do(context.Background(), "u1", fn)
			mu.Lock()
			waiting = append(waiting, w)
			leaders = append(leaders, isLeader)
			mu.Unlock()
		}()
	}

	time.Sleep(30 * time.Millisecond) // let all three callers attach
	close(release)
	wg.Wait()

	leaderCount, joinerWaiting := 0, map[int]bool{}
	for i, isLeader := range leaders {
		if isLeader {
			leaderCount++
			if waiting[i] != 0 {
				t.Fatalf("expected the leader's waitingCount to be 0, got %d", waiting[i])
			}
			continue
		}
		joinerWaiting[waiting[i]] = true
	}
	if leaderCount != 1 {
		t.Fatalf("expected exactly one leader among 3 concurrent callers, got %d", leaderCount)
	}
	if !joinerWaiting[1] || !joinerWaiting[2] || len(joinerWaiting) != 2 {
		t.Fatalf("expected the two joiners' waitingCount set to be exactly {1,2}, got %v", waiting)
	}
}

func TestRegistry_CacheLookup_FreshStaleMiss(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	ctx := context.Background()

	if _, fresh, stale, miss := r.CacheLookup(ctx, "absent"); fresh || stale || !miss {
		t.Fatalf("expected miss for absent key")
	}

	want := &FetchResponse{Status: 200, Headers: map[string]string{"X-Gen": "1"}, Data: map[string]any{"n": float64(1)}}
	if err := r.CacheWrite(ctx, "fresh", want, time.Hour, time.Hour); err != nil {
		t.Fatalf("CacheWrite: %v", err)
	}
	entry, fresh, stale, miss := r.CacheLookup(ctx, "fresh")
	if !fresh || stale || miss {
		t.Fatalf("expected fresh entry, got fresh=%v stale=%v miss=%v", fresh, stale, miss)
	}
	if diff := cmp.Diff(want, entry.Value); diff != "" {
		t.Fatalf("cached value round-trip mismatch (-want +got):\n%s", diff)
	}

	if err := r.CacheWrite(ctx, "stale", &FetchResponse{Status: 200}, time.Hour, -time.Millisecond); err != nil {
		t.Fatalf("CacheWrite: %v", err)
	}
	if _, fresh, stale, miss := r.CacheLookup(ctx, "stale"); fresh || !stale || miss {
		t.Fatalf("expected stale entry, got fresh=%v stale=%v miss=%v", fresh, stale, miss)
	}

	if err := r.CacheWrite(ctx, "expired", &FetchResponse{Status: 200}, -time.Millisecond, -2*time.Millisecond); err != nil {
		t.Fatalf("CacheWrite: %v", err)
	}
	if _, fresh, stale, miss := r.CacheLookup(ctx, "expired"); fresh || stale || !miss {
		t.Fatalf("expected an expired entry to read back as a miss, got fresh=%v stale=%v miss=%v", fresh, stale, miss)
	}
}

func TestRegistry_TryStartRevalidation_CoalescesConcurrentAttempts(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	if !r.TryStartRevalidation("k") {
		t.Fatalf("expected the first attempt to win")
	}
	if r.TryStartRevalidation("k") {
		t.Fatalf("expected a second concurrent attempt to lose")
	}
	r.FinishRevalidation("k")
	if !r.TryStartRevalidation("k") {
		t.Fatalf("expected a fresh attempt to win after FinishRevalidation")
	}
}

func TestRegistry_InvalidatePathPrefixAndClear(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	ctx := context.Background()

	k1 := canonicalRequestKey(MethodGet, "/users/1", nil, nil)
	k2 := canonicalRequestKey(MethodGet, "/orders/1", nil, nil)
	r.CacheWrite(ctx, k1, &FetchResponse{Status: 200}, time.Hour, time.Hour)
	r.CacheWrite(ctx, k2, &FetchResponse{Status: 200}, time.Hour, time.Hour)

	if err := r.InvalidatePathPrefix(ctx, "/users"); err != nil {
		t.Fatalf("InvalidatePathPrefix: %v", err)
	}
	if _, _, _, miss := r.CacheLookup(ctx, k1); !miss {
		t.Fatalf("expected /users entry to be invalidated")
	}
	if _, fresh, _, _ := r.CacheLookup(ctx, k2); !fresh {
		t.Fatalf("expected /orders entry to survive the prefix invalidation")
	}

	if err := r.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if stats := r.Stats(ctx); stats.CacheSize != 0 {
		t.Fatalf("expected an empty cache after Clear, got size %d", stats.CacheSize)
	}
}

func TestRegistry_Stats_ReportsInflightCount(t *testing.T) {
	r := newRegistry(NewInMemoryCacheAdapter())
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		r.Do(context.Background(), "k", func() (*FetchResponse, error) {
			<-release
			return &FetchResponse{}, nil
		})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	if stats := r.Stats(context.Background()); stats.InflightCount != 1 {
		t.Fatalf("expected inflightCount=1 while the leader is running, got %d", stats.InflightCount)
	}
	close(release)
	<-done
}
