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
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport is a hand-built in-memory Transport: a function field
// stands in for the network, with no mocking library involved.
type fakeTransport struct {
	mu    sync.Mutex
	calls int32
	send  func(calls int32, req *WireRequest) (*WireResponse, error)
}

func (f *fakeTransport) Send(ctx context.Context, req *WireRequest) (*WireResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.send(n, req)
}

func jsonResponse(status int, body string) (*WireResponse, error) {
	return &WireResponse{Status: status, Headers: map[string]string{"Content-Type": "application/json"}, Body: []byte(body)}, nil
}

func testEngine(t *testing.T, transport Transport, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithBaseURL("https://api.example.com"),
		WithTransport(transport),
		WithRetry(RetryConfig{MaxAttempts: 1}),
	}
	return New(append(base, opts...)...)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestEngine_Request_SuccessNoPolicies(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		return jsonResponse(200, `{"ok":true}`)
	}}
	e := testEngine(t, transport)
	defer e.Destroy()

	resp, err := e.Get(context.Background(), "/ping", CallOptions{}).Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}
	m, ok := resp.Data.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("expected decoded json body, got %#v", resp.Data)
	}
	if atomic.LoadInt32(&transport.calls) != 1 {
		t.Fatalf("expected exactly one transport call, got %d", transport.calls)
	}
}

func TestEngine_Request_RetryThenSuccess(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		if n < 3 {
			return jsonResponse(503, `{"error":"unavailable"}`)
		}
		return jsonResponse(200, `{"ok":true}`)
	}}
	e := testEngine(t, transport, WithRetry(RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, UseExponentialBackoff: true,
	}))
	defer e.Destroy()

	resp, err := e.Get(context.Background(), "/flaky", CallOptions{}).Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected eventual success, got status %d", resp.Status)
	}
	if atomic.LoadInt32(&transport.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", transport.calls)
	}
}

func TestEngine_Request_RetryExhaustionFails(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		return jsonResponse(503, `{"error":"down"}`)
	}}
	e := testEngine(t, transport, WithRetry(RetryConfig{
		MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, UseExponentialBackoff: true,
	}))
	defer e.Destroy()

	_, err := e.Get(context.Background(), "/down", CallOptions{}).Wait(context.Background())
	if err == nil {
		t.Fatalf("expected failure after exhausting retries")
	}
	status, ok := StatusOf(err)
	if !ok || status != 503 {
		t.Fatalf("expected the final 503 to surface, got status=%d ok=%v err=%v", status, ok, err)
	}
	if atomic.LoadInt32(&transport.calls) != 2 {
		t.Fatalf("expected exactly MaxAttempts calls, got %d", transport.calls)
	}
}

func TestEngine_Request_CacheHitShortCircuitsTransport(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		return jsonResponse(200, `{"n":1}`)
	}}
	e := testEngine(t, transport, WithCachePolicy(NewMethodSet(MethodGet), nil, Rule{
		Match: MatchSpec{StartsWith: "/cached"}, TTL: time.Hour, StaleIn: time.Hour,
	}))
	defer e.Destroy()

	ctx := context.Background()
	if _, err := e.Get(ctx, "/cached/1", CallOptions{}).Wait(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := e.Get(ctx, "/cached/1", CallOptions{}).Wait(ctx); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if atomic.LoadInt32(&transport.calls) != 1 {
		t.Fatalf("expected the second call to be served from cache, transport called %d times", transport.calls)
	}
}

func TestEngine_Request_CacheMissThenPopulates(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		return jsonResponse(200, `{"v":1}`)
	}}
	e := testEngine(t, transport, WithCachePolicy(NewMethodSet(MethodGet), nil, Rule{
		Match: MatchSpec{StartsWith: "/items"}, TTL: time.Hour, StaleIn: time.Hour,
	}))
	defer e.Destroy()

	ctx := context.Background()
	if _, err := e.Get(ctx, "/items/1", CallOptions{}).Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	size, _ := e.CacheStats(ctx)
	if size != 1 {
		t.Fatalf("expected one cache entry after a miss-then-fetch, got %d", size)
	}
}

func TestEngine_Request_StaleCacheTriggersRevalidationButReturnsStaleValue(t *testing.T) {
	var gen int32 = 1
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		g := atomic.LoadInt32(&gen)
		return jsonResponse(200, `{"gen":`+itoa(int(g))+`}`)
	}}
	e := testEngine(t, transport, WithCachePolicy(NewMethodSet(MethodGet), nil, Rule{
		Match: MatchSpec{StartsWith: "/swr"}, TTL: time.Hour, StaleIn: 10 * time.Millisecond,
	}))
	defer e.Destroy()

	ctx := context.Background()
	resp1, err := e.Get(ctx, "/swr/1", CallOptions{}).Wait(ctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if resp1.Status != 200 {
		t.Fatalf("expected 200, got %d", resp1.Status)
	}

	time.Sleep(20 * time.Millisecond) // cross the staleIn threshold
	atomic.StoreInt32(&gen, 2)

	resp2, err := e.Get(ctx, "/swr/1", CallOptions{}).Wait(ctx)
	if err != nil {
		t.Fatalf("stale call: %v", err)
	}
	m := resp2.Data.(map[string]any)
	if m["gen"] != float64(1) {
		t.Fatalf("expected the stale read to still return the old generation, got %#v", resp2.Data)
	}

	waitFor(t, func() bool {
		return atomic.LoadInt32(&transport.calls) >= 2
	})
}

func TestEngine_Request_DedupeJoinsConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return jsonResponse(200, `{"ok":true}`)
	}}
	e := testEngine(t, transport, WithDedupePolicy(NewMethodSet(MethodGet)))
	defer e.Destroy()

	ctx := context.Background()
	const n = 4
	futures := make([]*Abortable[*FetchResponse], n)
	for i := 0; i < n; i++ {
		futures[i] = e.Get(ctx, "/same", CallOptions{})
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected dedupe to collapse all callers into one transport call, got %d", calls)
	}
}

func TestEngine_Request_RateLimitRejectsWhenExhausted(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		return jsonResponse(200, `{}`)
	}}
	notWaiting := false
	e := testEngine(t, transport, WithRateLimitPolicy(NewMethodSet(MethodGet), Rule{
		Match: MatchSpec{StartsWith: "/limited"}, MaxCalls: 1, WindowMs: 60_000, WaitForToken: &notWaiting,
	}))
	defer e.Destroy()

	ctx := context.Background()
	if _, err := e.Get(ctx, "/limited/1", CallOptions{}).Wait(ctx); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	_, err := e.Get(ctx, "/limited/1", CallOptions{}).Wait(ctx)
	if !IsRateLimited(err) {
		t.Fatalf("expected the second call to be rate limited, got %v", err)
	}
}

// ctxAwareTransport is a hand-built fake that actually honors context
// cancellation, unlike fakeTransport's send callback.
type ctxAwareTransport struct {
	release chan struct{}
}

func (t *ctxAwareTransport) Send(ctx context.Context, req *WireRequest) (*WireResponse, error) {
	select {
	case <-t.release:
		return jsonResponse(200, `{"ok":true}`)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEngine_Destroy_CascadesToInFlightRequests(t *testing.T) {
	transport := &ctxAwareTransport{release: make(chan struct{})}
	e := testEngine(t, transport)

	future := e.Get(context.Background(), "/slow", CallOptions{})
	time.Sleep(20 * time.Millisecond) // let the attempt reach the transport

	e.Destroy()

	_, err := future.Wait(context.Background())
	if err == nil || !IsAborted(err) {
		t.Fatalf("expected Destroy to cascade-abort the in-flight request, got %v", err)
	}
	close(transport.release)
}

func TestEngine_Request_DestroyedEngineFailsFast(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		t.Fatalf("transport must not be called once the engine is destroyed")
		return nil, nil
	}}
	e := testEngine(t, transport)
	e.Destroy()

	_, err := e.Get(context.Background(), "/x", CallOptions{}).Wait(context.Background())
	if err != ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestEngine_Request_EmitsBeforeAfterResponseEvents(t *testing.T) {
	transport := &fakeTransport{send: func(n int32, req *WireRequest) (*WireResponse, error) {
		return jsonResponse(200, `{"ok":true}`)
	}}
	e := testEngine(t, transport)
	defer e.Destroy()

	var mu sync.Mutex
	var names []EventName
	e.On("*", func(ev EventEnvelope) {
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
	})

	ctx := context.Background()
	if _, err := e.Get(ctx, "/events", CallOptions{}).Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	hasBefore, hasAfter, hasResponse := false, false, false
	for _, n := range names {
		switch n {
		case EventFetchBefore:
			hasBefore = true
		case EventFetchAfter:
			hasAfter = true
		case EventFetchResponse:
			hasResponse = true
		}
	}
	if !hasBefore || !hasAfter || !hasResponse {
		t.Fatalf("expected before/after/response events, got %v", names)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
