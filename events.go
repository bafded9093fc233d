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
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/marouanesouiri/stdx/xlog"
)

// EventName identifies one of the engine's lifecycle events.
type EventName string

const (
	EventFetchBefore                   EventName = "fetch-before"
	EventFetchAfter                    EventName = "fetch-after"
	EventFetchResponse                 EventName = "fetch-response"
	EventFetchError                    EventName = "fetch-error"
	EventFetchAbort                    EventName = "fetch-abort"
	EventFetchRetry                    EventName = "fetch-retry"
	EventFetchHeaderAdd                EventName = "fetch-header-add"
	EventFetchHeaderRemove              EventName = "fetch-header-remove"
	EventFetchParamAdd                 EventName = "fetch-param-add"
	EventFetchParamRemove              EventName = "fetch-param-remove"
	EventFetchStateSet                 EventName = "fetch-state-set"
	EventFetchStateReset               EventName = "fetch-state-reset"
	EventFetchURLChange                EventName = "fetch-url-change"
	EventFetchModifyOptionsChange       EventName = "fetch-modify-options-change"
	EventFetchModifyMethodOptionsChange EventName = "fetch-modify-method-options-change"
	EventFetchDedupeStart               EventName = "fetch-dedupe-start"
	EventFetchDedupeJoin                EventName = "fetch-dedupe-join"
	EventFetchCacheHit                  EventName = "fetch-cache-hit"
	EventFetchCacheMiss                 EventName = "fetch-cache-miss"
	EventFetchCacheStale                EventName = "fetch-cache-stale"
	EventFetchCacheSet                  EventName = "fetch-cache-set"
	EventFetchCacheRevalidate           EventName = "fetch-cache-revalidate"
	EventFetchCacheRevalidateError      EventName = "fetch-cache-revalidate-error"
	EventFetchRateLimitWait             EventName = "fetch-ratelimit-wait"
	EventFetchRateLimitReject           EventName = "fetch-ratelimit-reject"
	EventFetchRateLimitAcquire          EventName = "fetch-ratelimit-acquire"
)

// EventEnvelope is the single payload type shared by every fetch-* event.
// Event-specific extras (waitingCount, delay, ...) live in the Extra map
// rather than as one struct per event, since the taxonomy is flat strings.
type EventEnvelope struct {
	Name    EventName
	Method  Method
	Path    string
	URL     string
	Payload any
	Headers map[string]string
	Params  map[string]string
	State   string
	Attempt int
	Extra   map[string]any
}

// Listener receives emitted events.
type Listener func(EventEnvelope)

// subscription is either an exact name, the '*' wildcard, or a regex.
type subscription struct {
	id       int64
	exact    EventName
	wildcard bool
	pattern  *regexp.Regexp
	listener Listener
}

func (s subscription) matches(name EventName) bool {
	if s.wildcard {
		return true
	}
	if s.pattern != nil {
		return s.pattern.MatchString(string(name))
	}
	return s.exact == name
}

// eventBus is the engine's explicit observer, grounded on dispatcher's
// map[string]eventhandlersManager + panic-recovering dispatch goroutine,
// generalized to support wildcard and regex subscriptions.
type eventBus struct {
	mu     sync.RWMutex
	nextID int64
	subs   []subscription
	logger xlog.Logger
}

func newEventBus(logger xlog.Logger) *eventBus {
	return &eventBus{logger: logger}
}

// On registers listener for name, which may be an exact event name, "*",
// or a regex pattern (tried if it is not a recognized exact name and is
// not "*"). It returns a handle usable with Off.
func (b *eventBus) On(name string, listener Listener) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := subscription{id: id, listener: listener}

	switch {
	case name == "*":
		sub.wildcard = true
	case isKnownEventName(EventName(name)):
		sub.exact = EventName(name)
	default:
		re, err := regexp.Compile(name)
		if err != nil {
			if b.logger != nil {
				b.logger.WithField("pattern", name).Warn("rhttp: event subscription is neither a known event nor a valid regex")
			}
			sub.exact = EventName(name) // falls back to exact match, will simply never fire
		} else {
			sub.pattern = re
		}
	}

	b.subs = append(b.subs, sub)
	return id
}

// Off removes the subscription previously returned by On.
func (b *eventBus) Off(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Clear drops every subscription, used by Destroy.
func (b *eventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

// Emit dispatches env to every matching listener. Each listener runs on its
// own goroutine with panic recovery, mirroring dispatcher.dispatch.
func (b *eventBus) Emit(env EventEnvelope) {
	b.mu.RLock()
	matched := make([]Listener, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(env.Name) {
			matched = append(matched, s.listener)
		}
	}
	b.mu.RUnlock()

	for _, l := range matched {
		l := l
		go func() {
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.WithField("event", string(env.Name)).
						WithField("panic", r).
						WithField("stack", string(debug.Stack())).
						Error("rhttp: recovered from panic in event listener")
				}
			}()
			l(env)
		}()
	}
}

var knownEventNames = map[EventName]struct{}{
	EventFetchBefore: {}, EventFetchAfter: {}, EventFetchResponse: {}, EventFetchError: {},
	EventFetchAbort: {}, EventFetchRetry: {}, EventFetchHeaderAdd: {}, EventFetchHeaderRemove: {},
	EventFetchParamAdd: {}, EventFetchParamRemove: {}, EventFetchStateSet: {}, EventFetchStateReset: {},
	EventFetchURLChange: {}, EventFetchModifyOptionsChange: {}, EventFetchModifyMethodOptionsChange: {},
	EventFetchDedupeStart: {}, EventFetchDedupeJoin: {}, EventFetchCacheHit: {}, EventFetchCacheMiss: {},
	EventFetchCacheStale: {}, EventFetchCacheSet: {}, EventFetchCacheRevalidate: {},
	EventFetchCacheRevalidateError: {}, EventFetchRateLimitWait: {}, EventFetchRateLimitReject: {},
	EventFetchRateLimitAcquire: {},
}

func isKnownEventName(name EventName) bool {
	_, ok := knownEventNames[name]
	return ok
}
