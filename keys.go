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
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
)

// RouteKey is the normalized (method, path) pair used to memoize policy
// rule resolution and as the default rate-limit bucket key. Grounded on
// requester.generateRouteData's routeData{bucketRoute, majorParam},
// simplified to a literal method|path key: no snowflake-aware major-param
// collapsing is needed outside Discord's bucket-routing domain.
type RouteKey struct {
	Method Method
	Path   string
}

func (k RouteKey) String() string { return string(k.Method) + "|" + k.Path }

// sortedJSON marshals v with map keys sorted, so each segment of the
// canonical request key is JSON-encoded deterministically.
func sortedJSON(v any) string {
	switch t := v.(type) {
	case map[string]string:
		return sortedMapJSON(t)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}

func sortedMapJSON(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}

// canonicalRequestKey builds the deterministic dedupe/cache key for a
// request: method, url path+query, payload, headers, each JSON-encoded
// with sorted keys, joined by "|".
func canonicalRequestKey(method Method, urlPathAndQuery string, payload []byte, headers map[string]string) string {
	// A JSON payload is decoded and re-encoded so its object keys come out
	// sorted; any other payload is encoded as a JSON string of its bytes.
	payloadSegment := sortedJSON(string(payload))
	var decoded any
	if len(payload) > 0 && json.Unmarshal(payload, &decoded) == nil {
		payloadSegment = sortedJSON(decoded)
	}
	segments := []string{
		sortedJSON(string(method)),
		sortedJSON(urlPathAndQuery),
		payloadSegment,
		sortedJSON(headers),
	}
	return strings.Join(segments, "|")
}

// defaultRateLimitKey is the default rate-limit bucket key: "method|url.path"
// (per-endpoint bucket).
func defaultRateLimitKey(method Method, path string) string {
	return RouteKey{Method: method, Path: path}.String()
}

// MatchSpec is one Rule's match predicate: exactly one of Is, or the AND
// group of StartsWith/EndsWith/Includes/Match.
type MatchSpec struct {
	Is         string
	StartsWith string
	EndsWith   string
	Includes   string
	Match      *regexp.Regexp
}

// empty reports whether no predicate field was set (an always-false rule).
func (m MatchSpec) empty() bool {
	return m.Is == "" && m.StartsWith == "" && m.EndsWith == "" && m.Includes == "" && m.Match == nil
}

// matches applies the predicate to path. Is is exact-match and mutually
// exclusive with the AND group; when Is is set, the AND group is ignored.
func (m MatchSpec) matches(path string) bool {
	if m.empty() {
		return false
	}
	if m.Is != "" {
		return path == m.Is
	}
	if m.StartsWith != "" && !strings.HasPrefix(path, m.StartsWith) {
		return false
	}
	if m.EndsWith != "" && !strings.HasSuffix(path, m.EndsWith) {
		return false
	}
	if m.Includes != "" && !strings.Contains(path, m.Includes) {
		return false
	}
	if m.Match != nil && !m.Match.MatchString(path) {
		return false
	}
	return true
}

// Rule is one route-configuration entry for a policy.
type Rule struct {
	Match      MatchSpec
	Methods    []Method // empty: inherits the policy's enabled methods
	Enabled    *bool    // nil: enabled; explicit false disables the route
	TTL        time.Duration
	StaleIn    time.Duration
	MaxCalls   int
	WindowMs   int
	WaitForToken *bool
	Serializer func(Method, string, []byte, map[string]string) string
}

// findMatchingRule returns the first rule whose Match predicate matches
// path, or nil. O(n) over rules; callers memoize per RouteKey to make
// steady state O(1).
func findMatchingRule(rules []Rule, path string) *Rule {
	for i := range rules {
		if rules[i].Match.matches(path) {
			return &rules[i]
		}
	}
	return nil
}
