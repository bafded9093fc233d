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
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// ResponseKind is the set of response-body decodings recognized by the
// engine's response decoding.
type ResponseKind string

const (
	KindArrayBuffer ResponseKind = "arrayBuffer"
	KindBlob        ResponseKind = "blob"
	KindFormData    ResponseKind = "formData"
	KindJSON        ResponseKind = "json"
	KindText        ResponseKind = "text"
)

// DetermineTypeFunc lets callers override response-kind detection per
// request or per engine.
type DetermineTypeFunc func(contentType string) (ResponseKind, bool)

// FetchResponse holds the parsed data, flat response headers, status,
// originating request, and a snapshot of engine config (see
// RequestConfigSnapshot).
type FetchResponse struct {
	Data     any
	Headers  map[string]string
	Status   int
	Request  *Request
	Config   RequestConfigSnapshot
}

// RequestConfigSnapshot is the engine config reported with a response.
// BaseURL and DefaultKind are read when the response is built, after the
// transport call. TotalTimeout is the instance-level total timeout and does
// not reflect a per-request override. AttemptTimeout is the request's
// resolved per-attempt timeout.
type RequestConfigSnapshot struct {
	BaseURL       string
	DefaultKind   ResponseKind
	TotalTimeout  int64 // nanoseconds, 0 = none
	AttemptTimeout int64
}

// cloneForHook returns a defensive copy of r, so a hook that mutates the
// returned headers/data in place can never corrupt the cached entry or the
// caller's own result.
func (r *FetchResponse) cloneForHook() *FetchResponse {
	clone := *r
	if r.Headers != nil {
		clone.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			clone.Headers[k] = v
		}
	}
	clone.Data = cloneResponseData(r.Data)
	return &clone
}

// cloneResponseData deep-clones a parsed body. JSON-shaped values (maps,
// slices) round-trip through the sonic codec, the same approach
// instanceState.Get uses to clone its own map; byte slices are copied
// directly; strings are already immutable.
func cloneResponseData(data any) any {
	switch v := data.(type) {
	case nil:
		return nil
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out
	case string:
		return v
	default:
		raw, err := sonic.Marshal(v)
		if err != nil {
			return v
		}
		var cloned any
		if err := sonic.Unmarshal(raw, &cloned); err != nil {
			return v
		}
		return cloned
	}
}

// classifyContentType maps a Content-Type header to a ResponseKind using
// the content-type heuristic.
func classifyContentType(contentType string) ResponseKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text"), strings.Contains(ct, "xml"), strings.Contains(ct, "html"), strings.Contains(ct, "form-urlencoded"):
		return KindText
	case strings.Contains(ct, "json"):
		return KindJSON
	case strings.Contains(ct, "form-data"):
		return KindFormData
	case strings.Contains(ct, "image"), strings.Contains(ct, "audio"), strings.Contains(ct, "video"), strings.Contains(ct, "font"), strings.Contains(ct, "binary"), strings.Contains(ct, "application"):
		return KindBlob
	default:
		return ""
	}
}

// parseBody decodes raw according to kind. An empty JSON body decodes to a
// nil data value, not an error.
func parseBody(kind ResponseKind, raw []byte) (any, error) {
	switch kind {
	case KindJSON:
		if len(raw) == 0 {
			return nil, nil
		}
		var v any
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("rhttp: parse json body: %w", err)
		}
		return v, nil
	case KindText:
		return string(raw), nil
	case KindFormData, KindBlob, KindArrayBuffer:
		return raw, nil
	default:
		return nil, fmt.Errorf("rhttp: unrecognized response kind %q", kind)
	}
}

// resolveResponseKind applies the response-kind precedence: an explicit
// determineType override wins (falling back with a warning if it names a
// kind outside the allowed set), else the content-type heuristic.
func resolveResponseKind(override DetermineTypeFunc, contentType string, allowed map[ResponseKind]struct{}, fallback ResponseKind, warn func(string)) ResponseKind {
	if override != nil {
		if kind, ok := override(contentType); ok {
			if len(allowed) == 0 {
				return kind
			}
			if _, ok := allowed[kind]; ok {
				return kind
			}
			if warn != nil {
				warn(fmt.Sprintf("rhttp: determineType returned disallowed kind %q, falling back", kind))
			}
		}
	}
	if kind := classifyContentType(contentType); kind != "" {
		return kind
	}
	return fallback
}
