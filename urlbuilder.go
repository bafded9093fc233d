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
	"net/url"
	"strings"
)

// ParamsValidateFunc validates the final flattened param map for a request,
// wired from Options.validate.perRequest.params.
type ParamsValidateFunc func(params map[string]string) error

// buildURL composes the absolute URL for a request:
//   - an absolute path (http:// or https://) is used directly
//   - otherwise base + "/" + path, preserving any query already on path
//   - params from the property store are merged with request overrides and
//     written into the query component
func buildURL(base *url.URL, path string, params map[string]string, validate ParamsValidateFunc) (string, error) {
	var u *url.URL
	var err error

	switch {
	case strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://"):
		u, err = url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("rhttp: invalid absolute path %q: %w", path, err)
		}
	default:
		u = cloneURL(base)
		joined := strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(pathOnly(path), "/")
		u.Path = joined
		if q := queryOnly(path); q != "" {
			u.RawQuery = mergeRawQuery(u.RawQuery, q)
		}
	}

	query := u.Query()
	for k, v := range params {
		query.Set(k, v)
	}

	if validate != nil {
		flat := make(map[string]string, len(query))
		for k := range query {
			flat[k] = query.Get(k)
		}
		if err := validate(flat); err != nil {
			return "", &ValidationError{Field: "params", Cause: err}
		}
	}

	u.RawQuery = query.Encode()
	return u.String(), nil
}

func cloneURL(u *url.URL) *url.URL {
	cp := *u
	return &cp
}

func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func queryOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[i+1:]
	}
	return ""
}

func mergeRawQuery(existing, extra string) string {
	switch {
	case existing == "":
		return extra
	case extra == "":
		return existing
	default:
		return existing + "&" + extra
	}
}
