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

// Command rhttpctl is a manual smoke-test harness for the rhttp engine: it
// issues one GET against a caller-supplied base URL and prints the result
// plus cache/inflight stats. It is not imported by any core package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-rhttp/rhttp"
)

func main() {
	baseURL := flag.String("base-url", "https://httpbin.org", "base URL to issue the smoke-test request against")
	path := flag.String("path", "/get", "request path")
	timeout := flag.Duration("timeout", 10*time.Second, "total request timeout")
	flag.Parse()

	engine := rhttp.New(
		rhttp.WithBaseURL(*baseURL),
		rhttp.WithRetry(rhttp.DefaultRetryConfig()),
		rhttp.WithCachePolicy(rhttp.NewMethodSet(rhttp.MethodGet), nil),
	)
	defer engine.Destroy()

	engine.On("*", func(ev rhttp.EventEnvelope) {
		fmt.Fprintf(os.Stderr, "event: %-28s method=%s path=%s attempt=%d\n", ev.Name, ev.Method, ev.Path, ev.Attempt)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	future := engine.Get(ctx, *path, rhttp.CallOptions{})
	resp, err := future.Wait(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rhttpctl: request failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("status=%d\n", resp.Status)
	fmt.Printf("data=%v\n", resp.Data)

	cacheSize, inflight := engine.CacheStats(ctx)
	fmt.Printf("cacheSize=%d inflightCount=%d\n", cacheSize, inflight)
}
