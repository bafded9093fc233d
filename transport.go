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
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// WireRequest is the low-level exchange the Transport capability sends.
type WireRequest struct {
	Method  Method
	URL     string
	Headers map[string]string
	Body    []byte
}

// WireResponse is the low-level exchange result, before body parsing.
type WireResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Transport is the pluggable capability providing one HTTP exchange while
// honoring context cancellation.
type Transport interface {
	Send(ctx context.Context, req *WireRequest) (*WireResponse, error)
}

// httpTransport is the default Transport, grounded on requester.newRequester's
// http.Client construction (connection-pool tuning, HTTP/2 attempt,
// keep-alives) adapted to the generic engine instead of Discord's fixed
// base URL and bot-token header.
type httpTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the default Transport. If client is nil, a client
// tuned the way requester.newRequester tunes its default http.Client is
// used.
func NewHTTPTransport(client *http.Client) Transport {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		}
	}
	return &httpTransport{client: client}
}

func (t *httpTransport) Send(ctx context.Context, wreq *WireRequest) (*WireResponse, error) {
	var body io.Reader
	if len(wreq.Body) > 0 {
		body = bytes.NewReader(wreq.Body)
	}

	req, err := http.NewRequestWithContext(ctx, string(wreq.Method), wreq.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range wreq.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &WireResponse{Status: resp.StatusCode, Headers: headers, Body: data}, nil
}
