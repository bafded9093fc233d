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

	"github.com/bytedance/sonic"
)

// instanceState holds an opaque user map (e.g. auth tokens), mutated only
// through SetState/ResetState and snapshotted into each Request at
// normalization time.
type instanceState struct {
	mu   sync.RWMutex
	data map[string]any
}

func newInstanceState() *instanceState {
	return &instanceState{data: make(map[string]any)}
}

// Set merges kv into the state.
func (s *instanceState) Set(kv map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.data[k] = v
	}
}

// Reset clears the state entirely.
func (s *instanceState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
}

// Get returns a deep-cloned snapshot of the state, so callers (and the
// Request each snapshot feeds) cannot observe or cause later mutation.
// The clone goes through the same sonic codec the engine uses for bodies,
// rather than a bespoke deep-clone walker.
func (s *instanceState) Get() map[string]any {
	s.mu.RLock()
	snapshot := make(map[string]any, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	raw, err := sonic.Marshal(snapshot)
	if err != nil {
		return snapshot
	}
	var cloned map[string]any
	if err := sonic.Unmarshal(raw, &cloned); err != nil {
		return snapshot
	}
	return cloned
}
