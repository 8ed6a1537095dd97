// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import "sync"

// dedupeCache remembers the most recent event IDs applied on this node so
// at-least-once backplane redelivery collapses to exactly-once client
// emission. Bounded: the oldest entry is evicted once the ring is full.
type dedupeCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupeCache(size int) *dedupeCache {
	if size <= 0 {
		size = 8192
	}
	return &dedupeCache{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// observe records an event ID, reporting true the first time it is seen.
func (c *dedupeCache) observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[id]; dup {
		return false
	}
	if evicted := c.ring[c.next]; evicted != "" {
		delete(c.seen, evicted)
	}
	c.ring[c.next] = id
	c.next = (c.next + 1) % len(c.ring)
	c.seen[id] = struct{}{}
	return true
}
