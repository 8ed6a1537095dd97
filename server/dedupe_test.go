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

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCacheObserve(t *testing.T) {
	cache := newDedupeCache(4)

	assert.True(t, cache.observe("a"), "first observation")
	assert.False(t, cache.observe("a"), "replay must be reported as seen")
	assert.True(t, cache.observe("b"))
	assert.False(t, cache.observe("b"))
}

func TestDedupeCacheEviction(t *testing.T) {
	cache := newDedupeCache(3)

	assert.True(t, cache.observe("a"))
	assert.True(t, cache.observe("b"))
	assert.True(t, cache.observe("c"))

	// Capacity reached: the next insert evicts the oldest entry.
	assert.True(t, cache.observe("d"))
	assert.True(t, cache.observe("a"), "evicted ID is forgotten")

	// Entries still resident stay deduplicated.
	assert.False(t, cache.observe("c"))
	assert.False(t, cache.observe("d"))
}

func TestDedupeCacheBounded(t *testing.T) {
	cache := newDedupeCache(16)

	for i := 0; i < 1000; i++ {
		cache.observe("ev-" + strconv.Itoa(i))
	}
	assert.LessOrEqual(t, len(cache.seen), 16, "cache must stay bounded under churn")
}
