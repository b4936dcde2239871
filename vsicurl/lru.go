/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package vsicurl

import (
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

// lru is a generic size-bounded key-value store with insertion eviction
// (C1 in the design). It is a thin wrapper over ttlcache.Cache configured
// with a capacity bound and no TTL; eviction is LRU on insert, exactly the
// semantics spec.md asks for.
type lru[K comparable, V any] struct {
	c *ttlcache.Cache[K, V]
}

// newLRU builds an LRU bounded to capacity entries. A capacity of 0 is
// clamped to 1 (spec.md: "minimum 1").
func newLRU[K comparable, V any](capacity uint64) *lru[K, V] {
	if capacity == 0 {
		capacity = 1
	}
	c := ttlcache.New[K, V](
		ttlcache.WithCapacity[K, V](capacity),
	)
	return &lru[K, V]{c: c}
}

func (l *lru[K, V]) Get(key K) (V, bool) {
	item := l.c.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

func (l *lru[K, V]) Put(key K, value V) {
	l.c.Set(key, value, ttlcache.NoTTL)
}

func (l *lru[K, V]) Delete(key K) {
	l.c.Delete(key)
}

func (l *lru[K, V]) Len() int {
	return l.c.Len()
}

// DeleteFunc removes every entry for which match returns true, returning
// the count removed. Used by partial_clear_cache(prefix).
func (l *lru[K, V]) DeleteFunc(match func(K) bool) int {
	var toDelete []K
	for k := range l.c.Items() {
		if match(k) {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		l.c.Delete(k)
	}
	return len(toDelete)
}

// Clear removes every entry.
func (l *lru[K, V]) Clear() {
	l.c.DeleteAll()
}

// stringKeyHasPrefix is the match predicate used for the many caches whose
// key is (or starts with) a plain URL string.
func stringKeyHasPrefix(prefix string) func(string) bool {
	return func(k string) bool { return strings.HasPrefix(k, prefix) }
}
