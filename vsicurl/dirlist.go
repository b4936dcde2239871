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
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// DirListEntry is spec.md §3's DirListCacheEntry: touched only for
// invalidation semantics, plus (per SPEC_FULL.md's supplemented feature)
// an existence shortcut for entries already covered by a cached listing.
type DirListEntry struct {
	AuthGeneration int64
	FileList       []string
}

func (e DirListEntry) byteSize() int {
	n := 0
	for _, f := range e.FileList {
		n += len(f)
	}
	return n
}

// dirListCache is bounded both by entry count and by the sum of FileList
// sizes across entries, per spec.md §3. ttlcache only natively bounds by
// entry count, and its Items() returns a plain map with no defined
// iteration order, so the byte bound's "oldest entries first" eviction is
// tracked independently here via order, a slice of keys in insertion order.
type dirListCache struct {
	mu          sync.Mutex
	c           *ttlcache.Cache[string, DirListEntry]
	order       []string
	maxEntries  int
	maxBytes    int
	currentSize int
}

const (
	defaultDirListMaxEntries = 1024
	defaultDirListMaxBytes   = 1048576
)

func newDirListCache(maxEntries, maxBytes int) *dirListCache {
	if maxEntries <= 0 {
		maxEntries = defaultDirListMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = defaultDirListMaxBytes
	}
	return &dirListCache{
		c:          ttlcache.New[string, DirListEntry](ttlcache.WithCapacity[string, DirListEntry](uint64(maxEntries))),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Put stores a directory listing for dirURL and enforces both bounds. A
// Put that replaces an existing key does not move it to the back of order;
// the entry keeps its original insertion position, matching the "oldest
// entries" (not "least recently written") wording of spec.md §3.
func (d *dirListCache) Put(dirURL string, entry DirListEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old := d.c.Get(dirURL); old != nil {
		d.currentSize -= old.Value().byteSize()
	} else {
		d.order = append(d.order, dirURL)
	}
	d.c.Set(dirURL, entry, ttlcache.NoTTL)
	d.currentSize += entry.byteSize()

	d.evictToFitLocked()
}

func (d *dirListCache) evictToFitLocked() {
	for d.currentSize > d.maxBytes && d.c.Len() > 0 {
		oldest := d.oldestKeyLocked()
		if oldest == "" {
			break
		}
		if item := d.c.Get(oldest); item != nil {
			d.currentSize -= item.Value().byteSize()
		}
		d.c.Delete(oldest)
		d.removeFromOrderLocked(oldest)
	}
}

// oldestKeyLocked returns the earliest-inserted key still present in the
// cache, per order. Entries evicted out of band by ttlcache's own
// WithCapacity bound are skipped since order may briefly lag the map.
func (d *dirListCache) oldestKeyLocked() string {
	for len(d.order) > 0 {
		k := d.order[0]
		if d.c.Get(k) != nil {
			return k
		}
		d.order = d.order[1:]
	}
	return ""
}

// removeFromOrderLocked drops key from order, wherever it sits — used by
// evictToFitLocked, Invalidate and PartialClear. Keys evicted out of band
// by ttlcache are trimmed from order by oldestKeyLocked instead.
func (d *dirListCache) removeFromOrderLocked(key string) {
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// Get returns the listing for dirURL, or (_, false) on miss.
func (d *dirListCache) Get(dirURL string) (DirListEntry, bool) {
	item := d.c.Get(dirURL)
	if item == nil {
		var zero DirListEntry
		return zero, false
	}
	return item.Value(), true
}

// Contains answers whether url appears in a cached, fresh directory
// listing of its parent. This is the original_source/ ExistsInCacheDirList
// helper; spec.md §9 Open Questions flags that function as returning
// false unconditionally in the source (apparent bug). This implementation
// returns true on a genuine hit, per the fix SPEC_FULL.md/DESIGN.md record.
func (d *dirListCache) Contains(url string) bool {
	parent, base := splitDirURL(url)
	entry, ok := d.Get(parent)
	if !ok {
		return false
	}
	for _, f := range entry.FileList {
		if f == base {
			return true
		}
	}
	return false
}

// Invalidate removes the listing for dirURL, if any.
func (d *dirListCache) Invalidate(dirURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if item := d.c.Get(dirURL); item != nil {
		d.currentSize -= item.Value().byteSize()
	}
	d.c.Delete(dirURL)
	d.removeFromOrderLocked(dirURL)
}

// PartialClear removes every listing whose key starts with prefix.
func (d *dirListCache) PartialClear(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var toDelete []string
	for k := range d.c.Items() {
		if strings.HasPrefix(k, prefix) {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		if item := d.c.Get(k); item != nil {
			d.currentSize -= item.Value().byteSize()
		}
		d.c.Delete(k)
		d.removeFromOrderLocked(k)
	}
	return len(toDelete)
}

func (d *dirListCache) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.DeleteAll()
	d.order = nil
	d.currentSize = 0
}

func splitDirURL(url string) (parent, base string) {
	trimmed := strings.TrimSuffix(url, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", url
	}
	return trimmed[:idx+1], trimmed[idx+1:]
}
