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

import "fmt"

// regionKey identifies one chunk of one URL: (URL, block-aligned offset).
type regionKey struct {
	URL    string
	Offset int64
}

func (k regionKey) String() string { return fmt.Sprintf("%s@%d", k.URL, k.Offset) }

// regionCache is C5: an LRU from (URL, aligned offset) to a chunk of
// bytes, shared across all open handles of a Filesystem.
type regionCache struct {
	lru       *lru[regionKey, []byte]
	chunkSize int64
}

func newRegionCache(maxRegions uint64, chunkSize int64) *regionCache {
	return &regionCache{lru: newLRU[regionKey, []byte](maxRegions), chunkSize: chunkSize}
}

// Get returns the cached chunk at (url, offset), where offset must already
// be chunk-aligned.
func (rc *regionCache) Get(url string, offset int64) ([]byte, bool) {
	return rc.lru.Get(regionKey{URL: url, Offset: offset})
}

// Put inserts a chunk. data may be shorter than chunkSize only at EOF.
func (rc *regionCache) Put(url string, offset int64, data []byte) {
	rc.lru.Put(regionKey{URL: url, Offset: offset}, data)
}

// InvalidateURL removes every chunk belonging to url.
func (rc *regionCache) InvalidateURL(url string) int {
	return rc.lru.DeleteFunc(func(k regionKey) bool { return k.URL == url })
}

// PartialClear removes every chunk whose URL starts with prefix.
func (rc *regionCache) PartialClear(prefix string) int {
	return rc.lru.DeleteFunc(func(k regionKey) bool {
		return len(k.URL) >= len(prefix) && k.URL[:len(prefix)] == prefix
	})
}

func (rc *regionCache) Clear() {
	rc.lru.Clear()
}

// AlignDown rounds offset down to the chunk grid.
func (rc *regionCache) AlignDown(offset int64) int64 {
	return offset - (offset % rc.chunkSize)
}
