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

import "time"

// existence mirrors spec.md §3's tri-state {Unknown, Yes, No}.
type existence int

const (
	existenceUnknown existence = iota
	existenceYes
	existenceNo
)

// redirectInfo is a cached sticky redirect target for S3-like presigned
// URLs, with the local (reader-clock) expiry spec.md §3 describes.
type redirectInfo struct {
	URL             string
	LocalExpiryUnix int64
}

// FileProperties is the per-URL metadata record spec.md §3 defines.
type FileProperties struct {
	Existence       existence
	HasComputedSize bool
	Size            uint64
	MTime           int64
	IsDirectory     bool
	ETag            string
	Mode            uint32
	Redirect        *redirectInfo
	AuthGeneration  int64
}

// propertyCache is C4: the per-URL file-property cache.
type propertyCache struct {
	lru *lru[string, FileProperties]
	ag  *authGeneration
}

func newPropertyCache(capacity uint64, ag *authGeneration) *propertyCache {
	return &propertyCache{lru: newLRU[string, FileProperties](capacity), ag: ag}
}

// Get returns a copy of the cached properties for url, or (_, false) if
// absent. A negative (existenceNo) entry whose AuthGeneration is stale
// relative to the current epoch is reported as missing, per spec.md §4.1.
func (pc *propertyCache) Get(url string) (FileProperties, bool) {
	props, ok := pc.lru.Get(url)
	if !ok {
		return FileProperties{}, false
	}
	if props.Existence == existenceNo && props.AuthGeneration != pc.ag.Current() {
		return FileProperties{}, false
	}
	return props, true
}

// Put stamps props.AuthGeneration with the current epoch and inserts it.
func (pc *propertyCache) Put(url string, props FileProperties) {
	props.AuthGeneration = pc.ag.Current()
	if props.Existence == existenceNo {
		props.Size = 0
	}
	pc.lru.Put(url, props)
}

// Invalidate removes the property entry for url. Callers are also
// responsible for invalidating region entries for the same URL;
// Filesystem.invalidateURL does both together.
func (pc *propertyCache) Invalidate(url string) {
	pc.lru.Delete(url)
}

// PartialClear removes every entry whose URL starts with prefix.
func (pc *propertyCache) PartialClear(prefix string) int {
	return pc.lru.DeleteFunc(stringKeyHasPrefix(prefix))
}

func (pc *propertyCache) Clear() {
	pc.lru.Clear()
}

// nowUnix is overridable in tests to avoid relying on the wall clock.
var nowUnix = func() int64 { return time.Now().Unix() }
