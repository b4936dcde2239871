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
	"context"
	"io"

	log "github.com/sirupsen/logrus"
)

const maxBlocksToDownload = 100

// File is C9's per-handle state (PerHandle in spec.md §3): one open
// handle onto a URL, sharing the Filesystem's caches.
type File struct {
	fs       *Filesystem
	url      string
	auth     AuthProvider
	nonCached bool
	knobs    requestKnobs

	offset int64
	eof    bool

	blocksToDownload   int
	lastDownloadedOffset int64
	haveLastDownloaded bool

	interrupt          InterruptCallback
	stopUntilUninstall bool
	interruptTriggered bool

	closed bool
}

func newFile(fs *Filesystem, url string, auth AuthProvider, nonCached bool, knobs requestKnobs) *File {
	return &File{
		fs:               fs,
		url:              url,
		auth:             auth,
		nonCached:        nonCached,
		knobs:            knobs,
		blocksToDownload: 1,
	}
}

// Tell returns the current seek offset.
func (f *File) Tell() int64 { return f.offset }

// Eof reports whether the last Read hit end-of-file.
func (f *File) Eof() bool { return f.eof }

// Seek implements io.Seeker. whence follows io.Seeker (0=start,1=current,2=end).
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		props, err := f.fs.stat(context.Background(), f.url, f.auth, f.knobs)
		if err != nil {
			return 0, err
		}
		f.offset = int64(props.Size) + offset
	}
	// spec.md §9 Open Question 2: blocksToDownload is intentionally NOT
	// reset here; it only resets on a non-contiguous read in Read.
	f.eof = false
	return f.offset, nil
}

// Read implements io.Reader per the adaptive-prefetch loop of spec.md §4.6.
func (f *File) Read(buf []byte) (int, error) {
	return f.ReadAt(buf, f.offset, true)
}

// ReadAt reads len(buf) bytes starting at offset. If advance is true (the
// Read() path), the handle's seek offset is updated; File.ReadAt(buf, o,
// false) is the random-access entry point size/exists callers don't need.
func (f *File) ReadAt(buf []byte, offset int64, advance bool) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if f.interruptTriggered {
		return 0, nil
	}

	ctx := context.Background()
	n := len(buf)
	want := n
	read := 0
	o := offset

	for n > 0 {
		props, err := f.fs.stat(ctx, f.url, f.auth, f.knobs)
		if err != nil {
			return read, err
		}

		if props.HasComputedSize && o >= int64(props.Size) {
			f.eof = true
			break
		}

		chunkSize := f.fs.cfg.ChunkSize
		a := f.fs.regions.AlignDown(o)

		chunk, ok := f.fs.regions.Get(f.url, a)
		if !ok {
			fetched, short, err := f.fetchMissingBlock(ctx, a, o, int64(n), props)
			if err != nil {
				return read, err
			}
			if !fetched {
				f.eof = true
				break
			}
			chunk, ok = f.fs.regions.Get(f.url, a)
			if !ok {
				f.eof = true
				break
			}
			_ = short
		}

		withinBlock := o - a
		if withinBlock >= int64(len(chunk)) {
			f.eof = true
			break
		}
		avail := int64(len(chunk)) - withinBlock
		toCopy := avail
		if toCopy > int64(n) {
			toCopy = int64(n)
		}
		copy(buf[read:read+int(toCopy)], chunk[withinBlock:withinBlock+toCopy])
		read += int(toCopy)
		o += toCopy
		n -= int(toCopy)

		if int64(len(chunk)) < chunkSize && n > 0 {
			// Short chunk (EOF mid-block) but caller wants more: stop.
			f.eof = true
			break
		}
	}

	if advance {
		f.offset = o
	}
	if read < want {
		f.eof = true
	}
	return read, nil
}

// fetchMissingBlock implements the cache-miss branch of spec.md §4.6:
// adaptive prefetch sizing, walking forward over already-cached blocks to
// avoid re-downloading, capping at maxRegions, then calling the
// downloader.
func (f *File) fetchMissingBlock(ctx context.Context, alignedOffset, requestedOffset, requestedLen int64, props FileProperties) (fetched bool, short bool, err error) {
	chunkSize := f.fs.cfg.ChunkSize

	if f.haveLastDownloaded && alignedOffset == f.lastDownloadedOffset {
		f.blocksToDownload *= 2
		if f.blocksToDownload > maxBlocksToDownload {
			f.blocksToDownload = maxBlocksToDownload - 1
		}
	} else {
		f.blocksToDownload = 1
	}

	tailBlocks := int((requestedOffset + requestedLen - alignedOffset + chunkSize - 1) / chunkSize)
	if tailBlocks > f.blocksToDownload {
		f.blocksToDownload = tailBlocks
	}

	// Avoid re-downloading data that's already cached: walk forward and
	// shrink blocksToDownload to the first block that's already present.
	for i := 1; i < f.blocksToDownload; i++ {
		if _, cached := f.fs.regions.Get(f.url, alignedOffset+int64(i)*chunkSize); cached {
			f.blocksToDownload = i
			break
		}
	}
	if f.blocksToDownload < 1 {
		f.blocksToDownload = 1
	}

	maxRegions := int(f.fs.cfg.MaxRegions())
	if f.blocksToDownload > maxRegions {
		f.blocksToDownload = maxRegions
	}

	log.Debugf("vsicurl: fetching %d block(s) at offset %d for %s", f.blocksToDownload, alignedOffset, f.url)

	result, derr := f.fs.downloader.Download(ctx, f.url, alignedOffset, f.blocksToDownload, chunkSize, f.auth, f.wrappedInterrupt(), f.knobs)
	if derr != nil {
		return false, false, derr
	}
	if result.EOF {
		return false, false, nil
	}

	f.lastDownloadedOffset = alignedOffset + int64(f.blocksToDownload)*chunkSize
	f.haveLastDownloaded = true

	return true, result.BytesFetched < int64(f.blocksToDownload)*chunkSize, nil
}

func (f *File) wrappedInterrupt() InterruptCallback {
	if f.interrupt == nil {
		return nil
	}
	return func(buf []byte, n int) bool {
		cont := f.interrupt(buf, n)
		if !cont && f.stopUntilUninstall {
			f.interruptTriggered = true
		}
		return cont
	}
}

// InstallInterrupt sets the per-handle cooperative-cancellation callback
// (spec.md §4.7).
func (f *File) InstallInterrupt(cb InterruptCallback, stopUntilUninstall bool) {
	f.interrupt = cb
	f.stopUntilUninstall = stopUntilUninstall
	f.interruptTriggered = false
}

func (f *File) UninstallInterrupt() {
	f.interrupt = nil
	f.stopUntilUninstall = false
	f.interruptTriggered = false
}

// Flush is a no-op: this is a read-only filesystem (spec.md §1 Non-goals: writes).
func (f *File) Flush() error { return nil }

// Close releases the handle. If the filesystem disallows caching for this
// URL's prefix (CPL_VSIL_CURL_NON_CACHED), all cache entries for the URL
// are invalidated, per spec.md §3 Lifecycle.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.nonCached {
		f.fs.invalidateURL(f.url)
	}
	return nil
}
