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
	"net/http"

	"github.com/VividCortex/ewma"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// downloader is C8: issues a range GET for n contiguous chunks and
// inserts each chunk into the region cache.
type downloader struct {
	probe   *probe
	regions *regionCache
	props   *propertyCache
	rate    ewma.MovingAverage // read-only diagnostic throughput estimate
}

func newDownloader(p *probe, regions *regionCache, props *propertyCache) *downloader {
	return &downloader{probe: p, regions: regions, props: props, rate: ewma.NewMovingAverage()}
}

// downloadResult reports what the download actually produced, so the
// read orchestrator (C9) can tell a genuine EOF apart from an error.
type downloadResult struct {
	BytesFetched int64
	EOF          bool
}

// Download fetches nBlocks chunks of chunkSize bytes starting at
// startOffset (which must be chunk-aligned) for url, per spec.md §4.5.
func (d *downloader) Download(ctx context.Context, url string, startOffset int64, nBlocks int, chunkSize int64, auth AuthProvider, interrupt InterruptCallback, knobs requestKnobs) (downloadResult, error) {
	props, _ := d.props.Get(url)

	end := startOffset + int64(nBlocks)*chunkSize - 1
	if props.HasComputedSize && end > int64(props.Size)-1 {
		end = int64(props.Size) - 1
	}
	if props.HasComputedSize && startOffset >= int64(props.Size) {
		return downloadResult{EOF: true}, nil
	}

	requestURL := d.resolveRedirect(url, props)

	usedRedirect := requestURL != url
	result, err := d.fetchWithAuthRetry(ctx, requestURL, startOffset, end, auth, interrupt, knobs)

	if err != nil {
		var sce *StatusCodeError
		if errors.As(err, &sce) {
			switch int(*sce) {
			case http.StatusForbidden:
				if usedRedirect {
					// Cached redirect went stale; drop it and retry once
					// against the canonical URL.
					d.clearRedirect(url)
					result, err = d.fetchWithAuthRetry(ctx, url, startOffset, end, auth, interrupt, knobs)
				}
			}
		}
	}
	if err != nil {
		return downloadResult{}, err
	}

	if result.Interrupted && len(result.Body) == 0 {
		return downloadResult{EOF: false}, nil
	}

	if len(result.Body) == 0 {
		return downloadResult{EOF: true}, nil
	}

	// Learn size from Content-Range if it was still unknown.
	if !props.HasComputedSize {
		if _, _, total, ok := result.ContentRange(); ok && total >= 0 {
			props.HasComputedSize = true
			props.Size = uint64(total)
			props.Existence = existenceYes
			d.props.Put(url, props)
		}
	}

	// Re-cache a freshly observed S3 redirect on the effective URL.
	if isS3SignedURL(result.EffectiveURL) && result.EffectiveURL != url {
		if redirect := computeRedirect(result); redirect != nil {
			props.Redirect = redirect
			d.props.Put(url, props)
		}
	}

	n := d.splitIntoChunks(url, startOffset, result.Body, chunkSize)
	d.rate.Add(float64(n))

	return downloadResult{BytesFetched: n}, nil
}

func (d *downloader) resolveRedirect(url string, props FileProperties) string {
	if props.Redirect == nil {
		return url
	}
	if nowUnix()+1 < props.Redirect.LocalExpiryUnix {
		return props.Redirect.URL
	}
	d.clearRedirect(url)
	return url
}

func (d *downloader) clearRedirect(url string) {
	props, ok := d.props.Get(url)
	if !ok {
		return
	}
	props.Redirect = nil
	d.props.Put(url, props)
}

func (d *downloader) fetchWithAuthRetry(ctx context.Context, url string, start, end int64, auth AuthProvider, interrupt InterruptCallback, knobs requestKnobs) (*probeResult, error) {
	req := probeRequest{
		Method:          http.MethodGet,
		URL:             url,
		RangeStart:      start,
		RangeEnd:        end,
		AllowRangeCheck: true,
		Auth:            auth,
		Interrupt:       interrupt,
		ExtraHeaders:    knobs.ExtraHeaders,
		Client:          knobs.Client,
		Timeout:         knobs.Timeout,
		LowSpeedLimit:   knobs.LowSpeedLimit,
		LowSpeedTime:    knobs.LowSpeedTime,
	}
	if knobs.MaxRetry > 0 {
		maxRetry := knobs.MaxRetry
		req.MaxRetry = &maxRetry
	}
	if knobs.RetryDelay > 0 {
		retryDelay := knobs.RetryDelay
		req.RetryDelay = &retryDelay
	}

	result, err := d.probe.Do(ctx, req)

	var sce *StatusCodeError
	if err != nil && errors.As(err, &sce) && int(*sce) == http.StatusUnauthorized && auth != nil {
		if auth.Authenticate() {
			log.Debugf("vsicurl: re-authenticated after 401 for %s, retrying", url)
			result, err = d.probe.Do(ctx, req)
			if err != nil && errors.As(err, &sce) && int(*sce) == http.StatusUnauthorized {
				return result, &UnauthorizedError{URL: url}
			}
		} else {
			return result, &UnauthorizedError{URL: url}
		}
	}

	if err != nil && auth != nil && result != nil {
		if restart, updateShared := auth.CanRestartOnError(result.Body, result.Headers); restart {
			if updateShared {
				log.Debugf("vsicurl: auth provider requested shared-state update for %s", url)
			}
			result, err = d.probe.Do(ctx, req)
		}
	}

	return result, err
}

// splitIntoChunks writes body into chunkSize-sized pieces in the region
// cache starting at startOffset, returning the number of bytes written.
func (d *downloader) splitIntoChunks(url string, startOffset int64, body []byte, chunkSize int64) int64 {
	var written int64
	for off := int64(0); off < int64(len(body)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(body)) {
			end = int64(len(body))
		}
		d.regions.Put(url, startOffset+off, body[off:end])
		written += end - off
	}
	return written
}
