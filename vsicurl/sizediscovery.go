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
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
	log "github.com/sirupsen/logrus"
)

var (
	presignedURLPattern  = regexp.MustCompile(`[?&](X-Amz-Signature|Signature)=`)
	headHostilePattern   = regexp.MustCompile(`\.tiles\.mapbox\.com/`)
	amzDatePattern       = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})T(\d{2})(\d{2})(\d{2})Z$`)
	ftpContentLenPattern = regexp.MustCompile(`(?i)Content-Length:\s*(\d+)`)
	ftp213Pattern        = regexp.MustCompile(`(?m)^213\s+(\d+)`)
)

func isS3SignedURL(url string) bool { return presignedURLPattern.MatchString(url) }

func isHeadHostile(url string) bool { return headHostilePattern.MatchString(url) }

// sizeDiscoveryOptions carries the knobs C7 needs from Config/ParsedURL.
type sizeDiscoveryOptions struct {
	UseHead             bool
	UseS3Redirect       bool
	LimitRangeGet       bool // "ingest initial bytes via GET instead of HEAD"
	IngestedBytesAtOpen int64
	ChunkSize           int64
	SetError            bool
	Auth                AuthProvider

	// Knobs carries the per-URL request-shaping overrides (spec.md §6)
	// that should apply to every probe this state machine issues.
	Knobs requestKnobs
}

// discoverSize runs the Start -> ChooseVerb -> Send -> Inspect state
// machine of spec.md §4.4 until existence/size/directory/redirect are
// known, or the retry budget is exhausted.
func (p *probe) discoverSize(ctx context.Context, rc *regionCache, url string, opts sizeDiscoveryOptions) (FileProperties, error) {
	currentURL := url
	retryAsGet := false
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		method, headerOnly := chooseVerb(currentURL, opts, retryAsGet)
		log.Debugf("vsicurl: size discovery attempt %d for %s via %s", attempt, currentURL, method)

		req := probeRequest{
			Method:          method,
			URL:             currentURL,
			RangeStart:      -1,
			HeaderOnly:      headerOnly,
			AllowRangeCheck: false,
			Auth:            opts.Auth,
			ExtraHeaders:    opts.Knobs.ExtraHeaders,
			Client:          opts.Knobs.Client,
			Timeout:         opts.Knobs.Timeout,
			LowSpeedLimit:   opts.Knobs.LowSpeedLimit,
			LowSpeedTime:    opts.Knobs.LowSpeedTime,
		}
		if opts.Knobs.MaxRetry > 0 {
			maxRetry := opts.Knobs.MaxRetry
			req.MaxRetry = &maxRetry
		}
		if opts.Knobs.RetryDelay > 0 {
			retryDelay := opts.Knobs.RetryDelay
			req.RetryDelay = &retryDelay
		}
		if opts.LimitRangeGet && method == http.MethodGet && !retryAsGet {
			b := roundUp(opts.IngestedBytesAtOpen, opts.ChunkSize)
			req.RangeStart = 0
			req.RangeEnd = b - 1
		}

		result, err := p.Do(ctx, req)
		if result == nil {
			lastErr = err
			continue
		}

		props, action := inspect(url, currentURL, result, opts)
		switch action.kind {
		case inspectDone:
			if req.RangeStart == 0 && len(result.Body) > 0 {
				ingestInitialBytes(rc, url, result, opts.ChunkSize)
			}
			return props, nil
		case inspectRetryAsGet:
			retryAsGet = true
			continue
		case inspectSwitchURL:
			currentURL = action.redirectTarget
			retryAsGet = true
			continue
		case inspectFail:
			lastErr = err
			if !opts.SetError {
				lastErr = nil
			}
			props.Existence = existenceNo
			props.Size = 0
			return props, lastErr
		}
	}

	return FileProperties{Existence: existenceNo}, lastErr
}

type inspectActionKind int

const (
	inspectDone inspectActionKind = iota
	inspectRetryAsGet
	inspectSwitchURL
	inspectFail
)

type inspectAction struct {
	kind           inspectActionKind
	redirectTarget string
}

// chooseVerb implements spec.md §4.4 ChooseVerb.
func chooseVerb(url string, opts sizeDiscoveryOptions, forceGet bool) (method string, headerOnly bool) {
	if opts.LimitRangeGet && !forceGet {
		return http.MethodGet, false
	}
	if forceGet {
		return http.MethodGet, false
	}
	if isHeadHostile(url) || isS3SignedURL(url) || !opts.UseHead {
		return http.MethodGet, true
	}
	return http.MethodHead, false
}

// inspect implements spec.md §4.4 Inspect.
func inspect(originalURL, requestURL string, r *probeResult, opts sizeDiscoveryOptions) (FileProperties, inspectAction) {
	props := FileProperties{}

	// 403 on HEAD, effective URL became S3-signed while original wasn't:
	// switch to GET against the signed URL and restart.
	if r.StatusCode == http.StatusForbidden && isS3SignedURL(r.EffectiveURL) && !isS3SignedURL(originalURL) {
		return props, inspectAction{kind: inspectSwitchURL, redirectTarget: r.EffectiveURL}
	}

	if cl, haveCL := r.ContentLength(); r.StatusCode == http.StatusOK && !haveCL {
		return props, inspectAction{kind: inspectRetryAsGet}
	} else if r.StatusCode == http.StatusOK && haveCL {
		props.Existence = existenceYes
		props.HasComputedSize = true
		props.Size = uint64(cl)
	}

	if r.StatusCode == http.StatusMethodNotAllowed {
		return props, inspectAction{kind: inspectRetryAsGet}
	}

	if r.StatusCode == http.StatusPartialContent {
		if _, _, total, ok := r.ContentRange(); ok && total >= 0 {
			props.Existence = existenceYes
			props.HasComputedSize = true
			props.Size = uint64(total)
		}
	}

	if r.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		props.Existence = existenceYes
		props.HasComputedSize = true
		props.Size = 0
	}

	// FTP: "213 <size>" reply line, or a Content-Length: header in the
	// body. Gated to ftp:// URLs only, mirroring GDAL's
	// STARTS_WITH(osURL, "ftp") guard — an ordinary HTTP(S) error page or
	// HTML body must never be scraped for these patterns.
	if strings.HasPrefix(originalURL, "ftp://") {
		if m := ftp213Pattern.FindStringSubmatch(string(r.Body)); m != nil {
			if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				props.Existence = existenceYes
				props.HasComputedSize = true
				props.Size = n
			}
		} else if m := ftpContentLenPattern.FindStringSubmatch(string(r.Body)); m != nil {
			if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				props.Existence = existenceYes
				props.HasComputedSize = true
				props.Size = n
			}
		}
	}

	// Azure directory/file resource type + permissions.
	if rt := r.Headers.Get("x-ms-resource-type"); rt != "" {
		props.IsDirectory = strings.EqualFold(rt, "directory")
		if perm := r.Headers.Get("x-ms-permissions"); perm != "" {
			props.Mode = parseAzurePermissions(perm)
		}
	}

	// Directory inference: effective URL gained a trailing slash, or the
	// request URL itself ends in one.
	if strings.HasSuffix(r.EffectiveURL, "/") && r.EffectiveURL == requestURL+"/" {
		props.IsDirectory = true
		props.Existence = existenceYes
		props.Size = 0
	} else if strings.HasSuffix(requestURL, "/") {
		props.IsDirectory = true
	}

	// S3-like sticky redirect caching.
	if opts.UseS3Redirect && isS3SignedURL(r.EffectiveURL) && r.EffectiveURL != originalURL {
		if redirect := computeRedirect(r); redirect != nil {
			props.Redirect = redirect
		}
	}

	if props.Existence == existenceYes {
		return props, inspectAction{kind: inspectDone}
	}

	// 404/400 are expected "doesn't exist" outcomes, not warnings.
	if r.StatusCode == http.StatusNotFound || r.StatusCode == http.StatusBadRequest {
		props.Existence = existenceNo
		return props, inspectAction{kind: inspectFail}
	}

	if r.StatusCode >= 200 && r.StatusCode < 400 {
		// Got a plausible response but couldn't establish size/existence
		// (e.g. a header-only GET that came back 200 with Content-Length
		// already consumed above as haveCL==true, or a directory marker
		// with no further info needed). Treat as success with whatever
		// was gathered.
		return props, inspectAction{kind: inspectDone}
	}

	props.Existence = existenceNo
	return props, inspectAction{kind: inspectFail}
}

func roundUp(n, multiple int64) int64 {
	if multiple <= 0 {
		return n
	}
	if n%multiple == 0 {
		return n
	}
	return (n/multiple + 1) * multiple
}

// ingestInitialBytes feeds the bytes returned by the limit-range-GET
// variant directly into the region cache, chunk by chunk, per spec.md
// §4.4 ChooseVerb.
func ingestInitialBytes(rc *regionCache, url string, r *probeResult, chunkSize int64) {
	if len(r.Body) == 0 {
		return
	}
	for off := int64(0); off < int64(len(r.Body)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(r.Body)) {
			end = int64(len(r.Body))
		}
		rc.Put(url, off, r.Body[off:end])
	}
}

// computeRedirect implements spec.md §4.4's redirect-caching step:
// server_validity = server_expiry - server_date, from either an
// "Expires=" query param (absolute Unix time) or
// "X-Amz-Expires="+"X-Amz-Date=" (ISO basic). Only cached if
// server_validity > 10 seconds.
func computeRedirect(r *probeResult) *redirectInfo {
	u := r.EffectiveURL
	expiresAt, ok := parseAbsoluteExpires(u)
	if !ok {
		expiresAt, ok = parseAmzExpires(u)
		if !ok {
			return nil
		}
	}

	serverDate := r.ServerDate
	if serverDate.IsZero() {
		serverDate = time.Now()
	}

	validity := expiresAt.Sub(serverDate)
	if validity <= 10*time.Second {
		return nil
	}

	return &redirectInfo{
		URL:             u,
		LocalExpiryUnix: nowUnix() + int64(validity/time.Second),
	}
}

func parseAbsoluteExpires(u string) (time.Time, bool) {
	v := queryParam(u, "Expires")
	if v == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

func parseAmzExpires(u string) (time.Time, bool) {
	expiresStr := queryParam(u, "X-Amz-Expires")
	dateStr := queryParam(u, "X-Amz-Date")
	if expiresStr == "" || dateStr == "" {
		return time.Time{}, false
	}
	expiresSec, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	m := amzDatePattern.FindStringSubmatch(dateStr)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])
	date := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	return date.Add(time.Duration(expiresSec) * time.Second), true
}

// queryParam extracts a single query parameter value without requiring a
// full net/url.Parse round trip (presigned URLs sometimes carry
// characters url.Parse would otherwise need QueryUnescape twice for);
// matches the ISO-basic/absolute-Unix formats spec.md §4.4 specifies.
func queryParam(rawURL, key string) string {
	idx := strings.IndexByte(rawURL, '?')
	if idx < 0 {
		return ""
	}
	query := rawURL[idx+1:]
	for _, part := range strings.Split(query, "&") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], key) {
			return kv[1]
		}
	}
	return ""
}

func parseAzurePermissions(perm string) uint32 {
	// Azure returns a 9-character rwx-style string (owner/group/other),
	// e.g. "rwxr-x---". Translate to POSIX-style bits; unrecognized input
	// yields 0 rather than erroring, since mode is documented as optional.
	if len(perm) != 9 {
		return 0
	}
	var mode uint32
	for i := 0; i < 9; i++ {
		if perm[i] != '-' {
			mode |= 1 << uint(8-i)
		}
	}
	return mode
}
