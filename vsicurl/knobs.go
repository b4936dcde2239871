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
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// requestKnobs is the effective per-open request configuration: the
// Filesystem-wide Config, overridden by whatever spec.md §6 "passed
// through to the HTTP layer" knobs a /vsicurl?... query string carried
// for this particular URL (max_retry, retry_delay, use_head, useragent,
// referer, cookie, header_file, unsafessl, timeout, connecttimeout,
// low_speed_time, low_speed_limit, proxy, proxyauth, proxyuserpwd).
type requestKnobs struct {
	MaxRetry      int
	RetryDelay    time.Duration
	UseHead       bool
	UseS3Redirect bool
	LimitRangeGet bool
	ExtraHeaders  http.Header
	Client        *http.Client // non-nil only if transport-level knobs differ from the shared C10 client
	Timeout       time.Duration
	LowSpeedLimit int64
	LowSpeedTime  time.Duration
}

// newRequestKnobs merges cfg with p's per-URL overrides.
func newRequestKnobs(cfg Config, p *ParsedURL) requestKnobs {
	k := requestKnobs{
		MaxRetry:      cfg.MaxRetry,
		RetryDelay:    time.Duration(cfg.RetryDelaySeconds * float64(time.Second)),
		UseHead:       cfg.UseHead,
		UseS3Redirect: cfg.UseS3Redirect,
		LimitRangeGet: cfg.LimitRangeGet,
		ExtraHeaders:  buildExtraHeaders(p),
		Client:        newKnobClient(cfg, p),
	}
	if p.MaxRetry != nil {
		k.MaxRetry = *p.MaxRetry
	}
	if p.RetryDelay != nil {
		k.RetryDelay = time.Duration(*p.RetryDelay * float64(time.Second))
	}
	if p.UseHead != nil {
		k.UseHead = *p.UseHead
	}
	if p.Timeout != nil {
		k.Timeout = time.Duration(*p.Timeout * float64(time.Second))
	}
	if p.LowSpeedLimit != nil {
		k.LowSpeedLimit = int64(*p.LowSpeedLimit)
	}
	if p.LowSpeedTime != nil {
		k.LowSpeedTime = time.Duration(*p.LowSpeedTime * float64(time.Second))
	}
	return k
}

// buildExtraHeaders turns useragent/referer/cookie/header_file into the
// literal headers probe.go should attach to every request for this URL.
func buildExtraHeaders(p *ParsedURL) http.Header {
	h := http.Header{}
	if p.UserAgent != "" {
		h.Set("User-Agent", p.UserAgent)
	}
	if p.Referer != "" {
		h.Set("Referer", p.Referer)
	}
	if p.Cookie != "" {
		h.Set("Cookie", p.Cookie)
	}
	if p.HeaderFile != "" {
		for k, vs := range readHeaderFile(p.HeaderFile) {
			h[k] = vs
		}
	}
	return h
}

// readHeaderFile parses a curl-style "Key: Value" header file, per
// spec.md §6's header_file knob.
func readHeaderFile(path string) http.Header {
	h := http.Header{}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("vsicurl: could not read header_file %q: %v", path, err)
		return h
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return h
}
