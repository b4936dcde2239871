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
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// knownQueryKeys is the recognized /vsicurl? key set from spec.md §6.
// Keys outside this set trigger a non-fatal warning, not an error.
var knownQueryKeys = map[string]bool{
	"url": true, "max_retry": true, "retry_delay": true, "use_head": true,
	"list_dir": true, "empty_dir": true, "useragent": true, "referer": true,
	"cookie": true, "header_file": true, "unsafessl": true, "timeout": true,
	"connecttimeout": true, "low_speed_time": true, "low_speed_limit": true,
	"proxy": true, "proxyauth": true, "proxyuserpwd": true,
}

// ParsedURL is the result of parsing a /vsicurl path: the resolved target
// URL plus whatever per-URL knobs were embedded in the query form.
type ParsedURL struct {
	URL string

	MaxRetry       *int
	RetryDelay     *float64
	UseHead        *bool
	ListDir        *bool
	EmptyDir       *bool
	UserAgent      string
	Referer        string
	Cookie         string
	HeaderFile     string
	UnsafeSSL      *bool
	Timeout        *float64
	ConnectTimeout *float64
	LowSpeedTime   *float64
	LowSpeedLimit  *int
	Proxy          string
	ProxyAuth      string
	ProxyUserPwd   string
}

// ParseVSICurlPath parses the portion of the path after the "/vsicurl"
// prefix has been stripped, in either of the two grammars spec.md §6
// describes:
//
//	/<absolute-url>
//	?key=value&key=value&...&url=<percent-encoded absolute URL>
func ParseVSICurlPath(path string) (*ParsedURL, error) {
	if path == "" {
		return nil, &InvalidURLError{Reason: "empty path"}
	}

	if path[0] == '?' {
		return parseQueryForm(path[1:])
	}

	target := strings.TrimPrefix(path, "/")
	if !hasKnownScheme(target) {
		return nil, &InvalidURLError{Reason: "missing or unrecognized URL scheme in " + target}
	}
	return &ParsedURL{URL: target}, nil
}

func hasKnownScheme(target string) bool {
	for _, scheme := range []string{"http://", "https://", "ftp://", "file://"} {
		if strings.HasPrefix(target, scheme) {
			return true
		}
	}
	return false
}

func parseQueryForm(query string) (*ParsedURL, error) {
	p := &ParsedURL{}
	var rawURL string
	haveURL := false

	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := kv[0]
		var value string
		if len(kv) == 2 {
			value = kv[1]
		}
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			return nil, &InvalidURLError{Reason: "could not decode value for key " + key}
		}

		if !knownQueryKeys[key] {
			log.Warnf("vsicurl: unrecognized query key %q, ignoring", key)
			continue
		}

		switch key {
		case "url":
			rawURL = decoded
			haveURL = true
		case "max_retry":
			if n, err := strconv.Atoi(decoded); err == nil {
				p.MaxRetry = &n
			}
		case "retry_delay":
			if f, err := strconv.ParseFloat(decoded, 64); err == nil {
				p.RetryDelay = &f
			}
		case "use_head":
			b := parseBool(decoded)
			p.UseHead = &b
		case "list_dir":
			b := parseBool(decoded)
			p.ListDir = &b
		case "empty_dir":
			b := parseBool(decoded)
			p.EmptyDir = &b
		case "useragent":
			p.UserAgent = decoded
		case "referer":
			p.Referer = decoded
		case "cookie":
			p.Cookie = decoded
		case "header_file":
			p.HeaderFile = decoded
		case "unsafessl":
			b := parseBool(decoded)
			p.UnsafeSSL = &b
		case "timeout":
			if f, err := strconv.ParseFloat(decoded, 64); err == nil {
				p.Timeout = &f
			}
		case "connecttimeout":
			if f, err := strconv.ParseFloat(decoded, 64); err == nil {
				p.ConnectTimeout = &f
			}
		case "low_speed_time":
			if f, err := strconv.ParseFloat(decoded, 64); err == nil {
				p.LowSpeedTime = &f
			}
		case "low_speed_limit":
			if n, err := strconv.Atoi(decoded); err == nil {
				p.LowSpeedLimit = &n
			}
		case "proxy":
			p.Proxy = decoded
		case "proxyauth":
			p.ProxyAuth = decoded
		case "proxyuserpwd":
			p.ProxyUserPwd = decoded
		}
	}

	if !haveURL {
		return nil, &InvalidURLError{Reason: "missing url= key in /vsicurl? form"}
	}
	p.URL = rawURL
	return p, nil
}

func parseBool(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "TRUE", "1", "ON":
		return true
	default:
		return false
	}
}
