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

import "net/http"

// AuthProvider is C11: the pluggable interface an S3/GS/Azure signer (or
// any other credential scheme) implements to participate in probes and
// downloads. The core never implements a concrete signer itself — per
// spec.md §1, authentication providers are external collaborators.
type AuthProvider interface {
	// BuildHeaders returns extra headers to attach to a request for the
	// given verb, given the headers already set.
	BuildHeaders(verb string, existing http.Header) http.Header

	// URL returns the canonical URL to send the request to, stripped of
	// any embedded credentials in the query string.
	URL() string

	// AllowAutomaticRedirection reports whether the HTTP layer should
	// transparently follow 301/302 responses.
	AllowAutomaticRedirection() bool

	// CanRestartOnError inspects a failed response's body/headers and
	// decides whether the request should be retried from scratch
	// (e.g. "wrong region" redirects, token refresh hints). The second
	// return value signals that updateSharedState should be applied
	// process-wide so future providers start pre-configured.
	CanRestartOnError(body []byte, headers http.Header) (restart bool, updateSharedState bool)

	// Authenticate is invoked on a 401 to refresh credentials. It
	// returns false if no further retry should be attempted.
	Authenticate() bool
}

// NoopAuthProvider is the default AuthProvider for plain http(s)/ftp
// targets that carry no credentials.
type NoopAuthProvider struct {
	CanonicalURL string
}

func (n NoopAuthProvider) BuildHeaders(_ string, _ http.Header) http.Header        { return http.Header{} }
func (n NoopAuthProvider) URL() string                                            { return n.CanonicalURL }
func (n NoopAuthProvider) AllowAutomaticRedirection() bool                        { return true }
func (n NoopAuthProvider) CanRestartOnError(_ []byte, _ http.Header) (bool, bool) { return false, false }
func (n NoopAuthProvider) Authenticate() bool                                     { return false }
