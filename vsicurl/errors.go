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
	"fmt"
	"net/http"
)

// StatusCodeError indicates a probe received a non-retryable, non-success
// HTTP status. The wrapper lets callers use errors.As/Is without caring
// whether the underlying transport is net/http or something else later.
type StatusCodeError int

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("server returned %d %s", int(*e), http.StatusText(int(*e)))
}

func (e *StatusCodeError) Is(target error) bool {
	sce, ok := target.(*StatusCodeError)
	if !ok {
		return false
	}
	return int(*sce) == int(*e)
}

// TransportError wraps a network/transport-level failure (connection
// refused, TLS handshake, timeout) that is not an HTTP status.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RangeNotSupportedError is returned when the probe's server-supports-ranges
// heuristic (spec note: "Content-Length > 10x requested length", see
// probe.doOnce) trips: the server answered a ranged GET with a 200 and
// the full body instead of a 206 partial response.
type RangeNotSupportedError struct {
	URL string
}

func (e *RangeNotSupportedError) Error() string {
	return fmt.Sprintf("range requests not supported by %s", e.URL)
}

// UnauthorizedError is returned when a 401 survives authentication retries.
type UnauthorizedError struct {
	URL string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized fetching %s", e.URL)
}

// InvalidURLError indicates a malformed /vsicurl? query string.
type InvalidURLError struct {
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid vsicurl URL: %s", e.Reason)
}

// LowSpeedAbortError is returned when a request is cancelled by the
// low_speed_limit/low_speed_time watchdog (curl's CURLOPT_LOW_SPEED_*
// semantics), mirrored since net/http has no native equivalent.
type LowSpeedAbortError struct {
	URL string
}

func (e *LowSpeedAbortError) Error() string {
	return fmt.Sprintf("transfer aborted by low_speed_limit/low_speed_time on %s", e.URL)
}

// ErrNotExist is returned by Filesystem.Stat/Size when size discovery has
// conclusively determined the remote object does not exist.
type ErrNotExist struct {
	URL string
}

func (e *ErrNotExist) Error() string {
	return fmt.Sprintf("%s: no such remote object", e.URL)
}
