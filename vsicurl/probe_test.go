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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProbe(cfg Config) *probe {
	return newProbe(&http.Client{}, cfg)
}

func TestProbeDoOnceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	result, err := p.Do(context.Background(), probeRequest{Method: http.MethodGet, URL: srv.URL, RangeStart: -1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, []byte("hello"), result.Body)
}

func TestProbeRetriesOn500ThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 2, RetryDelaySeconds: 0})
	p.retryFn = func(statusCode int, previousDelay time.Duration, body []byte, errText string) time.Duration {
		if statusCode == 0 || (statusCode >= 500 && statusCode < 600) {
			return time.Millisecond
		}
		return 0
	}
	result, err := p.Do(context.Background(), probeRequest{Method: http.MethodGet, URL: srv.URL, RangeStart: -1})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result.Body)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestProbeNonRetryable404DoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 3, RetryDelaySeconds: 0})
	_, err := p.Do(context.Background(), probeRequest{Method: http.MethodGet, URL: srv.URL, RangeStart: -1})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestProbeRangeHeaderSet(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 10-19/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	_, err := p.Do(context.Background(), probeRequest{Method: http.MethodGet, URL: srv.URL, RangeStart: 10, RangeEnd: 19})
	require.NoError(t, err)
	assert.Equal(t, "bytes=10-19", gotRange)
}

func TestProbeHeaderOnlySkipsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("abc"))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	result, err := p.Do(context.Background(), probeRequest{Method: http.MethodGet, URL: srv.URL, RangeStart: -1, HeaderOnly: true})
	require.NoError(t, err)
	assert.Nil(t, result.Body)
}

func TestProbeSingleflightCoalescesConcurrentIdenticalRequests(t *testing.T) {
	var inflight atomic.Int32
	var maxInflight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			cur := maxInflight.Load()
			if n <= cur || maxInflight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	req := probeRequest{Method: http.MethodGet, URL: srv.URL, RangeStart: -1}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = p.Do(context.Background(), req)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), maxInflight.Load(), "identical concurrent requests should coalesce to a single wire round trip")
}

func TestProbeRangeNotSupportedHeuristic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server ignores the Range header and returns the whole (large)
		// body with a 200, which should trip the heuristic.
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	_, err := p.Do(context.Background(), probeRequest{
		Method: http.MethodGet, URL: srv.URL, RangeStart: 0, RangeEnd: 9, AllowRangeCheck: true,
	})
	require.Error(t, err)
	var rnse *RangeNotSupportedError
	assert.ErrorAs(t, err, &rnse)
}

func TestReadBodyInterruptStops(t *testing.T) {
	data := []byte("0123456789")
	r := &sliceReader{data: data}
	calls := 0
	body, interrupted, err := readBody(r, func(buf []byte, n int) bool {
		calls++
		return false
	})
	require.NoError(t, err)
	assert.True(t, interrupted)
	assert.Equal(t, 1, calls)
	assert.LessOrEqual(t, len(body), len(data))
}

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}
