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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverSizeHeadSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "12345")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, err := p.discoverSize(context.Background(), rc, srv.URL, sizeDiscoveryOptions{
		UseHead: true, ChunkSize: 16384,
	})
	require.NoError(t, err)
	assert.Equal(t, existenceYes, props.Existence)
	assert.Equal(t, uint64(12345), props.Size)
}

func TestDiscoverSizeHeadNotAllowedFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", "99")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 99))
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, err := p.discoverSize(context.Background(), rc, srv.URL, sizeDiscoveryOptions{
		UseHead: true, ChunkSize: 16384,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(99), props.Size)
}

func TestDiscoverSize404IsNotExist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, err := p.discoverSize(context.Background(), rc, srv.URL, sizeDiscoveryOptions{
		UseHead: true, ChunkSize: 16384, SetError: true,
	})
	require.Error(t, err)
	assert.Equal(t, existenceNo, props.Existence)
}

func TestDiscoverSizeRangeNotSatisfiableIsZeroLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, _ := p.discoverSize(context.Background(), rc, srv.URL, sizeDiscoveryOptions{
		UseHead: true, ChunkSize: 16384,
	})
	assert.Equal(t, existenceYes, props.Existence)
	assert.Equal(t, uint64(0), props.Size)
}

func TestDiscoverSizeS3SignedSkipsHeadGoesStraightToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method, "S3-signed URLs must never receive a HEAD")
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	url := srv.URL + "/obj?X-Amz-Signature=deadbeef"
	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	_, err := p.discoverSize(context.Background(), rc, url, sizeDiscoveryOptions{
		UseHead: true, ChunkSize: 16384,
	})
	require.NoError(t, err)
}

func TestDiscoverSizeS3RedirectCachedWhenValidityLongEnough(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		expiresAt := time.Now().Add(1 * time.Hour)
		http.Redirect(w, r, fmt.Sprintf("%s/obj?X-Amz-Signature=abc&Expires=%d", srv.URL, expiresAt.Unix()), http.StatusFound)
	})
	mux.HandleFunc("/obj", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 10))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, err := p.discoverSize(context.Background(), rc, srv.URL+"/plain", sizeDiscoveryOptions{
		UseHead: false, UseS3Redirect: true, ChunkSize: 16384,
	})
	require.NoError(t, err)
	require.NotNil(t, props.Redirect)
	assert.Contains(t, props.Redirect.URL, "X-Amz-Signature=abc")
}

func TestDiscoverSizeShortValidityRedirectNotCached(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		expiresAt := time.Now().Add(5 * time.Second)
		http.Redirect(w, r, fmt.Sprintf("%s/obj?X-Amz-Signature=abc&Expires=%d", srv.URL, expiresAt.Unix()), http.StatusFound)
	})
	mux.HandleFunc("/obj", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 10))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, err := p.discoverSize(context.Background(), rc, srv.URL+"/plain", sizeDiscoveryOptions{
		UseHead: false, UseS3Redirect: true, ChunkSize: 16384,
	})
	require.NoError(t, err)
	assert.Nil(t, props.Redirect, "validity under 10s should not be cached")
}

func TestDiscoverSizeLimitRangeGetIssuesRangedGetAndIngestsBody(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 16384)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEqual(t, http.MethodHead, r.Method, "LimitRangeGet must never issue a HEAD")
		assert.Equal(t, "bytes=0-16383", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-16383/100000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	p := newTestProbe(Config{MaxRetry: 1})
	rc := newRegionCache(100, 16384)
	props, err := p.discoverSize(context.Background(), rc, srv.URL, sizeDiscoveryOptions{
		UseHead: true, LimitRangeGet: true, IngestedBytesAtOpen: 1024, ChunkSize: 16384,
	})
	require.NoError(t, err)
	assert.Equal(t, existenceYes, props.Existence)
	assert.Equal(t, uint64(100000), props.Size)

	chunk, ok := rc.Get(srv.URL, 0)
	require.True(t, ok, "ingestInitialBytes should have seeded the region cache from the GET body")
	assert.Equal(t, body, chunk)
}

func TestInspectDoesNotScrapeFtpPatternsFromHTTPBody(t *testing.T) {
	r := &probeResult{
		StatusCode: http.StatusNotFound,
		Headers:    http.Header{},
		Body:       []byte("<html>error 213 42, Content-Length: 9999 reported by upstream</html>"),
	}
	props, action := inspect("https://example.com/obj", "https://example.com/obj", r, sizeDiscoveryOptions{})
	assert.Equal(t, existenceNo, props.Existence, "a 404 error page that merely contains FTP-shaped text must not be mistaken for a real FTP size reply")
	assert.Equal(t, inspectFail, action.kind)
}

func TestInspectScrapesFtpPatternsForFtpURLs(t *testing.T) {
	r := &probeResult{
		// FTP "213 <size>" reply lines have no HTTP status equivalent;
		// StatusCode 0 stands in for "not an HTTP response".
		StatusCode: 0,
		Headers:    http.Header{},
		Body:       []byte("213 42\r\n"),
	}
	props, action := inspect("ftp://example.com/obj", "ftp://example.com/obj", r, sizeDiscoveryOptions{})
	assert.Equal(t, existenceYes, props.Existence)
	assert.Equal(t, uint64(42), props.Size)
	assert.Equal(t, inspectDone, action.kind)
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, int64(16384), roundUp(1, 16384))
	assert.Equal(t, int64(16384), roundUp(16384, 16384))
	assert.Equal(t, int64(32768), roundUp(16385, 16384))
}

func TestIngestInitialBytesSplitsIntoChunks(t *testing.T) {
	rc := newRegionCache(100, 4)
	r := &probeResult{Body: []byte("0123456789")}
	ingestInitialBytes(rc, "https://a/1", r, 4)

	c0, ok := rc.Get("https://a/1", 0)
	require.True(t, ok)
	assert.Equal(t, []byte("0123"), c0)

	c1, ok := rc.Get("https://a/1", 4)
	require.True(t, ok)
	assert.Equal(t, []byte("4567"), c1)

	c2, ok := rc.Get("https://a/1", 8)
	require.True(t, ok)
	assert.Equal(t, []byte("89"), c2)
}
