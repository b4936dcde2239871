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
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemSizeAndExists(t *testing.T) {
	data := []byte("hello world")
	srv := serveWholeObject(data)
	defer srv.Close()

	fs := newTestFilesystem(srv, 16, 1024)
	defer fs.Close()

	path := "/" + srv.URL
	size, err := fs.Size(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), size)

	exists, err := fs.Exists(context.Background(), path, nil)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFilesystemSizeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	fs := newTestFilesystem(srv, 16, 1024)
	defer fs.Close()

	_, err := fs.Size(context.Background(), "/"+srv.URL, nil)
	require.Error(t, err)
	var nf *ErrNotExist
	assert.ErrorAs(t, err, &nf)
}

func TestFilesystemStatCachesProperties(t *testing.T) {
	var headCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headCount.Add(1)
		w.Header().Set("Content-Length", "6")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newTestFilesystem(srv, 16, 1024)
	defer fs.Close()

	path := "/" + srv.URL
	_, err := fs.Size(context.Background(), path, nil)
	require.NoError(t, err)
	_, err = fs.Size(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), headCount.Load(), "second Size() call should hit the property cache, not the network")
}

func TestFilesystemPartialClearCacheRemovesOnlyMatchingPrefix(t *testing.T) {
	fs := NewFilesystemWithConfig(Config{ChunkSize: 16, CacheSizeBytes: 1024, MaxRetry: 1})
	defer fs.Close()

	fs.props.Put("https://a/1", FileProperties{Existence: existenceYes})
	fs.props.Put("https://a/2", FileProperties{Existence: existenceYes})
	fs.props.Put("https://b/1", FileProperties{Existence: existenceYes})
	fs.regions.Put("https://a/1", 0, []byte("x"))
	fs.regions.Put("https://b/1", 0, []byte("y"))

	fs.PartialClearCache("https://a/")

	_, ok := fs.props.Get("https://a/1")
	assert.False(t, ok)
	_, ok = fs.props.Get("https://a/2")
	assert.False(t, ok)
	_, ok = fs.props.Get("https://b/1")
	assert.True(t, ok)
	_, ok = fs.regions.Get("https://a/1", 0)
	assert.False(t, ok)
	_, ok = fs.regions.Get("https://b/1", 0)
	assert.True(t, ok)
}

func TestFilesystemClearCacheWipesEverything(t *testing.T) {
	fs := NewFilesystemWithConfig(Config{ChunkSize: 16, CacheSizeBytes: 1024, MaxRetry: 1})
	defer fs.Close()

	fs.props.Put("https://a/1", FileProperties{Existence: existenceYes})
	fs.regions.Put("https://a/1", 0, []byte("x"))
	fs.PutDirListing("https://a/", []string{"1"})

	fs.ClearCache()

	_, ok := fs.props.Get("https://a/1")
	assert.False(t, ok)
	_, ok = fs.regions.Get("https://a/1", 0)
	assert.False(t, ok)
	assert.False(t, fs.dirList.Contains("https://a/1"))
}

func TestFilesystemAuthParametersChangedBumpsEpoch(t *testing.T) {
	fs := NewFilesystemWithConfig(Config{ChunkSize: 16, CacheSizeBytes: 1024, MaxRetry: 1})
	defer fs.Close()

	before := fs.authGen.Current()
	after := fs.AuthParametersChanged()
	assert.Equal(t, before+1, after)
}

func TestFilesystemStatUsesDirListingShortcut(t *testing.T) {
	fs := NewFilesystemWithConfig(Config{ChunkSize: 16, CacheSizeBytes: 1024, MaxRetry: 1})
	defer fs.Close()

	fs.PutDirListing("https://a/dir/", []string{"one.tif"})

	props, err := fs.stat(context.Background(), "https://a/dir/one.tif", NoopAuthProvider{}, requestKnobs{})
	require.NoError(t, err)
	assert.Equal(t, existenceYes, props.Existence)
}
