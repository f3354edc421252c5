package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(opts ...Option) *Fetcher {
	base := []Option{WithBackoffUnit(time.Millisecond)}
	return New(append(base, opts...)...)
}

func testDescriptor() *model.Descriptor {
	return &model.Descriptor{ID: "m1", Format: model.FormatGGUF}
}

func TestDownloadSuccess(t *testing.T) {
	payload := strings.Repeat("w", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var lastDone, lastTotal int64
	path, err := testFetcher().Download(context.Background(), testDescriptor(),
		srv.URL+"/model.gguf", dir, func(done, total int64) {
			lastDone, lastTotal = done, total
		})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m1", "model.gguf"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.Equal(t, int64(len(payload)), lastDone)
	assert.Equal(t, int64(len(payload)), lastTotal)

	// Partial directory holds nothing after a completed transfer.
	entries, err := os.ReadDir(filepath.Join(dir, "m1", ".partial"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadSkipsExistingArtifact(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "m1", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(final), 0755))
	require.NoError(t, os.WriteFile(final, []byte("already here"), 0644))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	path, err := testFetcher().Download(context.Background(), testDescriptor(),
		srv.URL+"/model.gguf", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, final, path)
	assert.Zero(t, hits.Load())
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	path, err := testFetcher().Download(context.Background(), testDescriptor(),
		srv.URL+"/model.gguf", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestDownloadExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testFetcher().Download(context.Background(), testDescriptor(),
		srv.URL+"/model.gguf", t.TempDir(), nil)
	assert.ErrorIs(t, err, model.ErrNetworkFailure)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDownloadResumesPartial(t *testing.T) {
	full := []byte("0123456789abcdef")
	var gotRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		gotRange.Store(rng)
		if rng == "" {
			w.Write(full)
			return
		}
		var offset int64
		if _, perr := fmtSscanRange(rng, &offset); perr != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(offset, 10)+"-15/16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[offset:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "m1", ".partial", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, full[:6], 0644))

	path, err := testFetcher().Download(context.Background(), testDescriptor(),
		srv.URL+"/model.gguf", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "bytes=6-", gotRange.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, full, data)
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	full := []byte("fresh-copy")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 regardless of Range: client must restart from zero.
		w.Write(full)
	}))
	defer srv.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "m1", ".partial", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, []byte("stale-bytes"), 0644))

	path, err := testFetcher().Download(context.Background(), testDescriptor(),
		srv.URL+"/model.gguf", dir, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, full, data)
}

func TestDownloadCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(WithBackoffUnit(time.Hour)).Download(ctx, testDescriptor(),
		srv.URL+"/model.gguf", t.TempDir(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDownloadSendsBearerToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	_, err := testFetcher(WithToken("tok123")).Download(context.Background(),
		testDescriptor(), srv.URL+"/model.gguf", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", auth.Load())
}

func TestClearPartialAndRemoveArtifacts(t *testing.T) {
	dir := t.TempDir()
	desc := testDescriptor()
	partial := filepath.Join(dir, desc.ID, ".partial", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0755))
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0644))

	f := testFetcher()
	require.NoError(t, f.ClearPartial(desc, dir))
	_, err := os.Stat(partial)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.RemoveArtifacts(desc, dir))
	_, err = os.Stat(filepath.Join(dir, desc.ID))
	assert.True(t, os.IsNotExist(err))
}

// fmtSscanRange parses "bytes=N-" range headers used by the resume tests.
func fmtSscanRange(rng string, offset *int64) (int, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}
	*offset = v
	return 1, nil
}
