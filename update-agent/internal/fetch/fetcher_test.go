package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openorb/orbcore/pkg/claim"
)

type rangeServer struct {
	payload  []byte
	requests atomic.Int64
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.payload)))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		// Length probe; the fetcher discards the body.
		w.WriteHeader(http.StatusOK)
		return
	}
	var lo, hi int
	if _, err := fmt.Sscanf(strings.TrimPrefix(rangeHeader, "bytes="), "%d-%d", &lo, &hi); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(hi-lo+1))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(s.payload[lo : hi+1])
}

func newFetcher(t *testing.T, client *http.Client, throttle ThrottleOracle) *Fetcher {
	t.Helper()
	f, err := New(Config{
		Logger:   slog.New(slog.DiscardHandler),
		Client:   client,
		Throttle: throttle,
	})
	require.NoError(t, err)
	return f
}

func remoteSource(url string, size uint64) claim.Source {
	return claim.Source{
		Name:     "root",
		URL:      claim.LocalOrRemote{Remote: url},
		Size:     size,
		Hash:     "cafe",
		MimeType: claim.MimeOctetStream,
	}
}

func TestFetchDownloadsWholePayload(t *testing.T) {
	payload := make([]byte, 3*ChunkSize/2)
	for i := range payload {
		payload[i] = byte(i)
	}
	backend := &rangeServer{payload: payload}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	dir := t.TempDir()
	f := newFetcher(t, srv.Client(), nil)
	path, err := f.Fetch(context.Background(), remoteSource(srv.URL, uint64(len(payload))), dir)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	// One probe plus two range requests.
	assert.EqualValues(t, 3, backend.requests.Load())
}

func TestFetchSkipsCompleteFileWithoutAnyRequest(t *testing.T) {
	payload := []byte("complete payload bytes")
	backend := &rangeServer{payload: payload}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	dir := t.TempDir()
	source := remoteSource(srv.URL, uint64(len(payload)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, source.UniqueName()), payload, 0o644))

	f := newFetcher(t, srv.Client(), nil)
	path, err := f.Fetch(context.Background(), source, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, source.UniqueName()), path)
	assert.Zero(t, backend.requests.Load())
}

func TestFetchTruncatesOversizedFile(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 7
	}
	backend := &rangeServer{payload: payload}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	dir := t.TempDir()
	source := remoteSource(srv.URL, uint64(len(payload)))
	oversized := make([]byte, len(payload)+50)
	require.NoError(t, os.WriteFile(filepath.Join(dir, source.UniqueName()), oversized, 0o644))

	f := newFetcher(t, srv.Client(), nil)
	path, err := f.Fetch(context.Background(), source, dir)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchRestartsOnMisalignedPartial(t *testing.T) {
	payload := make([]byte, ChunkSize+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	backend := &rangeServer{payload: payload}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	dir := t.TempDir()
	source := remoteSource(srv.URL, uint64(len(payload)))
	// Misaligned partial: not a multiple of the chunk size, and wrong bytes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, source.UniqueName()), []byte("garbage"), 0o644))

	f := newFetcher(t, srv.Client(), nil)
	path, err := f.Fetch(context.Background(), source, dir)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchResumesAlignedPartial(t *testing.T) {
	payload := make([]byte, ChunkSize+100)
	for i := range payload {
		payload[i] = byte(i % 239)
	}
	backend := &rangeServer{payload: payload}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	dir := t.TempDir()
	source := remoteSource(srv.URL, uint64(len(payload)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, source.UniqueName()), payload[:ChunkSize], 0o644))

	f := newFetcher(t, srv.Client(), nil)
	path, err := f.Fetch(context.Background(), source, dir)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	// Probe plus exactly one range request for the tail chunk.
	assert.EqualValues(t, 2, backend.requests.Load())
}

func TestFetchFailsOnContentLengthMismatch(t *testing.T) {
	backend := &rangeServer{payload: make([]byte, 10)}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	dir := t.TempDir()
	f := newFetcher(t, srv.Client(), nil)
	_, err := f.Fetch(context.Background(), remoteSource(srv.URL, 999), dir)

	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 999, mismatch.Claimed)
	assert.EqualValues(t, 10, mismatch.Remote)
}

type staticOracle bool

func (o staticOracle) BackgroundDownloadsAllowed() bool { return bool(o) }

func TestThrottleDelayFlips(t *testing.T) {
	f := newFetcher(t, http.DefaultClient, staticOracle(false))
	f.cfg.Delay = 25

	delay, allowed := f.throttleDelay(0, true)
	assert.EqualValues(t, 25, delay)
	assert.False(t, allowed)

	f.cfg.Throttle = staticOracle(true)
	delay, allowed = f.throttleDelay(delay, allowed)
	assert.Zero(t, delay)
	assert.True(t, allowed)
}
