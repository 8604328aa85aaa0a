package service

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory StorageClient.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	uploads int
	failErr error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

const memStoragePrefix = "https://cdn.studio.test"

func (m *memStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if m.failErr != nil {
		return "", m.failErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.types[key] = contentType
	m.uploads++
	return m.GetPublicURL(key), nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) GetPublicURL(key string) string { return memStoragePrefix + "/" + key }

func (m *memStorage) Owns(url string) bool { return strings.HasPrefix(url, memStoragePrefix+"/") }

func TestRelocator_CopiesOnceUnderDeterministicKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png; charset=binary")
		w.Write([]byte("\x89PNG fake"))
	}))
	defer srv.Close()

	storage := newMemStorage()
	r := NewRelocator(storage, 0, zerolog.Nop())
	ctx := context.Background()

	first, err := r.Relocate(ctx, srv.URL+"/out/abc.png", "jobs/job-1")
	require.NoError(t, err)
	assert.True(t, first.Copied)
	assert.Equal(t, "image/png", first.ContentType)
	assert.True(t, strings.HasPrefix(first.Key, "jobs/job-1/"))
	assert.True(t, strings.HasSuffix(first.Key, ".png"))
	assert.Equal(t, memStoragePrefix+"/"+first.Key, first.URL)

	// relocating the permanent URL is free
	again, err := r.Relocate(ctx, first.URL, "jobs/job-1")
	require.NoError(t, err)
	assert.False(t, again.Copied)
	assert.Equal(t, first.URL, again.URL)

	// relocating the same provider URL overwrites the same object
	retry, err := r.Relocate(ctx, srv.URL+"/out/abc.png", "jobs/job-1")
	require.NoError(t, err)
	assert.Equal(t, first.Key, retry.Key)

	assert.Equal(t, int32(2), hits.Load())
	assert.Len(t, storage.objects, 1)
}

func TestRelocator_FetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	r := NewRelocator(newMemStorage(), 32, zerolog.Nop())

	_, err := r.Relocate(context.Background(), srv.URL+"/gone", "jobs/j")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = r.Relocate(context.Background(), srv.URL+"/big.mp4", "jobs/j")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestRelocator_NoStorageKeepsURL(t *testing.T) {
	r := NewRelocator(nil, 0, zerolog.Nop())
	rel, err := r.Relocate(context.Background(), "https://replicate.delivery/x.png", "jobs/j")
	require.NoError(t, err)
	assert.Equal(t, "https://replicate.delivery/x.png", rel.URL)
	assert.False(t, rel.Copied)
}

func TestObjectKey(t *testing.T) {
	k1 := objectKey("/jobs/a/", "https://p/out", "video/mp4")
	k2 := objectKey("jobs/a", "https://p/out", "video/mp4")
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasSuffix(k1, ".mp4"))
	assert.Len(t, strings.TrimPrefix(strings.TrimSuffix(k1, ".mp4"), "jobs/a/"), 16)

	assert.True(t, strings.HasSuffix(objectKey("", "https://p/out", "application/x-unknown-thing"), ".bin"))
}
