package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
)

func TestFetcherFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("hello"), 0o644))

	f := NewFetcher(FetcherConfig{Root: root})
	data, err := f.Fetch(context.Background(), "file:///notes.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFetcherFileEscapesRoot(t *testing.T) {
	f := NewFetcher(FetcherConfig{Root: t.TempDir()})
	_, err := f.Fetch(context.Background(), "file:///../outside.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes fetch root")
}

func TestFetcherFileDisabled(t *testing.T) {
	f := NewFetcher(FetcherConfig{})
	_, err := f.Fetch(context.Background(), "file:///anything")
	require.Error(t, err)
}

func TestFetcherHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{AllowHTTP: true})
	data, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	// Disabled by default.
	off := NewFetcher(FetcherConfig{})
	_, err = off.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetcherHTTPServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{AllowHTTP: true})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, memerr.IsTransient(err))
}

func TestFetcherHTTPNotFoundIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFetcher(FetcherConfig{AllowHTTP: true})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, memerr.IsTransient(err))
}

func TestFetcherUnsupportedScheme(t *testing.T) {
	f := NewFetcher(FetcherConfig{Root: t.TempDir(), AllowHTTP: true})
	_, err := f.Fetch(context.Background(), "s3://bucket/key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported uri scheme")
}
