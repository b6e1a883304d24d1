package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loist/loist/internal/errors"
)

func TestFetchDownloadsBody(t *testing.T) {
	payload := strings.Repeat("a", 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte(payload))
	}))
	defer server.Close()

	fetcher := NewFetcher(true)
	result, err := fetcher.Fetch(context.Background(), server.URL+"/tracks/song.mp3", Options{MaxSize: 1 << 20})
	require.NoError(t, err)
	defer os.Remove(result.Path)

	assert.Equal(t, int64(len(payload)), result.Size)
	assert.Equal(t, "audio/mpeg", result.ContentType)
	assert.Equal(t, "song.mp3", result.Filename)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFetchRejectsOversizeAtPreflight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		if r.Method == http.MethodHead {
			return
		}
		t.Error("GET should not be issued after preflight rejection")
	}))
	defer server.Close()

	fetcher := NewFetcher(true)
	_, err := fetcher.Fetch(context.Background(), server.URL, Options{MaxSize: 1024})
	require.Error(t, err)
	assert.Equal(t, errors.KindSizeExceeded, errors.KindOf(err))
}

func TestFetchRejectsOversizeMidStream(t *testing.T) {
	// No Content-Length so the preflight cannot catch it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := []byte(strings.Repeat("x", 1024))
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer server.Close()

	fetcher := NewFetcher(true)
	_, err := fetcher.Fetch(context.Background(), server.URL, Options{MaxSize: 2048})
	require.Error(t, err)
	assert.Equal(t, errors.KindSizeExceeded, errors.KindOf(err))
	assert.False(t, errors.Retriable(err))
}

func TestFetchClassifiesOriginStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retriable bool
	}{
		{"not found", http.StatusNotFound, false},
		{"forbidden", http.StatusForbidden, false},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			fetcher := NewFetcher(true)
			_, err := fetcher.Fetch(context.Background(), server.URL, Options{})
			require.Error(t, err)
			assert.Equal(t, errors.KindFetchFailed, errors.KindOf(err))
			assert.Equal(t, tt.retriable, errors.Retriable(err))
		})
	}
}

func TestFetchRefusesNonPublicAddresses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached with the private-address guard on")
	}))
	defer server.Close()

	fetcher := NewFetcher(false)
	_, err := fetcher.Fetch(context.Background(), server.URL, Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindFetchForbidden, errors.KindOf(err))
}

func TestFetchRefusesBadSchemes(t *testing.T) {
	fetcher := NewFetcher(true)
	for _, raw := range []string{
		"ftp://example.com/a.mp3",
		"file:///etc/passwd",
		"gopher://example.com",
		"not a url at all://",
	} {
		_, err := fetcher.Fetch(context.Background(), raw, Options{})
		require.Error(t, err, raw)
		assert.Equal(t, errors.KindFetchForbidden, errors.KindOf(err), raw)
	}
}

func TestFetchForwardsCallerHeaders(t *testing.T) {
	var gotAuth, gotProxyConn string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gotAuth = r.Header.Get("Authorization")
			gotProxyConn = r.Header.Get("Proxy-Connection")
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	fetcher := NewFetcher(true)
	result, err := fetcher.Fetch(context.Background(), server.URL, Options{
		Headers: map[string]string{
			"Authorization":    "Bearer abc",
			"Proxy-Connection": "keep-alive",
		},
	})
	require.NoError(t, err)
	defer os.Remove(result.Path)

	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Empty(t, gotProxyConn)
}

func TestCopyCappedExactLimit(t *testing.T) {
	var sink strings.Builder
	n, err := copyCapped(&sink, strings.NewReader("12345678"), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}
