package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loist/loist/internal/errors"
)

func countingSigner(calls *int64) SignFunc {
	return func(bucket, object, method string, expires time.Time) (string, error) {
		n := atomic.AddInt64(calls, 1)
		return fmt.Sprintf("https://signed.example/%s/%s?call=%d", bucket, object, n), nil
	}
}

func TestURLCacheReusesLiveEntries(t *testing.T) {
	var calls int64
	cache := NewURLCache(10)
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	first, expires, err := cache.GetOrSign(ctx, "b", "audio/x/x.mp3", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	second, _, err := cache.GetOrSign(ctx, "b", "audio/x/x.mp3", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls)
}

func TestURLCacheRefusesStaleEntries(t *testing.T) {
	var calls int64
	cache := NewURLCache(10)
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	first, expires, err := cache.GetOrSign(ctx, "b", "o", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)

	// Move within the safety margin of the cached expiry.
	current = expires.Add(-30 * time.Second)

	second, _, err := cache.GetOrSign(ctx, "b", "o", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.EqualValues(t, 2, calls)
}

func TestURLCacheKeysByMethodAndObject(t *testing.T) {
	var calls int64
	cache := NewURLCache(10)
	ctx := context.Background()

	urlGet, _, err := cache.GetOrSign(ctx, "b", "o", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	urlPut, _, err := cache.GetOrSign(ctx, "b", "o", "PUT", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	urlOther, _, err := cache.GetOrSign(ctx, "b", "other", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)

	assert.NotEqual(t, urlGet, urlPut)
	assert.NotEqual(t, urlGet, urlOther)
	assert.EqualValues(t, 3, calls)
}

func TestURLCacheEvictsSoonestExpiry(t *testing.T) {
	var calls int64
	cache := NewURLCache(2)
	ctx := context.Background()

	_, _, err := cache.GetOrSign(ctx, "b", "short", "GET", 10*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	_, _, err = cache.GetOrSign(ctx, "b", "long", "GET", 60*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	_, _, err = cache.GetOrSign(ctx, "b", "third", "GET", 30*time.Minute, countingSigner(&calls))
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())

	// "short" had the soonest expiry and must have been evicted; a repeat
	// signs again while "long" is still served from cache.
	_, _, err = cache.GetOrSign(ctx, "b", "long", "GET", 60*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls)

	_, _, err = cache.GetOrSign(ctx, "b", "short", "GET", 10*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	assert.EqualValues(t, 4, calls)
}

func TestURLCacheSingleFlight(t *testing.T) {
	var calls int64
	slowSigner := func(bucket, object, method string, expires time.Time) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return "https://signed.example/" + object, nil
	}

	cache := NewURLCache(10)
	ctx := context.Background()

	var wg sync.WaitGroup
	urls := make([]string, 8)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, _, err := cache.GetOrSign(ctx, "b", "o", "GET", 15*time.Minute, slowSigner)
			assert.NoError(t, err)
			urls[i] = url
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls)
	for _, url := range urls {
		assert.Equal(t, urls[0], url)
	}
}

func TestURLCacheDoesNotCacheSignFailures(t *testing.T) {
	var calls int64
	missingSigner := func(bucket, object, method string, expires time.Time) (string, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return "", errors.NewNotFoundError("object", object)
		}
		return "https://signed.example/" + object, nil
	}

	cache := NewURLCache(10)
	ctx := context.Background()

	// The probe failure propagates to the caller and nothing is cached.
	_, _, err := cache.GetOrSign(ctx, "b", "gone", "GET", 15*time.Minute, missingSigner)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.Zero(t, cache.Len())

	// A later request retries the full sign path.
	url, _, err := cache.GetOrSign(ctx, "b", "gone", "GET", 15*time.Minute, missingSigner)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.EqualValues(t, 2, calls)
}

func TestURLCachePutReplacesInPlaceAtCapacity(t *testing.T) {
	cache := NewURLCache(2)
	now := time.Now()

	cache.put("a", urlEntry{url: "u1", expires: now.Add(10 * time.Minute)})
	cache.put("b", urlEntry{url: "u2", expires: now.Add(60 * time.Minute)})

	// Overwriting a present key at capacity must not evict the other entry.
	cache.put("a", urlEntry{url: "u3", expires: now.Add(20 * time.Minute)})

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, "u3", cache.entries["a"].url)
	assert.Equal(t, "u2", cache.entries["b"].url)
}

func TestURLCacheInvalidate(t *testing.T) {
	var calls int64
	cache := NewURLCache(10)
	ctx := context.Background()

	_, _, err := cache.GetOrSign(ctx, "b", "o", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	cache.Invalidate("b", "o")
	assert.Zero(t, cache.Len())

	_, _, err = cache.GetOrSign(ctx, "b", "o", "GET", 15*time.Minute, countingSigner(&calls))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)
}
