package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// defaultCacheCapacity bounds the number of cached signed URLs.
	defaultCacheCapacity = 10000

	// safetyMargin is the minimum remaining life a cached URL must have to
	// be served. Anything closer to expiry is re-signed.
	safetyMargin = 60 * time.Second
)

// SignFunc mints a signed URL for an object valid until expires.
type SignFunc func(bucket, object, method string, expires time.Time) (string, error)

type urlEntry struct {
	url     string
	expires time.Time
}

// URLCache caches signed URLs keyed by (bucket, object, method, expiry
// bucket). It is bounded; when full, the entry closest to expiry is evicted
// since it is the least useful one to keep. Concurrent misses for the same
// key collapse into a single signing call.
type URLCache struct {
	mu       sync.Mutex
	entries  map[string]urlEntry
	capacity int
	group    singleflight.Group

	now func() time.Time
}

// NewURLCache creates a cache holding at most capacity entries.
func NewURLCache(capacity int) *URLCache {
	if capacity < 1 {
		capacity = defaultCacheCapacity
	}
	return &URLCache{
		entries:  make(map[string]urlEntry),
		capacity: capacity,
		now:      time.Now,
	}
}

// GetOrSign returns a cached URL with at least safetyMargin of life left, or
// signs a fresh one. The signing call runs outside the cache lock.
//
// The cache key quantizes time into TTL-sized windows, so every caller within
// one window observes the same URL for a given object and method.
func (c *URLCache) GetOrSign(ctx context.Context, bucket, object, method string, ttl time.Duration, sign SignFunc) (string, time.Time, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	now := c.now()
	window := now.Unix() / int64(ttl/time.Second)
	expires := now.Add(ttl)
	key := fmt.Sprintf("%s/%s?method=%s&win=%d", bucket, object, method, window)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && entry.expires.Sub(now) > safetyMargin {
		c.mu.Unlock()
		return entry.url, entry.expires, nil
	}
	c.mu.Unlock()

	type signed struct {
		url     string
		expires time.Time
	}
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok && entry.expires.Sub(c.now()) > safetyMargin {
			c.mu.Unlock()
			return signed{entry.url, entry.expires}, nil
		}
		c.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url, err := sign(bucket, object, method, expires)
		if err != nil {
			return nil, err
		}
		c.put(key, urlEntry{url: url, expires: expires})
		return signed{url, expires}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	s := result.(signed)
	return s.url, s.expires, nil
}

// Invalidate drops all cached URLs for an object, across methods and expiry
// buckets. Called when the object is deleted or moved.
func (c *URLCache) Invalidate(bucket, object string) {
	prefix := bucket + "/" + object + "?"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of live entries.
func (c *URLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *URLCache) put(key string, entry urlEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Overwriting an existing key replaces in place; no room is needed.
	if _, ok := c.entries[key]; ok {
		c.entries[key] = entry
		return
	}

	now := c.now()
	if len(c.entries) >= c.capacity {
		// Drop expired entries first; if none, evict the soonest to expire.
		for k, e := range c.entries {
			if !e.expires.After(now) {
				delete(c.entries, k)
			}
		}
		for len(c.entries) >= c.capacity {
			var soonestKey string
			var soonest time.Time
			for k, e := range c.entries {
				if soonestKey == "" || e.expires.Before(soonest) {
					soonestKey = k
					soonest = e.expires
				}
			}
			delete(c.entries, soonestKey)
		}
	}
	c.entries[key] = entry
}
