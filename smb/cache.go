package smb

import (
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Cache defaults.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 512
)

type cacheEntry struct {
	localPath string
	addedAt   time.Time
	gen       uint64
	timer     *time.Timer
}

// Cache maps (deviceID, normalized remote path) to a downloaded local
// temp file. Entries expire after the TTL; an LRU cap bounds local disk
// usage. Eviction unlinks the backing file and is idempotent.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	nextGen uint64
	entries *lru.Cache[string, *cacheEntry]

	// now is swapped by tests to drive TTL expiry.
	now func() time.Time
}

// NewCache returns a Cache bounded by |capacity| entries and |ttl| age.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	var c = &Cache{ttl: ttl, now: time.Now}
	// NewWithEvict only errors on a non-positive size.
	c.entries, _ = lru.NewWithEvict[string, *cacheEntry](capacity, onEvict)
	return c
}

// onEvict runs inside the LRU while the cache lock is held; it must not
// re-enter the cache. Unlink failures are expected after host tmp
// cleanup and are only logged.
func onEvict(key string, e *cacheEntry) {
	e.timer.Stop()
	if err := os.Remove(e.localPath); err != nil && !os.IsNotExist(err) {
		log.WithField("path", e.localPath).WithError(err).Debug("removing cached file")
	}
	evictionsTotal.Inc()
}

func cacheKey(deviceID, normPath string) string { return deviceID + "::" + normPath }

// Get returns the local path for (deviceID, path) when a live entry
// exists and its backing file is still on disk. Expired entries are
// unobservable: the read misses and the entry is dropped.
func (c *Cache) Get(deviceID, path string) (string, bool) {
	var key = cacheKey(deviceID, NormalizePOSIX(path))

	c.mu.Lock()
	defer c.mu.Unlock()

	var e, ok = c.entries.Peek(key)
	if !ok {
		cacheMisses.Inc()
		return "", false
	}
	if c.now().Sub(e.addedAt) >= c.ttl {
		c.entries.Remove(key)
		cacheMisses.Inc()
		return "", false
	}
	if _, err := os.Stat(e.localPath); err != nil {
		c.entries.Remove(key)
		cacheMisses.Inc()
		return "", false
	}
	c.entries.Get(key) // Bump recency.
	cacheHits.Inc()
	return e.localPath, true
}

// Put registers a downloaded file and schedules its expiry.
func (c *Cache) Put(deviceID, path, localPath string) {
	var norm = NormalizePOSIX(path)
	var key = cacheKey(deviceID, norm)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
	c.nextGen++
	var e = &cacheEntry{localPath: localPath, addedAt: c.now(), gen: c.nextGen}
	var gen = e.gen
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(key, gen) })
	c.entries.Add(key, e)
}

// expire removes |key| if it still holds the generation the timer was
// armed for. A Put that replaced the entry in the meantime wins.
func (c *Cache) expire(key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(key); ok && e.gen == gen {
		c.entries.Remove(key)
	}
}

// Remove drops one entry, unlinking its file.
func (c *Cache) Remove(deviceID, path string) {
	var key = cacheKey(deviceID, NormalizePOSIX(path))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Clear drops every entry, best-effort unlinking all backing files.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
