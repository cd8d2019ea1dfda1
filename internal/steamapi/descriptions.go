package steamapi

import (
	"fmt"
	"sync"
	"time"
)

func descKey(appID int, classID, instanceID string) string {
	return fmt.Sprintf("%d_%s_%s", appID, classID, instanceID)
}

type descCacheItem struct {
	value      descriptionDTO
	expiration time.Time
}

// DescriptionCache is a bounded TTL cache for item descriptions, keyed by
// (appid, classid, instanceid). Offer lists repeat the same classes over
// and over; caching them lets single-offer fetches resolve names without
// re-requesting descriptions.
type DescriptionCache struct {
	mu   sync.Mutex
	data map[string]descCacheItem
	ttl  time.Duration
	cap  int
}

// NewDescriptionCache creates a cache holding at most capacity entries for
// ttl each. When full, the entry closest to expiry is evicted.
func NewDescriptionCache(ttl time.Duration, capacity int) *DescriptionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if capacity <= 0 {
		capacity = 5000
	}
	return &DescriptionCache{
		data: make(map[string]descCacheItem),
		ttl:  ttl,
		cap:  capacity,
	}
}

func (c *DescriptionCache) get(key string) (descriptionDTO, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.data[key]
	if !ok {
		return descriptionDTO{}, false
	}
	if time.Now().After(item.expiration) {
		delete(c.data, key)
		return descriptionDTO{}, false
	}
	return item.value, true
}

func (c *DescriptionCache) put(key string, value descriptionDTO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; !exists && len(c.data) >= c.cap {
		c.evictOldestLocked()
	}
	c.data[key] = descCacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
}

func (c *DescriptionCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestExp time.Time
	)
	for k, v := range c.data {
		if oldestKey == "" || v.expiration.Before(oldestExp) {
			oldestKey = k
			oldestExp = v.expiration
		}
	}
	if oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// Len returns the current number of cached descriptions.
func (c *DescriptionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
