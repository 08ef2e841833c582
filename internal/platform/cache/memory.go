package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type cacheItem struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// MemoryCacheConfig configures an in-memory cache
type MemoryCacheConfig struct {
	MaxSize         int
	CleanupInterval time.Duration // how often expired entries are evicted
	Clock           Clock
	OnEvict         func(key string) // runs under the cache lock; must not call back into the cache
}

// MemoryCache implements an in-memory LRU cache with TTL support.
// Expired entries are misses on read and are evicted by a janitor goroutine.
type MemoryCache struct {
	maxSize int
	now     Clock
	onEvict func(key string)

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a new in-memory cache with default settings
func NewMemoryCache(maxSize int) *MemoryCache {
	return NewMemoryCacheWithConfig(MemoryCacheConfig{MaxSize: maxSize})
}

// NewMemoryCacheWithConfig creates a new in-memory cache
func NewMemoryCacheWithConfig(cfg MemoryCacheConfig) *MemoryCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &MemoryCache{
		maxSize: cfg.MaxSize,
		now:     cfg.Clock,
		onEvict: cfg.OnEvict,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}

	go c.janitor(cfg.CleanupInterval)

	return c
}

// Get retrieves a value from cache
func (c *MemoryCache) Get(_ context.Context, key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return nil, ErrNotFound
	}

	item := element.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.remove(key)
		return nil, ErrNotFound
	}

	c.lru.MoveToFront(element)
	return item.value, nil
}

// Set stores a value in cache with TTL
func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)

	if element, ok := c.items[key]; ok {
		item := element.Value.(*cacheItem)
		item.value = value
		item.expiresAt = expiresAt
		c.lru.MoveToFront(element)
		return nil
	}

	c.items[key] = c.lru.PushFront(&cacheItem{key: key, value: value, expiresAt: expiresAt})

	if c.lru.Len() > c.maxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.remove(oldest.Value.(*cacheItem).key)
		}
	}

	return nil
}

// Delete removes a key from cache
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(key)
	return nil
}

// Close stops the janitor. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return nil
}

// remove removes an item (caller holds mu)
func (c *MemoryCache) remove(key string) {
	element, ok := c.items[key]
	if !ok {
		return
	}
	c.lru.Remove(element)
	delete(c.items, key)
	if c.onEvict != nil {
		c.onEvict(key)
	}
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.EvictExpired()
		case <-c.stopCh:
			return
		}
	}
}

// EvictExpired removes every expired entry and returns how many were removed
func (c *MemoryCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for key, element := range c.items {
		if now.After(element.Value.(*cacheItem).expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.remove(key)
	}
	return len(expired)
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() (size int, maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.maxSize
}
