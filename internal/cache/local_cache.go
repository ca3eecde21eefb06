package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期
// - 后台定期清理过期条目
// - 超过容量时淘汰最早过期的条目
type LocalCache struct {
	data    sync.Map
	size    int64
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	evictMu sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，0 表示不限
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	c := &LocalCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go c.cleanupLoop(time.Minute)

	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}

	if _, loaded := c.data.Swap(key, entry); !loaded {
		atomic.AddInt64(&c.size, 1)
	}

	if c.maxSize > 0 && int(atomic.LoadInt64(&c.size)) > c.maxSize {
		c.evict()
	}
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		atomic.AddInt64(&c.size, -1)
	}
}

// Len 返回当前条目数
func (c *LocalCache) Len() int {
	return int(atomic.LoadInt64(&c.size))
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// evict 淘汰过期条目，仍超出容量时淘汰最早过期的条目
func (c *LocalCache) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	c.purgeExpired()

	for c.maxSize > 0 && c.Len() > c.maxSize {
		var oldestKey interface{}
		var oldest time.Time
		c.data.Range(func(key, value interface{}) bool {
			entry := value.(*cacheEntry)
			if oldestKey == nil || entry.expiresAt.Before(oldest) {
				oldestKey = key
				oldest = entry.expiresAt
			}
			return true
		})
		if oldestKey == nil {
			return
		}
		c.Delete(oldestKey.(string))
	}
}

func (c *LocalCache) purgeExpired() {
	now := c.now()
	c.data.Range(func(key, value interface{}) bool {
		if now.After(value.(*cacheEntry).expiresAt) {
			c.Delete(key.(string))
		}
		return true
	})
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}
