package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"djidji-uploader/internal/protocol"
)

// statusCache 是远程上传状态的短 TTL LRU 缓存，避免轮询时重复请求。
type statusCache struct {
	cache *expirable.LRU[string, protocol.Object]
}

func newStatusCache(size int, ttl time.Duration) *statusCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &statusCache{cache: expirable.NewLRU[string, protocol.Object](size, nil, ttl)}
}

func (c *statusCache) get(uploadID string) (protocol.Object, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(uploadID)
	if ok {
		statusCacheHits.Inc()
		return v, true
	}
	statusCacheMisses.Inc()
	return nil, false
}

func (c *statusCache) set(uploadID string, status protocol.Object) {
	if c == nil {
		return
	}
	c.cache.Add(uploadID, status)
}

func (c *statusCache) remove(uploadID string) {
	if c == nil {
		return
	}
	c.cache.Remove(uploadID)
}
