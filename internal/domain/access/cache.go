package access

import (
	"sync"
	"time"
)

type cachedPayload struct {
	data      []byte
	expiresAt time.Time
}

// payloadCache holds decrypted payloads of live grants so repeated polls do
// not decrypt again. Entries are never served at or after their expiry even
// if nobody evicted them.
type payloadCache struct {
	mu      sync.RWMutex
	entries map[string]cachedPayload
}

func newPayloadCache() *payloadCache {
	return &payloadCache{entries: make(map[string]cachedPayload)}
}

func (c *payloadCache) get(requestID string, now time.Time) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[requestID]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.data, true
}

func (c *payloadCache) put(requestID string, data []byte, expiresAt time.Time) {
	c.mu.Lock()
	c.entries[requestID] = cachedPayload{data: data, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *payloadCache) evict(requestID string) {
	c.mu.Lock()
	delete(c.entries, requestID)
	c.mu.Unlock()
}

func (c *payloadCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
