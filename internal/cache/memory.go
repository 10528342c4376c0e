package cache

import (
	"context"
	"sync"
	"time"

	c "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache backed by go-cache.
type Memory struct {
	mu    sync.Mutex
	cache *c.Cache
}

// NewMemory creates a memory cache whose entries expire after ttl.
// A zero ttl keeps entries until invalidated.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = c.NoExpiration
	}
	return &Memory{cache: c.New(ttl, 10*time.Minute)}
}

func (m *Memory) Get(_ context.Context, conversationID string) (string, bool) {
	v, found := m.cache.Get(conversationID)
	if !found {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func (m *Memory) Put(_ context.Context, conversationID, executionID string) {
	m.cache.SetDefault(conversationID, executionID)
}

func (m *Memory) Invalidate(_ context.Context, conversationID, executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if executionID != "" {
		if cur, ok := m.cache.Get(conversationID); ok && cur != executionID {
			return
		}
	}
	m.cache.Delete(conversationID)
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}
