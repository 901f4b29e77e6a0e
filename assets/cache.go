package assets

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrInvalidKey = errors.New("invalid asset key")

// Cache 以 URL 为 key 的二进制资源缓存
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// Prune 删除写入时间早于 olderThan 的条目，返回删除个数
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

type memoryEntry struct {
	data     []byte
	storedAt time.Time
}

// MemoryCache 进程内缓存
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true, nil
}

func (m *MemoryCache) Put(_ context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	m.entries[key] = memoryEntry{data: stored, storedAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryCache) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	n := 0
	for k, e := range m.entries {
		if e.storedAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
