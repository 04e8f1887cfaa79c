package sharedstate

import (
	"bytes"
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore keeps keys in process memory. It is only shared by pipelines
// within one process.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (m *MemoryStore) live(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	if !ok {
		return nil, errspkg.ErrNotFound
	}
	return bytes.Clone(item.value), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: bytes.Clone(value)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	if !ok {
		return errspkg.ErrNotFound
	}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	} else {
		item.expiresAt = time.Time{}
	}
	m.items[key] = item
	return nil
}

func (m *MemoryStore) Close() error { return nil }
