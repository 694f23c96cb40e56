package cache

import (
	"context"
	"slices"
	"sync"
)

// MemoryStorage keeps buckets in process memory. Nothing survives a restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

type memoryCache struct {
	storage *MemoryStorage
	name    string
}

// NewMemory creates an empty in-memory storage
func NewMemory() *MemoryStorage {
	return &MemoryStorage{buckets: map[string]map[string][]byte{}}
}

func (m *MemoryStorage) Init(ctx context.Context) error { return nil }

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; !ok {
		m.buckets[name] = map[string][]byte{}
	}
	return &memoryCache{storage: m, name: name}, nil
}

func (m *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[name]
	delete(m.buckets, name)
	return ok, nil
}

func (m *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	value, ok := c.storage.buckets[c.name][key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(value), nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	bucket, ok := c.storage.buckets[c.name]
	if !ok {
		return ErrBucketNotFound
	}
	bucket[key] = slices.Clone(value)
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	bucket := c.storage.buckets[c.name]
	_, ok := bucket[key]
	delete(bucket, key)
	return ok, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	bucket := c.storage.buckets[c.name]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}
