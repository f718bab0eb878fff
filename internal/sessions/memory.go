package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is a Store for tests and ephemeral runs. Values are kept
// encoded so callers never share memory with the store.
type MemoryStore struct {
	locks *KeyLocker

	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: NewKeyLocker(),
		data:  make(map[string][]byte),
	}
}

func (m *MemoryStore) Read(ctx context.Context, key []string, v any) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	m.mu.RLock()
	data, ok := m.data[keyString(key)]
	m.mu.RUnlock()
	if !ok {
		return notFound(key)
	}
	return json.Unmarshal(data, v)
}

func (m *MemoryStore) Write(ctx context.Context, key []string, v any) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()
	return m.put(key, v)
}

func (m *MemoryStore) put(key []string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[keyString(key)] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key []string, v any, fn func() error) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.Read(ctx, key, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return m.put(key, v)
}

func (m *MemoryStore) Remove(ctx context.Context, key []string) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	delete(m.data, keyString(key))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix []string) ([][]string, error) {
	if err := validateKey(prefix, true); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var keys [][]string
	for k := range m.data {
		key := splitKey(k)
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys [][]string) {
	sort.Slice(keys, func(i, j int) bool {
		return keyString(keys[i]) < keyString(keys[j])
	})
}
