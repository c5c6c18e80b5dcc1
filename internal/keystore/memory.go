package keystore

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// development runs. Records are keyed exactly as a durable backend
// would key them: namespaced key hashes, not raw key material.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Info   // keyNamespace+hash -> Info
	aliases map[string]string // aliasNamespace+alias -> hash
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Info),
		aliases: make(map[string]string),
	}
}

// Get returns the Info stored under the hash of key.
func (m *MemoryStore) Get(key string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.records[keyNamespace+HashKey(key)]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// Put stores info under the hash of key.
func (m *MemoryStore) Put(key string, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[keyNamespace+HashKey(key)] = info
	return nil
}

// Delete removes the record for key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, keyNamespace+HashKey(key))
	return nil
}

// Touch updates LastUsedAt for key.
func (m *MemoryStore) Touch(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[keyNamespace+HashKey(key)]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.LastUsedAt = &now
	m.records[keyNamespace+HashKey(key)] = rec
	return nil
}

// CreateAlias maps alias to the hash of key.
func (m *MemoryStore) CreateAlias(alias, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[keyNamespace+HashKey(key)]; !ok {
		return ErrNotFound
	}
	m.aliases[aliasNamespace+alias] = HashKey(key)
	return nil
}

// ResolveAlias returns the Info referenced by alias along with the key
// hash it points at.
func (m *MemoryStore) ResolveAlias(alias string) (Info, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.aliases[aliasNamespace+alias]
	if !ok {
		return Info{}, "", ErrNotFound
	}
	info, ok := m.records[keyNamespace+hash]
	if !ok {
		return Info{}, "", ErrNotFound
	}
	return info, hash, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error { return nil }
