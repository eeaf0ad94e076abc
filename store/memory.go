package store

import (
	"sync"
	"time"
)

// MemoryStore is a non-persistent Store. Tests use it as a stand-in
// for PogrebStore; sparxnode itself selects it when run with an empty
// StorePath, for an ephemeral node whose permission grants and
// settings are gone on restart.
type MemoryStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	expireMap map[string]time.Time
}

// NewMemoryStore creates a properly initialized memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:      make(map[string][]byte),
		expireMap: make(map[string]time.Time),
	}
}

func (ms *MemoryStore) Set(key []byte, data []byte) error {
	ms.mu.Lock()
	ms.data[string(key)] = data
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) SetExpire(key []byte, data []byte, expiration time.Time) error {
	ms.mu.Lock()
	ms.expireMap[string(key)] = expiration
	ms.data[string(key)] = data
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Get(key []byte) (data []byte, found bool) {
	ms.mu.Lock()
	data, found = ms.data[string(key)]
	ms.mu.Unlock()
	return data, found
}

func (ms *MemoryStore) Delete(key []byte) {
	ms.mu.Lock()
	delete(ms.expireMap, string(key))
	delete(ms.data, string(key))
	ms.mu.Unlock()
}

// ExpireKeys deletes every key whose expiration time has passed.
func (ms *MemoryStore) ExpireKeys() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for k, v := range ms.expireMap {
		if time.Now().After(v) {
			delete(ms.expireMap, k)
			delete(ms.data, k)
		}
	}
}

// Count returns the number of records stored, expired or not.
func (ms *MemoryStore) Count() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return uint64(len(ms.data))
}

func (ms *MemoryStore) Close() error { return nil }
