package cache

import (
	"encoding/json"
	"sync"

	"github.com/David-2911/auto-grader-sub005/internal/store"
)

// Entry is a single cached value with its TTL bookkeeping. Timestamps are
// epoch ms so entries survive JSON round trips through persistent backends.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	WrittenAt int64           `json:"written_at"`
	ExpiresAt int64           `json:"expires_at"`
}

// Backend abstracts cache storage. All backends share identical TTL
// semantics; expiry decisions live in the Manager, not here.
type Backend interface {
	Get(key string) (*Entry, bool, error)
	Set(e *Entry) error
	Delete(key string) error
	Keys() ([]string, error)
	Len() (int, error)
	Clear() error
}

// MemoryBackend stores entries in a process-local map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

func (b *MemoryBackend) Get(key string) (*Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok, nil
}

func (b *MemoryBackend) Set(e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[e.Key] = e
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Keys() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *MemoryBackend) Len() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}

func (b *MemoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*Entry)
	return nil
}

// KVBackend persists entries through a KeyValueStore so cached reads survive
// a client restart.
type KVBackend struct {
	kv store.KeyValueStore
}

func NewKVBackend(kv store.KeyValueStore) *KVBackend {
	return &KVBackend{kv: kv}
}

func (b *KVBackend) Get(key string) (*Entry, bool, error) {
	data, ok, err := b.kv.Get(store.NamespaceCache, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt row: drop it and report a miss.
		b.kv.Delete(store.NamespaceCache, key)
		return nil, false, nil
	}
	return &e, true, nil
}

func (b *KVBackend) Set(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.kv.Set(store.NamespaceCache, e.Key, data)
}

func (b *KVBackend) Delete(key string) error {
	return b.kv.Delete(store.NamespaceCache, key)
}

func (b *KVBackend) Keys() ([]string, error) {
	return b.kv.Keys(store.NamespaceCache)
}

func (b *KVBackend) Len() (int, error) {
	keys, err := b.kv.Keys(store.NamespaceCache)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *KVBackend) Clear() error {
	return b.kv.ClearNamespace(store.NamespaceCache)
}
