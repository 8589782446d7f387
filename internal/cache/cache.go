package cache

import (
	"encoding/json"
	"log"
	"regexp"
	"sync"
	"time"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Manager is a TTL cache over a pluggable Backend. Reads check expiry lazily;
// a background sweep reclaims expired entries regardless of read activity.
// When the cache is full the single oldest entry by write time is evicted.
type Manager struct {
	mu      sync.Mutex
	backend Backend
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(backend Backend, ttl time.Duration, maxSize int, sweepInterval time.Duration) *Manager {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		backend: backend,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Set stores data under key. ttl <= 0 means the configured default.
func (m *Manager) Set(key string, data json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize > 0 {
		if _, exists, err := m.backend.Get(key); err != nil {
			return err
		} else if !exists {
			n, err := m.backend.Len()
			if err != nil {
				return err
			}
			if n >= m.maxSize {
				if err := m.evictOldest(); err != nil {
					return err
				}
			}
		}
	}

	return m.backend.Set(&Entry{
		Key:       key,
		Data:      data,
		WrittenAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
}

// evictOldest removes the entry with the smallest write timestamp. Caller
// holds the lock.
func (m *Manager) evictOldest() error {
	keys, err := m.backend.Keys()
	if err != nil {
		return err
	}
	var oldestKey string
	var oldestAt int64
	for _, k := range keys {
		e, ok, err := m.backend.Get(k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if oldestKey == "" || e.WrittenAt < oldestAt {
			oldestKey = k
			oldestAt = e.WrittenAt
		}
	}
	if oldestKey == "" {
		return nil
	}
	return m.backend.Delete(oldestKey)
}

// Get returns the cached data, or nil and false on a miss. An expired entry
// is deleted and treated as a miss.
func (m *Manager) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok, err := m.backend.Get(key)
	if err != nil {
		log.Printf("cache: read %q failed: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if m.now().UnixMilli() > e.ExpiresAt {
		m.backend.Delete(key)
		return nil, false
	}
	return e.Data, true
}

// Has reports whether a live entry exists for key.
func (m *Manager) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes an entry. Deleting an absent key is a no-op.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Delete(key)
}

// Clear drops every entry.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Clear()
}

// InvalidatePattern deletes all entries whose key matches the regular
// expression, returning how many were removed. Used after mutations to drop
// every cached read of the affected resource.
func (m *Manager) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.backend.Keys()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if re.MatchString(k) {
			if err := m.backend.Delete(k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Cleanup removes every expired entry and returns the count.
func (m *Manager) Cleanup() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.backend.Keys()
	if err != nil {
		return 0, err
	}
	nowMs := m.now().UnixMilli()
	removed := 0
	for _, k := range keys {
		e, ok, err := m.backend.Get(k)
		if err != nil {
			return removed, err
		}
		if ok && nowMs > e.ExpiresAt {
			if err := m.backend.Delete(k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.backend.Len()
	if err != nil {
		return 0
	}
	return n
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := m.Cleanup(); err != nil {
				log.Printf("cache: sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("cache: swept %d expired entries", n)
			}
		case <-m.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
