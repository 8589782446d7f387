package cache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/David-2911/auto-grader-sub005/internal/store"
)

// newTestManager builds a manager with a controllable clock. The sweep loop
// still runs but never fires within a test.
func newTestManager(maxSize int) (*Manager, *time.Time) {
	now := time.Now()
	m := NewManager(NewMemoryBackend(), time.Minute, maxSize, time.Hour)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestSetGet(t *testing.T) {
	m, _ := newTestManager(10)
	defer m.Close()

	if err := m.Set("k", json.RawMessage(`{"v":1}`), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	data, ok := m.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected data %s", data)
	}
}

func TestGetMiss(t *testing.T) {
	m, _ := newTestManager(10)
	defer m.Close()

	if _, ok := m.Get("absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestExpiryIsLazy(t *testing.T) {
	m, now := newTestManager(10)
	defer m.Close()

	m.Set("k", json.RawMessage(`1`), 10*time.Second)

	// Just before expiry: hit.
	*now = now.Add(10 * time.Second)
	if _, ok := m.Get("k"); !ok {
		t.Fatal("expected hit at ttl boundary")
	}

	// Just after: miss, and the entry is deleted.
	*now = now.Add(time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Fatal("expected miss after ttl")
	}
	if m.Len() != 0 {
		t.Fatalf("expired entry should be deleted on read, len=%d", m.Len())
	}
}

func TestEvictOldestAtCapacity(t *testing.T) {
	m, now := newTestManager(3)
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.Set(fmt.Sprintf("k%d", i), json.RawMessage(`1`), 0)
		*now = now.Add(time.Second)
	}

	// Inserting a fourth key evicts k0, the oldest by write time.
	m.Set("k3", json.RawMessage(`1`), 0)

	if m.Has("k0") {
		t.Fatal("oldest entry should have been evicted")
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if !m.Has(k) {
			t.Fatalf("entry %s should survive", k)
		}
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	m, _ := newTestManager(2)
	defer m.Close()

	m.Set("a", json.RawMessage(`1`), 0)
	m.Set("b", json.RawMessage(`1`), 0)
	m.Set("a", json.RawMessage(`2`), 0)

	if !m.Has("a") || !m.Has("b") {
		t.Fatal("overwriting an existing key must not evict")
	}
}

func TestInvalidatePattern(t *testing.T) {
	m, _ := newTestManager(10)
	defer m.Close()

	m.Set("GET /api/submissions/1", json.RawMessage(`1`), 0)
	m.Set("GET /api/submissions/2", json.RawMessage(`2`), 0)
	m.Set("GET /api/courses/9", json.RawMessage(`3`), 0)

	n, err := m.InvalidatePattern(`/api/submissions/`)
	if err != nil {
		t.Fatalf("InvalidatePattern failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 invalidated, got %d", n)
	}
	if m.Has("GET /api/submissions/1") {
		t.Fatal("matched entry should be gone")
	}
	if !m.Has("GET /api/courses/9") {
		t.Fatal("unmatched entry should survive")
	}
}

func TestInvalidatePatternBadRegex(t *testing.T) {
	m, _ := newTestManager(10)
	defer m.Close()

	if _, err := m.InvalidatePattern(`[`); err == nil {
		t.Fatal("expected regex compile error")
	}
}

func TestCleanup(t *testing.T) {
	m, now := newTestManager(10)
	defer m.Close()

	m.Set("short", json.RawMessage(`1`), time.Second)
	m.Set("long", json.RawMessage(`1`), time.Hour)

	*now = now.Add(time.Minute)
	n, err := m.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	if !m.Has("long") {
		t.Fatal("live entry should survive the sweep")
	}
}

func TestDeleteAndClear(t *testing.T) {
	m, _ := newTestManager(10)
	defer m.Close()

	m.Set("a", json.RawMessage(`1`), 0)
	m.Set("b", json.RawMessage(`1`), 0)

	if err := m.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if m.Has("a") {
		t.Fatal("deleted entry should be gone")
	}
	if err := m.Delete("a"); err != nil {
		t.Fatalf("Delete must be idempotent: %v", err)
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("cache should be empty after Clear")
	}
}

func TestKVBackendRoundTrip(t *testing.T) {
	b := NewKVBackend(store.NewMemoryStore())

	e := &Entry{Key: "k", Data: json.RawMessage(`{"x":1}`), WrittenAt: 100, ExpiresAt: 200}
	if err := b.Set(e); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := b.Get("k")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.ExpiresAt != 200 || string(got.Data) != `{"x":1}` {
		t.Fatalf("unexpected entry %+v", got)
	}

	n, err := b.Len()
	if err != nil || n != 1 {
		t.Fatalf("Len = %d, %v", n, err)
	}
}
