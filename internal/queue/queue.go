package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/David-2911/auto-grader-sub005/internal/events"
	"github.com/David-2911/auto-grader-sub005/internal/store"
)

// Priority orders queued requests. Higher values dispatch first.
type Priority int

const (
	// PriorityAuto, the zero value, lets the queue infer a priority from the
	// request.
	PriorityAuto Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "auto"
}

func (p Priority) MarshalJSON() ([]byte, error) {
	s, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("priority %d not persistable", int(p))
	}
	return json.Marshal(s)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for v, name := range priorityNames {
		if name == s {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", s)
}

// Descriptor is everything needed to replay a request later. It must survive
// a JSON round trip through the snapshot.
type Descriptor struct {
	Method    string            `json:"method"`
	Endpoint  string            `json:"endpoint"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Anonymous bool              `json:"anonymous,omitempty"`
	CacheKey  string            `json:"cache_key,omitempty"`
}

// Entry is a queued request with its retry and TTL budget.
type Entry struct {
	ID         string     `json:"id"`
	Descriptor Descriptor `json:"descriptor"`
	EnqueuedAt int64      `json:"enqueued_at"` // epoch ms
	Priority   Priority   `json:"priority"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	ExpiresAt  int64      `json:"expires_at"`
}

const (
	DefaultMaxSize    = 100
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour

	snapshotKey = "snapshot"
)

// Options tune a single enqueue. The zero value means infer the priority and
// use the queue defaults for TTL and retries.
type Options struct {
	Priority   Priority
	TTL        time.Duration
	MaxRetries int
}

// Queue is a durable, priority-ordered holding area for requests that cannot
// be dispatched now. Order is priority first, FIFO within a tier. Capacity
// eviction drops the oldest entry of the lowest non-empty tier so mutating
// work is never dropped ahead of telemetry.
type Queue struct {
	mu         sync.Mutex
	tiers      map[Priority][]*Entry
	maxSize    int
	maxRetries int
	ttl        time.Duration
	kv         store.KeyValueStore
	sink       events.Sink
	now        func() time.Time
}

func New(kv store.KeyValueStore, sink events.Sink, maxSize, maxRetries int, ttl time.Duration) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	q := &Queue{
		tiers: map[Priority][]*Entry{
			PriorityLow:    nil,
			PriorityNormal: nil,
			PriorityHigh:   nil,
		},
		maxSize:    maxSize,
		maxRetries: maxRetries,
		ttl:        ttl,
		kv:         kv,
		sink:       sink,
		now:        time.Now,
	}
	q.restore()
	return q
}

// InferPriority derives a priority from request semantics: mutations and auth
// calls are high, telemetry is low, reads are normal.
func InferPriority(d Descriptor) Priority {
	method := strings.ToUpper(d.Method)
	endpoint := strings.ToLower(d.Endpoint)
	switch {
	case strings.Contains(endpoint, "/auth"):
		return PriorityHigh
	case strings.Contains(endpoint, "/telemetry") || strings.Contains(endpoint, "/logs"):
		return PriorityLow
	case method == "POST" || method == "PUT" || method == "PATCH" || method == "DELETE":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Enqueue adds a request and returns its ID. The queue evicts to stay within
// capacity before inserting.
func (q *Queue) Enqueue(d Descriptor, opts Options) (string, error) {
	prio := opts.Priority
	if prio == PriorityAuto || prio < PriorityLow || prio > PriorityHigh {
		prio = InferPriority(d)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = q.ttl
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	now := q.now()
	e := &Entry{
		ID:         uuid.NewString(),
		Descriptor: d,
		EnqueuedAt: now.UnixMilli(),
		Priority:   prio,
		MaxRetries: maxRetries,
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size() >= q.maxSize {
		q.evictOne()
	}
	q.tiers[prio] = append(q.tiers[prio], e)
	q.persist()

	log.Printf("queue: enqueued %s %s priority=%s id=%s", d.Method, d.Endpoint, prio, e.ID)
	return e.ID, nil
}

// size counts all entries. Caller holds the lock.
func (q *Queue) size() int {
	return len(q.tiers[PriorityLow]) + len(q.tiers[PriorityNormal]) + len(q.tiers[PriorityHigh])
}

// evictOne drops the oldest entry from the lowest non-empty tier. Caller
// holds the lock.
func (q *Queue) evictOne() {
	for _, prio := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		tier := q.tiers[prio]
		if len(tier) == 0 {
			continue
		}
		victim := tier[0]
		q.tiers[prio] = tier[1:]
		if prio == PriorityHigh {
			// Dropping mutating work is a near-fatal condition.
			log.Printf("queue: OVERFLOW dropped high-priority %s %s id=%s",
				victim.Descriptor.Method, victim.Descriptor.Endpoint, victim.ID)
			q.sink.Publish(events.QueueOverflow, victim.ID)
		} else {
			log.Printf("queue: capacity evicted %s entry id=%s", prio, victim.ID)
		}
		return
	}
}

// Dequeue removes and returns the oldest entry of the highest-priority
// non-empty tier, or nil when the queue is empty or holds only expired
// entries (which are pruned in passing).
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMs := q.now().UnixMilli()
	for _, prio := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		for len(q.tiers[prio]) > 0 {
			e := q.tiers[prio][0]
			q.tiers[prio] = q.tiers[prio][1:]
			if nowMs > e.ExpiresAt {
				continue
			}
			q.persist()
			return e
		}
	}
	q.persist()
	return nil
}

// Requeue puts a failed entry back for another attempt, charging its retry
// budget. Past the budget the entry is dropped and DeliveryFailed published.
func (q *Queue) Requeue(e *Entry) bool {
	e.RetryCount++
	if e.RetryCount > e.MaxRetries {
		log.Printf("queue: retry budget exhausted for %s %s id=%s",
			e.Descriptor.Method, e.Descriptor.Endpoint, e.ID)
		q.sink.Publish(events.DeliveryFailed, e.ID)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tiers[e.Priority] = append(q.tiers[e.Priority], e)
	q.persist()
	return true
}

// Remove deletes an entry by ID.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for prio, tier := range q.tiers {
		for i, e := range tier {
			if e.ID == id {
				q.tiers[prio] = append(tier[:i:i], tier[i+1:]...)
				q.persist()
				return true
			}
		}
	}
	return false
}

// GetAll returns every entry in dispatch order.
func (q *Queue) GetAll() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, prio := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		out = append(out, q.tiers[prio]...)
	}
	return out
}

// RemoveExpired prunes entries past their TTL and returns the count.
func (q *Queue) RemoveExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeExpiredLocked()
}

func (q *Queue) removeExpiredLocked() int {
	nowMs := q.now().UnixMilli()
	removed := 0
	for prio, tier := range q.tiers {
		kept := tier[:0]
		for _, e := range tier {
			if nowMs > e.ExpiresAt {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		q.tiers[prio] = kept
	}
	if removed > 0 {
		q.persist()
	}
	return removed
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Clear drops every entry and the persisted snapshot.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for prio := range q.tiers {
		q.tiers[prio] = nil
	}
	if q.kv == nil {
		return nil
	}
	return q.kv.ClearNamespace(store.NamespaceQueue)
}

// persist writes the snapshot. Caller holds the lock. Persistence is
// best-effort: a failed write is logged, not surfaced.
func (q *Queue) persist() {
	if q.kv == nil {
		return
	}
	var all []*Entry
	for _, prio := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		all = append(all, q.tiers[prio]...)
	}
	data, err := json.Marshal(all)
	if err != nil {
		log.Printf("queue: snapshot marshal failed: %v", err)
		return
	}
	if err := q.kv.Set(store.NamespaceQueue, snapshotKey, data); err != nil {
		log.Printf("queue: snapshot write failed: %v", err)
	}
}

// restore loads the snapshot, pruning expired entries.
func (q *Queue) restore() {
	if q.kv == nil {
		return
	}
	data, ok, err := q.kv.Get(store.NamespaceQueue, snapshotKey)
	if err != nil {
		log.Printf("queue: snapshot read failed: %v", err)
		return
	}
	if !ok {
		return
	}
	var all []*Entry
	if err := json.Unmarshal(data, &all); err != nil {
		log.Printf("queue: corrupt snapshot, discarding: %v", err)
		q.kv.Delete(store.NamespaceQueue, snapshotKey)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range all {
		q.tiers[e.Priority] = append(q.tiers[e.Priority], e)
	}
	// FIFO within tiers relies on snapshot order being enqueue order.
	pruned := q.removeExpiredLocked()
	if pruned > 0 {
		log.Printf("queue: pruned %d expired entries on restore", pruned)
	}
	log.Printf("queue: restored %d entries", q.size())
}
