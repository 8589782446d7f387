package netmon

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Quality classifies the measured connection.
type Quality string

const (
	QualityFast    Quality = "fast"
	QualitySlow    Quality = "slow"
	QualityOffline Quality = "offline"
)

// Status is the monitor's current view of connectivity. Transient, never
// persisted.
type Status struct {
	Online    bool
	Quality   Quality
	LatencyMs int64
}

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultSlowThreshold = 2 * time.Second
	defaultAttempts      = 3
)

// Monitor tracks connectivity by combining an optional cheap hint with an
// active probe, re-checking on a fixed interval and immediately on demand.
type Monitor struct {
	prober        Prober
	interval      time.Duration
	slowThreshold time.Duration

	// Hint is an optional cheap connectivity signal (e.g. interface state).
	// A false hint short-circuits to offline; a true hint still probes.
	Hint func() bool

	mu     sync.RWMutex
	status Status

	subMu       sync.Mutex
	nextSubID   int
	onlineSubs  map[int]func()
	offlineSubs map[int]func()
	qualitySubs map[int]func(Quality)

	sf       singleflight.Group
	stopOnce sync.Once
	stop     chan struct{}
}

func NewMonitor(prober Prober, interval, slowThreshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &Monitor{
		prober:        prober,
		interval:      interval,
		slowThreshold: slowThreshold,
		// Assume online until the first probe says otherwise.
		status:      Status{Online: true, Quality: QualityFast},
		onlineSubs:  make(map[int]func()),
		offlineSubs: make(map[int]func()),
		qualitySubs: make(map[int]func(Quality)),
		stop:        make(chan struct{}),
	}
}

// Start begins periodic probing.
func (m *Monitor) Start() {
	go m.probeLoop()
}

func (m *Monitor) probeLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.CheckConnection(context.Background()); err != nil {
				log.Printf("netmon: probe failed: %v", err)
			}
		case <-m.stop:
			return
		}
	}
}

// IsOnline reports the last known connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

// GetQuality reports the last known quality classification.
func (m *Monitor) GetQuality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Quality
}

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// CheckConnection runs a probe now and updates the status. Concurrent checks
// collapse into one probe.
func (m *Monitor) CheckConnection(ctx context.Context) (Status, error) {
	v, err, _ := m.sf.Do("probe", func() (interface{}, error) {
		return m.check(ctx), nil
	})
	if err != nil {
		return m.Status(), err
	}
	return v.(Status), nil
}

func (m *Monitor) check(ctx context.Context) Status {
	var next Status

	if m.Hint != nil && !m.Hint() {
		next = Status{Online: false, Quality: QualityOffline}
	} else {
		rtt, err := m.prober.Probe(ctx)
		switch {
		case err != nil:
			next = Status{Online: false, Quality: QualityOffline}
		case rtt > m.slowThreshold:
			next = Status{Online: true, Quality: QualitySlow, LatencyMs: rtt.Milliseconds()}
		default:
			next = Status{Online: true, Quality: QualityFast, LatencyMs: rtt.Milliseconds()}
		}
	}

	m.apply(next)
	return next
}

func (m *Monitor) apply(next Status) {
	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev.Online != next.Online {
		if next.Online {
			log.Printf("netmon: online (quality=%s latency=%dms)", next.Quality, next.LatencyMs)
			m.fire(m.snapshotOnline())
		} else {
			log.Printf("netmon: offline")
			m.fire(m.snapshotOffline())
		}
	}
	if prev.Quality != next.Quality {
		for _, cb := range m.snapshotQuality() {
			cb(next.Quality)
		}
	}
}

func (m *Monitor) fire(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}

func (m *Monitor) snapshotOnline() []func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(), 0, len(m.onlineSubs))
	for _, cb := range m.onlineSubs {
		out = append(out, cb)
	}
	return out
}

func (m *Monitor) snapshotOffline() []func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(), 0, len(m.offlineSubs))
	for _, cb := range m.offlineSubs {
		out = append(out, cb)
	}
	return out
}

func (m *Monitor) snapshotQuality() []func(Quality) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(Quality), 0, len(m.qualitySubs))
	for _, cb := range m.qualitySubs {
		out = append(out, cb)
	}
	return out
}

// OnOnline registers a callback fired on the offline→online transition. The
// returned unsubscribe is idempotent.
func (m *Monitor) OnOnline(cb func()) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.onlineSubs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.onlineSubs, id)
	}
}

// OnOffline registers a callback fired on the online→offline transition.
func (m *Monitor) OnOffline(cb func()) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.offlineSubs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.offlineSubs, id)
	}
}

// OnQualityChange registers a callback fired whenever the classification
// changes.
func (m *Monitor) OnQualityChange(cb func(Quality)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.qualitySubs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.qualitySubs, id)
	}
}

// MeasureLatency probes the connection up to attempts times and returns the
// average round trip of the successful probes. attempts <= 0 means 3.
func (m *Monitor) MeasureLatency(ctx context.Context, attempts int) (time.Duration, error) {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	var total time.Duration
	var ok int
	var lastErr error
	for i := 0; i < attempts; i++ {
		rtt, err := m.prober.Probe(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		total += rtt
		ok++
	}
	if ok == 0 {
		return 0, lastErr
	}
	return total / time.Duration(ok), nil
}

// Close stops periodic probing.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
