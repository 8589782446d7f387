package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/David-2911/auto-grader-sub005/internal/events"
	"github.com/David-2911/auto-grader-sub005/internal/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultMaxReconnectAttempts = 10

	reconnectCap = 30 * time.Second
	maxOutbox    = 64
	sendBuffer   = 256
)

type subscription struct {
	id      int
	handler func(*protocol.Message)
	once    bool
}

// Manager keeps a persistent duplex channel to the server: it reconnects
// with exponential backoff on unexpected close, heartbeats while open, and
// replays messages sent while disconnected (bounded, best-effort).
type Manager struct {
	dialer    Dialer
	url       string
	header    func() http.Header
	heartbeat time.Duration
	base      time.Duration
	maxTries  int
	sink      events.Sink

	mu             sync.Mutex
	state          State
	transport      Transport
	send           chan []byte
	done           chan struct{}
	attempts       int
	explicitClose  bool
	lastPong       time.Time
	reconnectTimer *time.Timer

	subMu     sync.Mutex
	subs      map[string]map[int]*subscription
	nextSubID int

	outMu  sync.Mutex
	outbox [][]byte
}

// Config tunes a Manager. HeaderFn, when set, supplies connect-time headers
// (typically the Authorization header) and is re-evaluated on each dial.
type Config struct {
	URL                  string
	HeaderFn             func() http.Header
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func NewManager(dialer Dialer, cfg Config, sink events.Sink) *Manager {
	if dialer == nil {
		dialer = WSDialer{}
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Manager{
		dialer:    dialer,
		url:       cfg.URL,
		header:    cfg.HeaderFn,
		heartbeat: cfg.HeartbeatInterval,
		base:      cfg.ReconnectInterval,
		maxTries:  cfg.MaxReconnectAttempts,
		sink:      sink,
		subs:      make(map[string]map[int]*subscription),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the channel. A successful connect resets the reconnect
// counter and flushes messages queued while disconnected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.explicitClose = false
	m.attempts = 0
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	var header http.Header
	if m.header != nil {
		header = m.header()
	}
	t, err := m.dialer.Dial(ctx, m.url, header)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return err
	}

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})

	m.mu.Lock()
	if m.explicitClose {
		// Disconnected while the dial was in flight.
		m.state = StateClosed
		m.mu.Unlock()
		t.Close()
		return fmt.Errorf("channel: disconnected during dial")
	}
	m.transport = t
	m.send = send
	m.done = done
	m.state = StateOpen
	m.attempts = 0
	m.lastPong = time.Now()
	m.mu.Unlock()

	log.Printf("channel: open url=%s", m.url)

	go m.writeLoop(t, send, done)
	go m.readLoop(t, done)

	m.flushOutbox()
	return nil
}

// Disconnect closes the channel without scheduling a reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicitClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.state != StateOpen && m.state != StateConnecting {
		m.state = StateClosed
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	t := m.transport
	if m.done != nil {
		closeDone(m.done)
	}
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}

	m.mu.Lock()
	m.state = StateClosed
	m.transport = nil
	m.mu.Unlock()
	log.Printf("channel: closed")
}

// Close is an alias for Disconnect satisfying the usual shutdown shape.
func (m *Manager) Close() { m.Disconnect() }

func (m *Manager) writeLoop(t Transport, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			if err := t.WriteMessage(data); err != nil {
				log.Printf("channel: write error: %v", err)
				return
			}
		case <-ticker.C:
			ping, err := protocol.NewMessage(protocol.TypePing, nil)
			if err != nil {
				continue
			}
			data, err := ping.Marshal()
			if err != nil {
				continue
			}
			if err := t.WriteMessage(data); err != nil {
				log.Printf("channel: heartbeat write error: %v", err)
				return
			}
		case <-done:
			return
		}
	}
}

func (m *Manager) readLoop(t Transport, done chan struct{}) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleClose(done, err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("channel: dropping malformed message: %v", err)
			continue
		}

		m.handleReserved(&msg)
		m.dispatch(&msg)
	}
}

// handleReserved processes internally-handled message types before they are
// surfaced to application subscribers.
func (m *Manager) handleReserved(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		// Server-initiated liveness probe.
		if pong, err := protocol.NewMessage(protocol.TypePong, nil); err == nil {
			m.Send(pong)
		}
	case protocol.TypePong:
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
	case protocol.TypeNotify:
		m.sink.Publish(events.Notification, msg)
	case protocol.TypeReload:
		m.sink.Publish(events.ForcedReload, msg)
	}
}

func (m *Manager) handleClose(done chan struct{}, cause error) {
	m.mu.Lock()
	explicit := m.explicitClose || m.state == StateClosing
	if m.done == done {
		m.state = StateClosed
		m.transport = nil
	}
	closeDone(done)
	m.mu.Unlock()

	if explicit {
		return
	}

	log.Printf("channel: connection lost: %v", cause)
	m.sink.Publish(events.ConnectionLost, cause.Error())
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.explicitClose {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.maxTries {
		m.mu.Unlock()
		log.Printf("channel: giving up after %d reconnect attempts", m.maxTries)
		m.sink.Publish(events.ConnectionFailed, fmt.Sprintf("exhausted %d reconnect attempts", m.maxTries))
		return
	}
	delay := ReconnectDelay(m.base, attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	log.Printf("channel: reconnect attempt %d/%d in %s", attempt, m.maxTries, delay)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.explicitClose || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.dial(context.Background()); err != nil {
		m.scheduleReconnect()
		return
	}
	m.sink.Publish(events.ConnectionRestored, nil)
}

// closeDone closes a done channel exactly once. Caller holds m.mu.
func closeDone(done chan struct{}) {
	select {
	case <-done:
	default:
		close(done)
	}
}

// ReconnectDelay is the backoff for the given 1-based attempt: base*2^(n-1),
// capped at 30s.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectCap {
			return reconnectCap
		}
	}
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

// Send transmits a message, or queues it in memory while disconnected. The
// disconnect queue is bounded and best-effort: when full, the oldest queued
// message is dropped.
func (m *Manager) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	m.mu.Lock()
	open := m.state == StateOpen
	send := m.send
	m.mu.Unlock()

	if !open {
		m.queueOutbound(data)
		return nil
	}

	select {
	case send <- data:
		return nil
	default:
		return fmt.Errorf("channel: send buffer full")
	}
}

// Emit wraps a payload in a new envelope and sends it.
func (m *Manager) Emit(msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return m.Send(msg)
}

func (m *Manager) queueOutbound(data []byte) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if len(m.outbox) >= maxOutbox {
		m.outbox = m.outbox[1:]
	}
	m.outbox = append(m.outbox, data)
}

func (m *Manager) flushOutbox() {
	m.outMu.Lock()
	pending := m.outbox
	m.outbox = nil
	m.outMu.Unlock()

	if len(pending) == 0 {
		return
	}

	m.mu.Lock()
	send := m.send
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open {
		return
	}

	for _, data := range pending {
		select {
		case send <- data:
		default:
			log.Printf("channel: dropped queued message on flush, buffer full")
		}
	}
	log.Printf("channel: flushed %d queued messages", len(pending))
}

// Subscribe registers a handler for a message type. once handlers fire a
// single time. The returned unsubscribe is idempotent.
func (m *Manager) Subscribe(msgType string, handler func(*protocol.Message), once bool) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	if m.subs[msgType] == nil {
		m.subs[msgType] = make(map[int]*subscription)
	}
	m.subs[msgType][id] = &subscription{id: id, handler: handler, once: once}

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if set, ok := m.subs[msgType]; ok {
			delete(set, id)
		}
	}
}

func (m *Manager) dispatch(msg *protocol.Message) {
	m.subMu.Lock()
	set := m.subs[msg.Type]
	handlers := make([]*subscription, 0, len(set))
	for _, sub := range set {
		handlers = append(handlers, sub)
	}
	for _, sub := range handlers {
		if sub.once {
			delete(set, sub.id)
		}
	}
	m.subMu.Unlock()

	for _, sub := range handlers {
		sub.handler(msg)
	}
}

// LastPong reports when the last heartbeat response arrived.
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}
