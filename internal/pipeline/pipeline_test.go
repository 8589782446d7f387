package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/David-2911/auto-grader-sub005/internal/cache"
	"github.com/David-2911/auto-grader-sub005/internal/netmon"
	"github.com/David-2911/auto-grader-sub005/internal/protocol"
	"github.com/David-2911/auto-grader-sub005/internal/queue"
	"github.com/David-2911/auto-grader-sub005/internal/store"
	"github.com/David-2911/auto-grader-sub005/internal/token"
)

// scriptedTransport replays a fixed sequence of responses and records every
// call it sees.
type scriptedTransport struct {
	mu        sync.Mutex
	script    []scriptedResponse
	calls     []string // "METHOD endpoint"
	tokens    []string
	blockCtx  bool // block until the request context is cancelled
}

type scriptedResponse struct {
	status int
	body   string
	header http.Header
	err    error
}

func okJSON(data string) scriptedResponse {
	return scriptedResponse{status: 200, body: fmt.Sprintf(`{"success":true,"data":%s}`, data)}
}

func (t *scriptedTransport) RoundTrip(ctx context.Context, req *Request, authToken string) (*Response, error) {
	if t.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	t.mu.Lock()
	t.calls = append(t.calls, req.Method+" "+req.Endpoint)
	t.tokens = append(t.tokens, authToken)
	var r scriptedResponse
	if len(t.script) > 0 {
		r = t.script[0]
		t.script = t.script[1:]
	} else {
		r = okJSON(`{}`)
	}
	t.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	h := r.header
	if h == nil {
		h = http.Header{}
	}
	return &Response{Status: r.status, Header: h, Body: []byte(r.body)}, nil
}

func (t *scriptedTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *scriptedTransport) callList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// switchProber flips between reachable and unreachable.
type switchProber struct {
	mu sync.Mutex
	up bool
}

func (p *switchProber) set(up bool) {
	p.mu.Lock()
	p.up = up
	p.mu.Unlock()
}

func (p *switchProber) Probe(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.up {
		return 0, fmt.Errorf("unreachable")
	}
	return time.Millisecond, nil
}

type stubRefresher struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (r *stubRefresher) Refresh(ctx context.Context, refreshToken string) (*token.Credential, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	return &token.Credential{
		AccessToken:  "refreshed-token",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (r *stubRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Publish(event string, detail interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	pipeline  *Pipeline
	transport *scriptedTransport
	tokens    *token.Manager
	cache     *cache.Manager
	monitor   *netmon.Monitor
	queue     *queue.Queue
	prober    *switchProber
	refresher *stubRefresher
	sink      *recordingSink
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	sink := &recordingSink{}
	refresher := &stubRefresher{}
	tokens := token.NewManager(store.NewMemoryStore(), refresher, nil, sink, 5*time.Minute)
	tokens.Store(&token.Credential{
		AccessToken:  "valid-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	})

	cacheMgr := cache.NewManager(cache.NewMemoryBackend(), time.Minute, 100, time.Hour)
	t.Cleanup(cacheMgr.Close)

	prober := &switchProber{up: true}
	monitor := netmon.NewMonitor(prober, time.Hour, 2*time.Second)
	t.Cleanup(monitor.Close)

	q := queue.New(store.NewMemoryStore(), sink, 50, 3, time.Hour)

	transport := &scriptedTransport{}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	p := New(tokens, cacheMgr, monitor, q, transport, sink, cfg)
	p.Start()
	t.Cleanup(p.Close)

	return &fixture{
		pipeline:  p,
		transport: transport,
		tokens:    tokens,
		cache:     cacheMgr,
		monitor:   monitor,
		queue:     q,
		prober:    prober,
		refresher: refresher,
		sink:      sink,
	}
}

func (f *fixture) goOffline(t *testing.T) {
	t.Helper()
	f.prober.set(false)
	f.monitor.CheckConnection(context.Background())
}

func (f *fixture) goOnline(t *testing.T) {
	t.Helper()
	f.prober.set(true)
	f.monitor.CheckConnection(context.Background())
}

func TestCacheHitShortCircuits(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})

	f.cache.Set("GET /api/courses", json.RawMessage(`{"cached":true}`), 0)

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/courses"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !res.FromCache {
		t.Fatal("expected cache hit")
	}
	if f.transport.callCount() != 0 {
		t.Fatal("cache hit must not dispatch")
	}
}

func TestSuccessfulReadPopulatesCache(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{okJSON(`{"id":7}`)}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/courses/7"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.FromCache {
		t.Fatal("first call must dispatch")
	}

	res2, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/courses/7"})
	if err != nil {
		t.Fatalf("second Do failed: %v", err)
	}
	if !res2.FromCache {
		t.Fatal("second call should hit cache")
	}
	if f.transport.callCount() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", f.transport.callCount())
	}
}

func TestMutationInvalidatesCachedReads(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{
		okJSON(`{"id":7,"v":1}`), // GET
		okJSON(`{"id":7,"v":2}`), // PUT
		okJSON(`{"id":7,"v":2}`), // GET after invalidation
	}

	f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/resource/7"})
	f.pipeline.Do(context.Background(), &Request{Method: "PUT", Endpoint: "/api/resource/7", Body: json.RawMessage(`{}`)})

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/resource/7"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.FromCache {
		t.Fatal("mutation should have invalidated the cached read")
	}
	if f.transport.callCount() != 3 {
		t.Fatalf("expected 3 dispatches, got %d", f.transport.callCount())
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{
		{status: 401, body: `{"success":false,"message":"expired"}`},
		okJSON(`{"ok":true}`),
	}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/me", NoCache: true})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if f.refresher.callCount() != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", f.refresher.callCount())
	}

	f.transport.mu.Lock()
	secondToken := f.transport.tokens[1]
	f.transport.mu.Unlock()
	if secondToken != "refreshed-token" {
		t.Fatalf("retry should carry the refreshed token, got %q", secondToken)
	}
}

func TestRepeatedUnauthorizedEndsSession(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{
		{status: 401, body: `{"success":false}`},
		{status: 401, body: `{"success":false}`},
	}

	_, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/me", NoCache: true})
	if !protocol.IsCode(err, protocol.CodeAuthExpired) {
		t.Fatalf("expected AUTH_EXPIRED, got %v", err)
	}
	if f.refresher.callCount() != 1 {
		t.Fatalf("expected exactly 1 refresh (no loop), got %d", f.refresher.callCount())
	}
	if f.tokens.HasCredential() {
		t.Fatal("session should be terminated")
	}
	if !f.sink.has("session.expired") {
		t.Fatal("expected session.expired event")
	}
}

func TestRateLimitedRetriesOnceAfterDelay(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	h := http.Header{}
	h.Set("Retry-After", "0")
	f.transport.script = []scriptedResponse{
		{status: 429, body: `{"success":false}`, header: h},
		okJSON(`{}`),
	}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/list", NoCache: true})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if !f.sink.has("rate.limited") {
		t.Fatal("expected rate.limited event")
	}
}

func TestRateLimitedTwiceIsTerminal(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	h := http.Header{}
	h.Set("Retry-After", "0")
	f.transport.script = []scriptedResponse{
		{status: 429, header: h},
		{status: 429, header: h},
	}

	_, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/list", NoCache: true})
	if !protocol.IsCode(err, protocol.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{
		{status: 500}, {status: 502}, {status: 503},
	}

	_, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/flaky", NoCache: true})
	if !protocol.IsCode(err, protocol.CodeServerError) {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
	if f.transport.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.transport.callCount())
	}
}

func TestServerErrorRecoversWithinBudget(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{
		{status: 500},
		okJSON(`{}`),
	}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/flaky", NoCache: true})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestTerminalStatusesDoNotRetry(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{403, protocol.CodeAccessDenied},
		{404, protocol.CodeNotFound},
		{422, protocol.CodeValidationFailed},
		{400, protocol.CodeValidationFailed},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.status), func(t *testing.T) {
			f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
			f.transport.script = []scriptedResponse{{status: c.status, body: `{"success":false,"message":"nope"}`}}

			_, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/x", NoCache: true})
			if !protocol.IsCode(err, c.code) {
				t.Fatalf("expected %s, got %v", c.code, err)
			}
			if f.transport.callCount() != 1 {
				t.Fatalf("terminal status must not retry, got %d calls", f.transport.callCount())
			}
		})
	}
}

func TestOfflineQueuesRequest(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.goOffline(t)

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/api/submissions", Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !res.Queued || res.QueueID == "" {
		t.Fatalf("expected queued result, got %+v", res)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue should hold the request, len=%d", f.queue.Len())
	}
	if f.transport.callCount() != 0 {
		t.Fatal("offline request must not dispatch")
	}
}

func TestOfflineFailsFastWhenQueueingDisabled(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: false})
	f.goOffline(t)

	_, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/x", NoCache: true})
	if !protocol.IsCode(err, protocol.CodeNetworkUnavailable) {
		t.Fatalf("expected NETWORK_UNAVAILABLE, got %v", err)
	}
}

func TestReplayDispatchesPriorityThenFIFO(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.goOffline(t)

	// Issued while offline, in this order.
	f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/logs/batch"})
	f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/courses", NoCache: true})
	f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/api/submissions"})

	if f.queue.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", f.queue.Len())
	}

	f.goOnline(t)

	deadline := time.Now().Add(2 * time.Second)
	for f.transport.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	want := []string{
		"POST /api/submissions",
		"GET /api/courses",
		"POST /logs/batch",
	}
	got := f.transport.callList()
	if len(got) != 3 {
		t.Fatalf("expected 3 replayed calls, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay order %v, want %v", got, want)
		}
	}
	if f.queue.Len() != 0 {
		t.Fatalf("queue should drain, len=%d", f.queue.Len())
	}
}

func TestCancelAbortsInFlight(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.blockCtx = true

	errCh := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Do(context.Background(), &Request{
			ID: "req-1", Method: "GET", Endpoint: "/api/slow", NoCache: true,
		})
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for f.pipeline.InflightCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if !f.pipeline.Cancel("req-1") {
		t.Fatal("Cancel should find the in-flight request")
	}

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request never returned")
	}
}

func TestCancelRemovesQueuedRequest(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.goOffline(t)

	res, _ := f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/api/x"})
	if !f.pipeline.Cancel(res.QueueID) {
		t.Fatal("Cancel should remove the queued entry")
	}
	if f.queue.Len() != 0 {
		t.Fatal("queue entry should be gone")
	}
}

func TestAnonymousRequestSkipsToken(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{okJSON(`{}`)}

	_, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/public", Anonymous: true, NoCache: true})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	f.transport.mu.Lock()
	tok := f.transport.tokens[0]
	f.transport.mu.Unlock()
	if tok != "" {
		t.Fatalf("anonymous request must not carry a token, got %q", tok)
	}
}

func TestTransportFailureQueuesWhenEnabled(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{{err: fmt.Errorf("connection reset")}}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/api/x"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !res.Queued {
		t.Fatal("transport failure should queue the request")
	}
}

func TestTransportFailureReplaysWhileOnline(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	f.transport.script = []scriptedResponse{{err: fmt.Errorf("connection reset")}}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/api/submissions"})
	if err != nil || !res.Queued {
		t.Fatalf("expected queued result, got %+v err=%v", res, err)
	}

	// The monitor never went offline, so no online transition will fire; the
	// entry must still replay on its own.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.transport.callCount() >= 2 && f.queue.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queued entry never replayed: calls=%d queued=%d", f.transport.callCount(), f.queue.Len())
}

func TestTransportFailurePersistingExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true})
	for i := 0; i < 10; i++ {
		f.transport.script = append(f.transport.script, scriptedResponse{err: fmt.Errorf("connection reset")})
	}

	res, err := f.pipeline.Do(context.Background(), &Request{Method: "POST", Endpoint: "/api/submissions"})
	if err != nil || !res.Queued {
		t.Fatalf("expected queued result, got %+v err=%v", res, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sink.has("delivery.failed") {
			if f.queue.Len() != 0 {
				t.Fatalf("exhausted entry still queued, len=%d", f.queue.Len())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delivery.failed never published")
}

func TestThrottlePacesDispatch(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 3, OfflineQueueing: true, RequestsPerSecond: 2})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.Do(context.Background(), &Request{Method: "GET", Endpoint: "/api/ping", NoCache: true}); err != nil {
			t.Fatalf("Do %d failed: %v", i, err)
		}
	}

	// Burst covers the first two; the third must wait for a token.
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("3 requests at 2 rps finished in %v, throttle not applied", elapsed)
	}
	if f.transport.callCount() != 3 {
		t.Fatalf("expected 3 dispatches, got %d", f.transport.callCount())
	}
}
