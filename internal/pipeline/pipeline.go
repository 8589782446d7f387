package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/David-2911/auto-grader-sub005/internal/cache"
	"github.com/David-2911/auto-grader-sub005/internal/events"
	"github.com/David-2911/auto-grader-sub005/internal/netmon"
	"github.com/David-2911/auto-grader-sub005/internal/protocol"
	"github.com/David-2911/auto-grader-sub005/internal/queue"
	"github.com/David-2911/auto-grader-sub005/internal/token"
)

// Request describes one outbound call.
type Request struct {
	ID        string
	Method    string
	Endpoint  string
	Body      json.RawMessage
	Headers   map[string]string
	Anonymous bool

	// CacheKey overrides the derived "METHOD endpoint" key for reads.
	CacheKey string
	CacheTTL time.Duration
	NoCache  bool

	// Invalidate is a regexp of cache keys to drop after a successful
	// mutation; empty means every key mentioning the endpoint.
	Invalidate string

	Priority queue.Priority
}

// Result is the outcome of a pipeline call that did not fail terminally.
type Result struct {
	Status    int
	Data      json.RawMessage
	Message   string
	FromCache bool
	Queued    bool
	QueueID   string
	Attempts  int
}

// Config tunes the pipeline.
type Config struct {
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	OfflineQueueing bool
	// RequestsPerSecond throttles dispatch when > 0.
	RequestsPerSecond float64
}

// Pipeline orchestrates every outbound request: cache consult, credential
// attach, connectivity check, dispatch, failure classification and recovery,
// cache maintenance, and replay of queued work when connectivity returns.
type Pipeline struct {
	tokens    *token.Manager
	cache     *cache.Manager
	monitor   *netmon.Monitor
	queue     *queue.Queue
	transport Transport
	sink      events.Sink
	policies  *policyTable
	limiter   *rate.Limiter

	offlineQueueing bool
	maxAttempts     int

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	draining    atomic.Bool
	unsubReplay func()
	sweepStop   chan struct{}
	sweepOnce   sync.Once

	drainMu    sync.Mutex
	drainTimer *time.Timer
}

func New(tokens *token.Manager, c *cache.Manager, monitor *netmon.Monitor, q *queue.Queue, transport Transport, sink events.Sink, cfg Config) *Pipeline {
	if sink == nil {
		sink = events.NopSink{}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	p := &Pipeline{
		tokens:          tokens,
		cache:           c,
		monitor:         monitor,
		queue:           q,
		transport:       transport,
		sink:            sink,
		policies:        newPolicyTable(cfg.RetryBaseDelay, cfg.RetryAttempts),
		offlineQueueing: cfg.OfflineQueueing,
		maxAttempts:     cfg.RetryAttempts,
		inflight:        make(map[string]context.CancelFunc),
		sweepStop:       make(chan struct{}),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return p
}

// Start wires the replay trigger and the queue TTL sweep.
func (p *Pipeline) Start() {
	p.unsubReplay = p.monitor.OnOnline(func() {
		go p.drainQueue()
	})
	go p.queueSweepLoop()
}

// Close stops background work. In-flight requests keep their contexts.
func (p *Pipeline) Close() {
	if p.unsubReplay != nil {
		p.unsubReplay()
	}
	p.drainMu.Lock()
	if p.drainTimer != nil {
		p.drainTimer.Stop()
	}
	p.drainMu.Unlock()
	p.sweepOnce.Do(func() { close(p.sweepStop) })
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (p *Pipeline) cacheKeyFor(req *Request) string {
	if req.CacheKey != "" {
		return req.CacheKey
	}
	if isRead(req.Method) {
		return req.Method + " " + req.Endpoint
	}
	return ""
}

// Do runs one request through the pipeline.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	cacheKey := p.cacheKeyFor(req)
	if cacheKey != "" && !req.NoCache && p.cache != nil {
		if data, ok := p.cache.Get(cacheKey); ok {
			return &Result{Status: http.StatusOK, Data: data, FromCache: true}, nil
		}
	}

	if !p.monitor.IsOnline() {
		return p.deferOrFail(req)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.track(req.ID, cancel)
	defer p.untrack(req.ID)

	return p.dispatch(ctx, req, cacheKey, false)
}

// deferOrFail queues the request when offline queueing is enabled, otherwise
// fails fast.
func (p *Pipeline) deferOrFail(req *Request) (*Result, error) {
	if !p.offlineQueueing || p.queue == nil {
		return nil, &protocol.Failure{
			Code:     protocol.CodeNetworkUnavailable,
			Message:  "network unavailable",
			Endpoint: req.Endpoint,
		}
	}
	id, err := p.queue.Enqueue(descriptorOf(req), queue.Options{Priority: req.Priority})
	if err != nil {
		return nil, err
	}
	return &Result{Queued: true, QueueID: id}, nil
}

func descriptorOf(req *Request) queue.Descriptor {
	return queue.Descriptor{
		Method:    req.Method,
		Endpoint:  req.Endpoint,
		Body:      req.Body,
		Headers:   req.Headers,
		Anonymous: req.Anonymous,
		CacheKey:  req.CacheKey,
	}
}

// dispatch is the attempt loop. replaying suppresses re-queueing on
// transport failure so the replay worker can manage the entry's retry
// budget itself.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, cacheKey string, replaying bool) (*Result, error) {
	refreshed := false
	rateRetried := false
	attempt := 0

	for {
		attempt++

		var authToken string
		if !req.Anonymous {
			tok, err := p.tokens.GetValidToken(ctx)
			if err != nil {
				return nil, err
			}
			authToken = tok
		}

		resp, err := p.transport.RoundTrip(ctx, req, authToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("pipeline: transport failure %s %s: %v", req.Method, req.Endpoint, err)
			if replaying {
				return nil, &protocol.Failure{
					Code:     protocol.CodeNetworkUnavailable,
					Message:  err.Error(),
					Endpoint: req.Endpoint,
					Attempts: attempt,
				}
			}
			res, derr := p.deferOrFail(req)
			if derr == nil && res.Queued {
				// The probe may still pass; the online transition alone
				// would never replay this entry.
				p.scheduleDrain(p.policies.rule(classServer).backoff(1))
			}
			return res, derr
		}

		switch classify(resp.Status) {
		case classSuccess:
			return p.succeed(req, cacheKey, resp, attempt)

		case classAuth:
			if req.Anonymous || refreshed {
				if refreshed {
					// Refresh went through but the server still refuses:
					// the session is over.
					p.tokens.Clear()
					p.sink.Publish(events.SessionExpired, req.Endpoint)
				}
				return nil, &protocol.Failure{
					Code:     protocol.CodeAuthExpired,
					Message:  "unauthorized",
					Endpoint: req.Endpoint,
					Attempts: attempt,
				}
			}
			refreshed = true
			if _, err := p.tokens.Refresh(ctx); err != nil {
				return nil, err
			}
			continue

		case classRateLimit:
			delay, ok := retryAfter(resp.Header)
			if !ok {
				delay = p.policies.rule(classRateLimit).backoff(attempt)
			}
			p.sink.Publish(events.RateLimited, req.Endpoint)
			if !rateRetried {
				rateRetried = true
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &protocol.Failure{
				Code:       protocol.CodeRateLimited,
				Message:    "rate limited",
				Endpoint:   req.Endpoint,
				Attempts:   attempt,
				RetryAfter: delay,
			}

		case classServer:
			r := p.policies.rule(classServer)
			if attempt < r.maxAttempts {
				if err := sleep(ctx, r.backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &protocol.Failure{
				Code:     protocol.CodeServerError,
				Message:  serverMessage(resp),
				Endpoint: req.Endpoint,
				Attempts: attempt,
			}

		default: // classTerminal
			return nil, &protocol.Failure{
				Code:     failureCode(resp.Status),
				Message:  serverMessage(resp),
				Endpoint: req.Endpoint,
				Attempts: attempt,
			}
		}
	}
}

// succeed updates the cache and shapes the result.
func (p *Pipeline) succeed(req *Request, cacheKey string, resp *Response, attempt int) (*Result, error) {
	res := &Result{Status: resp.Status, Attempts: attempt}

	var api protocol.APIResponse
	if err := json.Unmarshal(resp.Body, &api); err == nil && (api.Success || api.Data != nil || api.Message != "") {
		res.Data = api.Data
		res.Message = api.Message
	} else if len(resp.Body) > 0 {
		res.Data = resp.Body
	}

	if p.cache == nil {
		return res, nil
	}

	if isRead(req.Method) {
		if cacheKey != "" && !req.NoCache && res.Data != nil {
			if err := p.cache.Set(cacheKey, res.Data, req.CacheTTL); err != nil {
				log.Printf("pipeline: cache store failed for %q: %v", cacheKey, err)
			}
		}
		return res, nil
	}

	// Mutations never populate the cache; they invalidate related reads.
	pattern := req.Invalidate
	if pattern == "" {
		pattern = regexp.QuoteMeta(req.Endpoint)
	}
	if n, err := p.cache.InvalidatePattern(pattern); err != nil {
		log.Printf("pipeline: invalidation %q failed: %v", pattern, err)
	} else if n > 0 {
		log.Printf("pipeline: invalidated %d cache entries after %s %s", n, req.Method, req.Endpoint)
	}
	return res, nil
}

func serverMessage(resp *Response) string {
	var api protocol.APIResponse
	if err := json.Unmarshal(resp.Body, &api); err == nil && api.Message != "" {
		return api.Message
	}
	return http.StatusText(resp.Status)
}

// Cancel aborts an in-flight request or removes a queued one. Idempotent.
func (p *Pipeline) Cancel(id string) bool {
	p.inflightMu.Lock()
	cancel, ok := p.inflight[id]
	if ok {
		delete(p.inflight, id)
	}
	p.inflightMu.Unlock()
	if ok {
		cancel()
		return true
	}
	if p.queue != nil {
		return p.queue.Remove(id)
	}
	return false
}

func (p *Pipeline) track(id string, cancel context.CancelFunc) {
	p.inflightMu.Lock()
	p.inflight[id] = cancel
	p.inflightMu.Unlock()
}

func (p *Pipeline) untrack(id string) {
	p.inflightMu.Lock()
	delete(p.inflight, id)
	p.inflightMu.Unlock()
}

// InflightCount reports how many requests are currently dispatched.
func (p *Pipeline) InflightCount() int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	return len(p.inflight)
}

// drainQueue dispatches queued work in priority-then-FIFO order. One drain
// runs at a time; going offline mid-drain stops it and keeps the remainder.
func (p *Pipeline) drainQueue() {
	if p.queue == nil || !p.draining.CompareAndSwap(false, true) {
		return
	}
	defer p.draining.Store(false)

	log.Printf("pipeline: replaying %d queued requests", p.queue.Len())

	for {
		if !p.monitor.IsOnline() {
			return
		}
		e := p.queue.Dequeue()
		if e == nil {
			return
		}

		req := &Request{
			ID:        e.ID,
			Method:    e.Descriptor.Method,
			Endpoint:  e.Descriptor.Endpoint,
			Body:      e.Descriptor.Body,
			Headers:   e.Descriptor.Headers,
			Anonymous: e.Descriptor.Anonymous,
			CacheKey:  e.Descriptor.CacheKey,
		}

		_, err := p.dispatch(context.Background(), req, p.cacheKeyFor(req), true)
		if err == nil {
			continue
		}
		if protocol.IsCode(err, protocol.CodeNetworkUnavailable) {
			// Transport refused: charge the budget and stop this pass. While
			// the monitor still reports online, arm another attempt; when it
			// went offline the online transition retriggers the drain.
			if p.queue.Requeue(e) && p.monitor.IsOnline() {
				p.scheduleDrain(p.policies.rule(classServer).backoff(e.RetryCount))
			}
			return
		}
		// Terminal failure: the entry is consumed, nothing to retry.
		log.Printf("pipeline: replay of %s %s failed: %v", req.Method, req.Endpoint, err)
	}
}

// scheduleDrain arms a one-shot replay attempt for entries queued while the
// monitor reports online (transport-level failures). Re-arming replaces any
// pending timer; a single drain covers the whole queue.
func (p *Pipeline) scheduleDrain(d time.Duration) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	if p.drainTimer != nil {
		p.drainTimer.Stop()
	}
	p.drainTimer = time.AfterFunc(d, func() {
		if p.monitor.IsOnline() {
			p.drainQueue()
		}
	})
}

func (p *Pipeline) queueSweepLoop() {
	if p.queue == nil {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := p.queue.RemoveExpired(); n > 0 {
				log.Printf("pipeline: expired %d queued requests", n)
			}
		case <-p.sweepStop:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
