package token

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/David-2911/auto-grader-sub005/internal/events"
	"github.com/David-2911/auto-grader-sub005/internal/protocol"
	"github.com/David-2911/auto-grader-sub005/internal/store"
)

const credentialKey = "current"

// Refresher exchanges a refresh token for a new credential. A refusal (the
// refresh token itself is invalid or expired) must be reported as a
// *protocol.Failure with CodeAuthExpired so the manager can end the session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// Manager owns the credential lifecycle: storage, proactive refresh ahead of
// expiry and reactive refresh on 401. Refresh is single-flight: N concurrent
// callers share one refresh call.
type Manager struct {
	mu        sync.RWMutex
	cred      *Credential
	kv        store.KeyValueStore
	refresher Refresher
	resolver  ExpiryResolver
	sink      events.Sink
	threshold time.Duration
	sf        singleflight.Group
	now       func() time.Time
}

func NewManager(kv store.KeyValueStore, refresher Refresher, resolver ExpiryResolver, sink events.Sink, threshold time.Duration) *Manager {
	if resolver == nil {
		resolver = JWTResolver{}
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	m := &Manager{
		kv:        kv,
		refresher: refresher,
		resolver:  resolver,
		sink:      sink,
		threshold: threshold,
		now:       time.Now,
	}
	m.restore()
	return m
}

// restore loads a persisted credential, if any.
func (m *Manager) restore() {
	if m.kv == nil {
		return
	}
	data, ok, err := m.kv.Get(store.NamespaceCredentials, credentialKey)
	if err != nil {
		log.Printf("token: restore failed: %v", err)
		return
	}
	if !ok {
		return
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		log.Printf("token: corrupt credential record, discarding: %v", err)
		m.kv.Delete(store.NamespaceCredentials, credentialKey)
		return
	}
	m.cred = &cred
}

// Store saves a credential, deriving expiry from the access token when the
// caller did not supply one. Decode failures fall back to a 1h default.
func (m *Manager) Store(cred *Credential) error {
	if cred.ExpiresAt == 0 {
		exp, err := m.resolver.ResolveExpiry(cred.AccessToken, m.now())
		if err != nil {
			log.Printf("token: expiry not resolvable, assuming %v: %v", DefaultExpiry, err)
			exp = m.now().Add(DefaultExpiry)
		}
		cred.ExpiresAt = exp.UnixMilli()
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	return m.persist(cred)
}

func (m *Manager) persist(cred *Credential) error {
	if m.kv == nil {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return m.kv.Set(store.NamespaceCredentials, credentialKey, data)
}

// GetValidToken returns an access token fit for use, refreshing first when
// the token is within the refresh threshold. Returns "" when no credential is
// stored. May block while a refresh is in flight.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred == nil {
		return "", nil
	}
	if cred.expiresIn(m.now()) > m.threshold {
		return cred.AccessToken, nil
	}
	return m.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new credential. Concurrent calls
// collapse into a single refresh; all callers receive its result.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred == nil || cred.RefreshToken == "" {
		m.endSession("no refresh token")
		return "", protocol.NewFailure(protocol.CodeAuthExpired, "no refresh token available")
	}

	fresh, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if protocol.IsCode(err, protocol.CodeAuthExpired) || protocol.IsCode(err, protocol.CodeAccessDenied) {
			m.endSession(err.Error())
			return "", protocol.NewFailure(protocol.CodeAuthExpired, "refresh token rejected")
		}
		// Transient failure: keep the credential, the caller may retry.
		return "", err
	}

	if err := m.Store(fresh); err != nil {
		log.Printf("token: persist after refresh failed: %v", err)
	}
	log.Printf("token: refreshed, expires %s", time.UnixMilli(fresh.ExpiresAt).Format(time.RFC3339))
	return fresh.AccessToken, nil
}

// endSession clears credentials and tells the application the session ended.
func (m *Manager) endSession(reason string) {
	if err := m.Clear(); err != nil {
		log.Printf("token: clear failed: %v", err)
	}
	log.Printf("token: session expired: %s", reason)
	m.sink.Publish(events.SessionExpired, reason)
}

// Clear removes the credential from memory and the store.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()
	if m.kv == nil {
		return nil
	}
	return m.kv.ClearNamespace(store.NamespaceCredentials)
}

// HasCredential reports whether a credential is currently stored.
func (m *Manager) HasCredential() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred != nil
}
