package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
	"github.com/Seann-Moser/oauthbroker/store"
)

// countingStore wraps the in-memory store with call counters and failure
// injection.
type countingStore struct {
	*store.MemoryStore
	finds     atomic.Int64
	upserts   atomic.Int64
	deletes   atomic.Int64
	findErr   error
	upsertErr error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *countingStore) Find(ctx context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error) {
	s.finds.Add(1)
	if s.findErr != nil {
		return oauth.Credential{}, s.findErr
	}
	return s.MemoryStore.Find(ctx, userID, provider)
}

func (s *countingStore) Upsert(ctx context.Context, cred oauth.Credential) error {
	s.upserts.Add(1)
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.MemoryStore.Upsert(ctx, cred)
}

func (s *countingStore) Delete(ctx context.Context, userID int64, provider oauth.Provider) error {
	s.deletes.Add(1)
	return s.MemoryStore.Delete(ctx, userID, provider)
}

func (s *countingStore) ReplaceIfUnchanged(ctx context.Context, cred oauth.Credential, updatedAt time.Time) (bool, error) {
	s.upserts.Add(1)
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	return s.MemoryStore.ReplaceIfUnchanged(ctx, cred, updatedAt)
}

func (s *countingStore) DeleteIfUnchanged(ctx context.Context, userID int64, provider oauth.Provider, updatedAt time.Time) (bool, error) {
	s.deletes.Add(1)
	return s.MemoryStore.DeleteIfUnchanged(ctx, userID, provider, updatedAt)
}

type cacheEntry struct {
	tok oauth.CachedToken
	ttl time.Duration
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]cacheEntry{}}
}

func (c *fakeCache) Get(_ context.Context, userID int64, provider oauth.Provider) (oauth.CachedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return oauth.CachedToken{}, c.err
	}
	e, ok := c.entries[flightKey(userID, provider)]
	if !ok {
		return oauth.CachedToken{}, oauth.ErrCacheMiss
	}
	return e.tok, nil
}

func (c *fakeCache) Set(_ context.Context, userID int64, provider oauth.Provider, tok oauth.CachedToken, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if !tok.ExpiresAt.IsZero() {
		if remaining := time.Until(tok.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return nil
	}
	c.entries[flightKey(userID, provider)] = cacheEntry{tok: tok, ttl: ttl}
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, userID int64, provider oauth.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, flightKey(userID, provider))
	return nil
}

func (c *fakeCache) entry(userID int64, provider oauth.Provider) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[flightKey(userID, provider)]
	return e, ok
}

type fakeStates struct {
	mu     sync.Mutex
	states map[string]oauth.AuthorizationState
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: map[string]oauth.AuthorizationState{}}
}

func (s *fakeStates) Put(_ context.Context, state string, value oauth.AuthorizationState, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = value
	return nil
}

func (s *fakeStates) Consume(_ context.Context, state string) (oauth.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.states[state]
	if !ok {
		return oauth.AuthorizationState{}, oauth.ErrInvalidState
	}
	delete(s.states, state)
	return v, nil
}

// heldLocker reports the lock as held by someone else until released.
type heldLocker struct {
	held atomic.Bool
}

func (l *heldLocker) TryLock(context.Context, int64, oauth.Provider) (func(context.Context), bool, error) {
	if l.held.Load() {
		return nil, false, nil
	}
	return func(context.Context) {}, true, nil
}

type testEnv struct {
	broker *Broker
	store  *countingStore
	cache  *fakeCache
	states *fakeStates
	google *oclient.MockExchanger
	meta   *oclient.MockExchanger
}

func newTestEnv(t *testing.T, locker Locker) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newCountingStore(),
		cache:  newFakeCache(),
		states: newFakeStates(),
		google: &oclient.MockExchanger{ProviderName: oauth.ProviderGoogleAnalytics},
		meta:   &oclient.MockExchanger{ProviderName: oauth.ProviderMetaAds},
	}
	b, err := New(Deps{
		Store:      env.store,
		Cache:      env.cache,
		States:     env.states,
		Exchangers: oclient.NewRegistry(env.google, env.meta),
		Locker:     locker,
	}, Config{
		LockWait: 200 * time.Millisecond,
		LockPoll: 10 * time.Millisecond,
		RedirectURIs: map[oauth.Provider]string{
			oauth.ProviderGoogleAnalytics: "https://app.example.com/integrations/google_analytics/callback",
			oauth.ProviderMetaAds:         "https://app.example.com/integrations/meta_ads/callback",
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.broker = b
	return env
}

func (e *testEnv) seed(t *testing.T, cred oauth.Credential) {
	t.Helper()
	if err := e.store.MemoryStore.Upsert(context.Background(), cred); err != nil {
		t.Fatalf("seed: %v", err)
	}
}
