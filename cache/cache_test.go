package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		client, err := Connect(context.Background(), addr)
		if err != nil {
			t.Fatalf("Connect(%q): %v", addr, err)
		}
		_ = client.Close()
	}
	if _, err := Connect(context.Background(), "127.0.0.1:1"); err == nil {
		t.Error("Connect to a closed port should fail")
	}
}

func TestTokenCacheRoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewTokenCache(client)
	ctx := context.Background()

	if _, err := c.Get(ctx, 1, oauth.ProviderGoogleAnalytics); !errors.Is(err, oauth.ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	tok := oauth.CachedToken{AccessToken: "ya29.a", ExpiresAt: expires, Scopes: []string{"s1"}}
	if err := c.Set(ctx, 1, oauth.ProviderGoogleAnalytics, tok, 2*time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := "oauthbroker:token:google_analytics:1"
	if !mr.Exists(key) {
		t.Fatalf("key %q not written", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %s, want clamped to the token lifetime", ttl)
	}

	got, err := c.Get(ctx, 1, oauth.ProviderGoogleAnalytics)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != "ya29.a" || !got.ExpiresAt.Equal(expires) || len(got.Scopes) != 1 {
		t.Errorf("Get = %+v", got)
	}

	if err := c.Invalidate(ctx, 1, oauth.ProviderGoogleAnalytics); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Get(ctx, 1, oauth.ProviderGoogleAnalytics); !errors.Is(err, oauth.ErrCacheMiss) {
		t.Errorf("expected miss after invalidate, got %v", err)
	}
}

func TestTokenCacheEntryExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewTokenCache(client)
	ctx := context.Background()

	tok := oauth.CachedToken{AccessToken: "a", ExpiresAt: time.Now().Add(time.Minute)}
	if err := c.Set(ctx, 2, oauth.ProviderMetaAds, tok, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, 2, oauth.ProviderMetaAds); !errors.Is(err, oauth.ErrCacheMiss) {
		t.Errorf("expected miss after expiry, got %v", err)
	}
}

func TestTokenCacheSkipsNonPositiveTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewTokenCache(client)
	ctx := context.Background()

	expired := oauth.CachedToken{AccessToken: "a", ExpiresAt: time.Now().Add(-time.Second)}
	if err := c.Set(ctx, 3, oauth.ProviderMetaAds, expired, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, 4, oauth.ProviderMetaAds, oauth.CachedToken{AccessToken: "a"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("nothing should be cached, found %v", keys)
	}
}

func TestTokenCacheDropsMalformedEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewTokenCache(client)
	key := "oauthbroker:token:meta_ads:5"
	// a bare token string is not an envelope
	if err := mr.Set(key, "EAAB-plain-token"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := c.Get(context.Background(), 5, oauth.ProviderMetaAds); !errors.Is(err, oauth.ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if mr.Exists(key) {
		t.Errorf("malformed entry should have been deleted")
	}
}

func TestTokenCacheRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewTokenCache(client)
	mr.Close()
	_, err := c.Get(context.Background(), 1, oauth.ProviderMetaAds)
	if err == nil || errors.Is(err, oauth.ErrCacheMiss) {
		t.Errorf("expected a connection error, got %v", err)
	}
}

func TestStateStoreSingleUse(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewStateStore(client)
	ctx := context.Background()

	in := oauth.AuthorizationState{UserID: 7, Provider: oauth.ProviderGoogleAnalytics, RedirectURI: "https://app.example.com/cb", CodeVerifier: "v"}
	if err := s.Put(ctx, "abc", in, 10*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl := mr.TTL("oauthbroker:state:abc"); ttl != 10*time.Minute {
		t.Errorf("TTL = %s", ttl)
	}
	if err := s.Put(ctx, "abc", in, time.Minute); err == nil {
		t.Error("duplicate state should be rejected")
	}

	got, err := s.Consume(ctx, "abc")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.UserID != 7 || got.Provider != oauth.ProviderGoogleAnalytics || got.CodeVerifier != "v" {
		t.Errorf("Consume = %+v", got)
	}
	if _, err := s.Consume(ctx, "abc"); !errors.Is(err, oauth.ErrInvalidState) {
		t.Errorf("second Consume should fail with ErrInvalidState, got %v", err)
	}
}

func TestStateStoreExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewStateStore(client)
	ctx := context.Background()
	_ = s.Put(ctx, "late", oauth.AuthorizationState{UserID: 1}, time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, err := s.Consume(ctx, "late"); !errors.Is(err, oauth.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := s.Consume(ctx, ""); !errors.Is(err, oauth.ErrInvalidState) {
		t.Errorf("empty state should be invalid, got %v", err)
	}
}

func TestRefreshLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRefreshLock(client, 0)
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, 1, oauth.ProviderGoogleAnalytics)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if ttl := mr.TTL("oauthbroker:lock:google_analytics:1"); ttl != DefaultLockTTL {
		t.Errorf("TTL = %s, want %s", ttl, DefaultLockTTL)
	}

	_, ok, err = l.TryLock(ctx, 1, oauth.ProviderGoogleAnalytics)
	if err != nil || ok {
		t.Fatalf("second TryLock should not acquire: %v, %v", ok, err)
	}

	release(ctx)
	release2, ok, err := l.TryLock(ctx, 1, oauth.ProviderGoogleAnalytics)
	if err != nil || !ok {
		t.Fatalf("TryLock after release = %v, %v", ok, err)
	}
	release2(ctx)
}

func TestRefreshLockReleaseKeepsForeignOwner(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRefreshLock(client, time.Second)
	ctx := context.Background()

	release, ok, _ := l.TryLock(ctx, 1, oauth.ProviderMetaAds)
	if !ok {
		t.Fatal("lock not acquired")
	}
	mr.FastForward(2 * time.Second)

	_, ok, _ = l.TryLock(ctx, 1, oauth.ProviderMetaAds)
	if !ok {
		t.Fatal("expired lock should be acquirable")
	}
	// The first owner's late release must not free the second owner's lock.
	release(ctx)
	if !mr.Exists("oauthbroker:lock:meta_ads:1") {
		t.Error("stale owner released a lock it no longer holds")
	}
}
