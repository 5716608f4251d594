package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// TokenCache is the fast tier in front of the credential store. Entries
// always carry their own expiry; Redis TTL only reclaims memory.
type TokenCache struct {
	client *redis.Client
	now    func() time.Time
}

func NewTokenCache(client *redis.Client) *TokenCache {
	return &TokenCache{client: client, now: time.Now}
}

func tokenKey(userID int64, provider oauth.Provider) string {
	return keyPrefix + "token:" + string(provider) + ":" + strconv.FormatInt(userID, 10)
}

// Get returns oauth.ErrCacheMiss when nothing usable is cached.
func (c *TokenCache) Get(ctx context.Context, userID int64, provider oauth.Provider) (oauth.CachedToken, error) {
	key := tokenKey(userID, provider)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return oauth.CachedToken{}, oauth.ErrCacheMiss
		}
		return oauth.CachedToken{}, fmt.Errorf("cache get: %w", err)
	}

	var tok oauth.CachedToken
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		// Not an envelope we wrote. Drop it so the next read goes to the store.
		slog.WarnContext(ctx, "discarding malformed cache entry",
			"module", "cache",
			"operation", "get",
			"key", key,
		)
		_ = c.client.Del(ctx, key).Err()
		return oauth.CachedToken{}, oauth.ErrCacheMiss
	}
	return tok, nil
}

// Set stores tok for at most ttl and never past the token's own expiry. A
// non-positive effective TTL writes nothing.
func (c *TokenCache) Set(ctx context.Context, userID int64, provider oauth.Provider, tok oauth.CachedToken, ttl time.Duration) error {
	if !tok.ExpiresAt.IsZero() {
		if remaining := tok.ExpiresAt.Sub(c.now()); remaining < ttl {
			ttl = remaining
		}
	}
	// Redis rounds sub-millisecond expirations to zero, which means "forever".
	if ttl < time.Millisecond {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, tokenKey(userID, provider), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *TokenCache) Invalidate(ctx context.Context, userID int64, provider oauth.Provider) error {
	if err := c.client.Del(ctx, tokenKey(userID, provider)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
