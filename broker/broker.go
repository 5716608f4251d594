// Package broker hands out valid provider access tokens. It reads the token
// cache first, falls back to the durable credential store and refreshes
// expired tokens, sharing one refresh among concurrent callers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
)

// CredentialStore is the durable tier.
type CredentialStore interface {
	Upsert(ctx context.Context, cred oauth.Credential) error
	Find(ctx context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error)
	Delete(ctx context.Context, userID int64, provider oauth.Provider) error
	// ReplaceIfUnchanged and DeleteIfUnchanged apply only while the row still
	// carries the UpdatedAt it was read with.
	ReplaceIfUnchanged(ctx context.Context, cred oauth.Credential, updatedAt time.Time) (bool, error)
	DeleteIfUnchanged(ctx context.Context, userID int64, provider oauth.Provider, updatedAt time.Time) (bool, error)
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]oauth.Credential, error)
}

// TokenCache is the advisory fast tier. Any error is treated as a miss.
type TokenCache interface {
	Get(ctx context.Context, userID int64, provider oauth.Provider) (oauth.CachedToken, error)
	Set(ctx context.Context, userID int64, provider oauth.Provider, tok oauth.CachedToken, ttl time.Duration) error
	Invalidate(ctx context.Context, userID int64, provider oauth.Provider) error
}

// StateStore holds pending authorization round trips.
type StateStore interface {
	Put(ctx context.Context, state string, value oauth.AuthorizationState, ttl time.Duration) error
	Consume(ctx context.Context, state string) (oauth.AuthorizationState, error)
}

// Locker guards a refresh across processes.
type Locker interface {
	TryLock(ctx context.Context, userID int64, provider oauth.Provider) (release func(context.Context), acquired bool, err error)
}

// Exchangers resolves the OAuth client for a provider.
type Exchangers interface {
	Get(provider oauth.Provider) (oclient.Exchanger, error)
}

type Config struct {
	// ExpirySkew treats tokens this close to expiry as expired.
	ExpirySkew time.Duration
	// DefaultCacheTTL bounds cache entries for tokens without a reported expiry.
	DefaultCacheTTL time.Duration
	StateTTL        time.Duration
	// LockWait is how long a caller waits for another process's refresh
	// before re-reading the store.
	LockWait time.Duration
	LockPoll time.Duration
	// RefreshTimeout bounds a shared resolution, independent of any single
	// caller's context.
	RefreshTimeout time.Duration
	RedirectURIs   map[oauth.Provider]string
}

func (c Config) withDefaults() Config {
	if c.ExpirySkew <= 0 {
		c.ExpirySkew = 30 * time.Second
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = time.Hour
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 100 * time.Millisecond
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	return c
}

type Deps struct {
	Store      CredentialStore
	Cache      TokenCache
	States     StateStore
	Exchangers Exchangers
	// Locker is optional; without it only in-process callers are deduplicated.
	Locker Locker
	Logger *slog.Logger
}

type Broker struct {
	store      CredentialStore
	cache      TokenCache
	states     StateStore
	exchangers Exchangers
	locker     Locker
	cfg        Config
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time
}

func New(deps Deps, cfg Config) (*Broker, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("broker: credential store is required")
	case deps.Cache == nil:
		return nil, errors.New("broker: token cache is required")
	case deps.States == nil:
		return nil, errors.New("broker: state store is required")
	case deps.Exchangers == nil:
		return nil, errors.New("broker: exchangers are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:      deps.Store,
		cache:      deps.Cache,
		states:     deps.States,
		exchangers: deps.Exchangers,
		locker:     deps.Locker,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("module", "broker"),
		now:        time.Now,
	}, nil
}

// GetValidAccessToken returns an access token that is not within the expiry
// skew of its deadline.
func (b *Broker) GetValidAccessToken(ctx context.Context, userID int64, provider oauth.Provider) (string, error) {
	tok, err := b.Token(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Token is GetValidAccessToken with the expiry and scopes attached.
func (b *Broker) Token(ctx context.Context, userID int64, provider oauth.Provider) (oauth.CachedToken, error) {
	if err := validate(userID, provider, "get_token"); err != nil {
		return oauth.CachedToken{}, err
	}
	if tok, ok := b.cached(ctx, userID, provider); ok {
		tokenRequests.WithLabelValues(string(provider), sourceCache).Inc()
		return tok, nil
	}

	ch := b.group.DoChan(flightKey(userID, provider), func() (any, error) {
		// The flight outlives any single caller; one caller giving up must
		// not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.RefreshTimeout)
		defer cancel()
		return b.resolve(fctx, userID, provider, b.now().Add(b.cfg.ExpirySkew))
	})

	select {
	case <-ctx.Done():
		// The flight keeps running for the other callers.
		tokenRequests.WithLabelValues(string(provider), sourceError).Inc()
		return oauth.CachedToken{}, oauth.NewError(oauth.KindUpstreamUnavailable, provider, "get_token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			tokenRequests.WithLabelValues(string(provider), sourceError).Inc()
			return oauth.CachedToken{}, res.Err
		}
		r := res.Val.(resolved)
		tokenRequests.WithLabelValues(string(provider), r.source).Inc()
		return r.token, nil
	}
}

// Invalidate discards the current access token from both tiers, typically
// after the provider rejected it. The stored credential is kept but marked
// expired, so the next request refreshes it or, when it cannot be refreshed,
// asks the user to reconnect.
func (b *Broker) Invalidate(ctx context.Context, userID int64, provider oauth.Provider) error {
	if err := validate(userID, provider, "invalidate"); err != nil {
		return err
	}
	return b.invalidate(ctx, userID, provider, "")
}

// WithAccessToken calls fn with a valid token. If fn reports the token as
// rejected, the token is invalidated and fn is retried once with a fresh one.
func (b *Broker) WithAccessToken(ctx context.Context, userID int64, provider oauth.Provider, fn func(ctx context.Context, accessToken string) error) error {
	token, err := b.GetValidAccessToken(ctx, userID, provider)
	if err != nil {
		return err
	}
	err = fn(ctx, token)
	if !errors.Is(err, oauth.ErrTokenRejected) {
		return err
	}

	b.logger.InfoContext(ctx, "provider rejected access token, forcing renewal",
		"operation", "with_access_token",
		"outcome", "retry",
		"user_id", userID,
		"provider", provider,
	)
	if err := b.invalidate(ctx, userID, provider, token); err != nil {
		return err
	}

	token, err = b.GetValidAccessToken(ctx, userID, provider)
	if err != nil {
		return err
	}
	return fn(ctx, token)
}

// invalidate drops the cache entry and expires the stored access token. When
// rejected is set, a stored token that differs from it was already replaced
// and is left alone.
func (b *Broker) invalidate(ctx context.Context, userID int64, provider oauth.Provider, rejected string) error {
	const op = "invalidate"
	if err := b.cache.Invalidate(ctx, userID, provider); err != nil {
		b.logger.WarnContext(ctx, "cache invalidate failed",
			"operation", op,
			"outcome", "failure",
			"user_id", userID,
			"provider", provider,
			"error", err,
		)
	}

	cred, err := b.store.Find(ctx, userID, provider)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil
	}
	if err != nil {
		if oauth.KindOf(err) == oauth.KindUnknown {
			err = oauth.NewError(oauth.KindStorage, provider, op, err)
		}
		return err
	}
	now := b.now().UTC()
	if (rejected != "" && cred.AccessToken != rejected) || (!cred.ExpiresAt.IsZero() && !cred.ExpiresAt.After(now)) {
		return nil
	}
	stale := cred
	stale.ExpiresAt = now
	if _, err := b.store.ReplaceIfUnchanged(ctx, stale, cred.UpdatedAt); err != nil {
		// The cache entry is gone; the store still revives the token until
		// it expires.
		b.logger.ErrorContext(ctx, "mark credential stale failed",
			"operation", op,
			"outcome", "failure",
			"user_id", userID,
			"provider", provider,
			"error", err,
		)
		return err
	}
	return nil
}

func (b *Broker) cached(ctx context.Context, userID int64, provider oauth.Provider) (oauth.CachedToken, bool) {
	tok, err := b.cache.Get(ctx, userID, provider)
	if err != nil {
		if !errors.Is(err, oauth.ErrCacheMiss) {
			b.logger.WarnContext(ctx, "cache read failed, falling back to store",
				"operation", "cache_get",
				"outcome", "failure",
				"user_id", userID,
				"provider", provider,
				"error", err,
			)
		}
		return oauth.CachedToken{}, false
	}
	if !tok.Valid(b.now(), b.cfg.ExpirySkew) {
		return oauth.CachedToken{}, false
	}
	return tok, true
}

func (b *Broker) cacheCredential(ctx context.Context, cred oauth.Credential) {
	ttl := b.cfg.DefaultCacheTTL
	if !cred.ExpiresAt.IsZero() {
		ttl = cred.Remaining(b.now())
	}
	if err := b.cache.Set(ctx, cred.UserID, cred.Provider, cred.Cached(), ttl); err != nil {
		b.logger.WarnContext(ctx, "cache write failed",
			"operation", "cache_set",
			"outcome", "failure",
			"user_id", cred.UserID,
			"provider", cred.Provider,
			"error", err,
		)
	}
}

func flightKey(userID int64, provider oauth.Provider) string {
	return string(provider) + ":" + strconv.FormatInt(userID, 10)
}

func validate(userID int64, provider oauth.Provider, op string) error {
	if !provider.Valid() {
		return oauth.NewError(oauth.KindConfiguration, provider, op, fmt.Errorf("unknown provider %q", provider))
	}
	if userID <= 0 {
		return oauth.NewError(oauth.KindConfiguration, provider, op, fmt.Errorf("invalid user id %d", userID))
	}
	return nil
}
