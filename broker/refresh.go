package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
)

const (
	sourceCache   = "cache"
	sourceStore   = "store"
	sourceRefresh = "refresh"
	sourceError   = "error"
)

type resolved struct {
	token  oauth.CachedToken
	source string
}

// fresh reports whether the stored access token outlives deadline.
func fresh(cred oauth.Credential, deadline time.Time) bool {
	if cred.AccessToken == "" {
		return false
	}
	return cred.ExpiresAt.IsZero() || cred.ExpiresAt.After(deadline)
}

// servable reports whether cred can be handed out without a refresh. The
// deadline only brings refreshes forward; a credential that cannot be
// refreshed is served until it actually expires.
func (b *Broker) servable(cred oauth.Credential, deadline time.Time) bool {
	if fresh(cred, deadline) {
		return true
	}
	return !cred.CanRefresh() && fresh(cred, b.now())
}

// resolve runs once per (user, provider) flight. deadline is the instant the
// returned token must outlive.
func (b *Broker) resolve(ctx context.Context, userID int64, provider oauth.Provider, deadline time.Time) (resolved, error) {
	// A flight that finished between our miss and now may have filled the cache.
	if tok, ok := b.cached(ctx, userID, provider); ok && (tok.ExpiresAt.IsZero() || tok.ExpiresAt.After(deadline)) {
		return resolved{token: tok, source: sourceCache}, nil
	}

	cred, err := b.find(ctx, userID, provider)
	if err != nil {
		return resolved{}, err
	}
	if b.servable(cred, deadline) {
		b.cacheCredential(ctx, cred)
		return resolved{token: cred.Cached(), source: sourceStore}, nil
	}
	return b.refresh(ctx, cred, deadline)
}

func (b *Broker) find(ctx context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error) {
	cred, err := b.store.Find(ctx, userID, provider)
	if err == nil {
		return cred, nil
	}
	if errors.Is(err, oauth.ErrNotFound) {
		return oauth.Credential{}, oauth.NewError(oauth.KindIntegrationRequired, provider, "find_credential", err)
	}
	if oauth.KindOf(err) == oauth.KindUnknown {
		err = oauth.NewError(oauth.KindStorage, provider, "find_credential", err)
	}
	b.logger.ErrorContext(ctx, "credential lookup failed",
		"operation", "find_credential",
		"outcome", "failure",
		"user_id", userID,
		"provider", provider,
		"error", err,
	)
	return oauth.Credential{}, err
}

func (b *Broker) refresh(ctx context.Context, cred oauth.Credential, deadline time.Time) (resolved, error) {
	if !cred.CanRefresh() {
		return resolved{}, oauth.NewError(oauth.KindIntegrationRequired, cred.Provider, "refresh", errors.New("credential expired and cannot be refreshed"))
	}
	ex, err := b.exchangers.Get(cred.Provider)
	if err != nil {
		b.logger.ErrorContext(ctx, "no exchanger for provider",
			"operation", "refresh",
			"outcome", "failure",
			"provider", cred.Provider,
			"error", err,
		)
		return resolved{}, err
	}

	if b.locker != nil {
		release, acquired, err := b.locker.TryLock(ctx, cred.UserID, cred.Provider)
		switch {
		case err != nil:
			b.logger.WarnContext(ctx, "refresh lock unavailable, refreshing without it",
				"operation", "refresh_lock",
				"outcome", "failure",
				"user_id", cred.UserID,
				"provider", cred.Provider,
				"error", err,
			)
		case acquired:
			defer release(context.WithoutCancel(ctx))
		default:
			if tok, ok := b.awaitPeer(ctx, cred.UserID, cred.Provider, deadline); ok {
				return resolved{token: tok, source: sourceCache}, nil
			}
		}

		// Another process may have refreshed (or dropped) the credential
		// since we read it.
		latest, err := b.find(ctx, cred.UserID, cred.Provider)
		if err != nil {
			return resolved{}, err
		}
		if b.servable(latest, deadline) {
			b.cacheCredential(ctx, latest)
			return resolved{token: latest.Cached(), source: sourceStore}, nil
		}
		if !latest.CanRefresh() {
			return resolved{}, oauth.NewError(oauth.KindIntegrationRequired, cred.Provider, "refresh", errors.New("credential expired and cannot be refreshed"))
		}
		cred = latest
	}

	tok, err := b.exchange(ctx, ex, cred)
	if err != nil {
		return resolved{}, err
	}
	return resolved{token: tok, source: sourceRefresh}, nil
}

// awaitPeer polls the cache with backoff while another process holds the
// refresh lock.
func (b *Broker) awaitPeer(ctx context.Context, userID int64, provider oauth.Provider, deadline time.Time) (oauth.CachedToken, bool) {
	wait := b.cfg.LockPoll
	limit := time.NewTimer(b.cfg.LockWait)
	defer limit.Stop()
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return oauth.CachedToken{}, false
		case <-limit.C:
			timer.Stop()
			return oauth.CachedToken{}, false
		case <-timer.C:
		}
		if tok, ok := b.cached(ctx, userID, provider); ok && (tok.ExpiresAt.IsZero() || tok.ExpiresAt.After(deadline)) {
			return tok, true
		}
		if wait *= 2; wait > time.Second {
			wait = time.Second
		}
	}
}

// exchange calls the provider and writes the outcome back to both tiers.
func (b *Broker) exchange(ctx context.Context, ex oclient.Exchanger, cred oauth.Credential) (oauth.CachedToken, error) {
	provider := string(cred.Provider)
	start := time.Now()
	set, err := ex.RefreshAccessToken(ctx, cred.RefreshToken)
	refreshDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err == nil && set.AccessToken == "" {
		err = oauth.NewError(oauth.KindUpstreamUnavailable, cred.Provider, "refresh", errors.New("provider returned an empty access token"))
	}
	if err != nil {
		err = b.refreshFailed(ctx, cred, err)
		if errors.Is(err, errCredentialChanged) {
			return b.current(ctx, cred, oauth.CachedToken{})
		}
		return oauth.CachedToken{}, err
	}
	refreshTotal.WithLabelValues(provider, "success").Inc()

	updated := cred
	updated.AccessToken = set.AccessToken
	updated.ExpiresAt = set.ExpiresAt(b.now())
	if set.RefreshToken != "" {
		updated.RefreshToken = set.RefreshToken
	}
	if len(set.Scopes) > 0 {
		updated.Scopes = set.Scopes
	}

	// The new token is valid whether or not it could be persisted; the
	// cache still serves it and the store catches up on the next refresh.
	applied, err := b.store.ReplaceIfUnchanged(ctx, updated, cred.UpdatedAt)
	switch {
	case err != nil:
		b.logger.ErrorContext(ctx, "persist refreshed credential failed",
			"operation", "refresh",
			"outcome", "partial",
			"user_id", cred.UserID,
			"provider", provider,
			"error", err,
		)
	case !applied:
		// Disconnected or reconnected while the provider was answering.
		return b.current(ctx, cred, updated.Cached())
	}
	b.cacheCredential(ctx, updated)
	b.logger.InfoContext(ctx, "access token refreshed",
		"operation", "refresh",
		"outcome", "success",
		"user_id", cred.UserID,
		"provider", provider,
		"expires_at", updated.ExpiresAt,
	)
	return updated.Cached(), nil
}

// errCredentialChanged reports that the row a refresh started from was
// rewritten or removed before the refresh finished.
var errCredentialChanged = errors.New("credential changed during refresh")

// current re-reads the credential after a refresh lost a race with another
// writer. A reconnect wins; a disconnect means the user has to reconnect.
// fallback, when set, is served uncached if the stored row is not usable.
func (b *Broker) current(ctx context.Context, read oauth.Credential, fallback oauth.CachedToken) (oauth.CachedToken, error) {
	latest, err := b.find(ctx, read.UserID, read.Provider)
	if err != nil {
		return oauth.CachedToken{}, err
	}
	if b.servable(latest, b.now().Add(b.cfg.ExpirySkew)) {
		b.cacheCredential(ctx, latest)
		return latest.Cached(), nil
	}
	if fallback.AccessToken != "" {
		return fallback, nil
	}
	return oauth.CachedToken{}, oauth.NewError(oauth.KindIntegrationRequired, read.Provider, "refresh", errCredentialChanged)
}

func (b *Broker) refreshFailed(ctx context.Context, cred oauth.Credential, err error) error {
	kind := oauth.KindOf(err)
	if kind == oauth.KindUnknown {
		// Exchangers are expected to classify; anything else is treated as transient.
		err = oauth.NewError(oauth.KindUpstreamUnavailable, cred.Provider, "refresh", err)
		kind = oauth.KindUpstreamUnavailable
	}
	refreshTotal.WithLabelValues(string(cred.Provider), kind.String()).Inc()

	attrs := []any{
		"operation", "refresh",
		"outcome", "failure",
		"user_id", cred.UserID,
		"provider", cred.Provider,
		"kind", kind.String(),
		"error", err,
	}
	switch kind {
	case oauth.KindInvalidGrant:
		b.logger.WarnContext(ctx, "refresh token rejected, removing credential", attrs...)
		deleted, derr := b.store.DeleteIfUnchanged(ctx, cred.UserID, cred.Provider, cred.UpdatedAt)
		switch {
		case derr != nil:
			b.logger.ErrorContext(ctx, "remove revoked credential failed",
				"operation", "refresh",
				"user_id", cred.UserID,
				"provider", cred.Provider,
				"error", derr,
			)
		case !deleted:
			return errCredentialChanged
		}
		_ = b.cache.Invalidate(ctx, cred.UserID, cred.Provider)
		return oauth.NewError(oauth.KindIntegrationRequired, cred.Provider, "refresh", fmt.Errorf("refresh token revoked: %w", err))
	case oauth.KindConfiguration:
		b.logger.ErrorContext(ctx, "refresh failed on client configuration", attrs...)
	default:
		b.logger.WarnContext(ctx, "refresh failed, credential kept", append(attrs, "retry_after", oauth.RetryAfterOf(err))...)
	}
	return err
}
