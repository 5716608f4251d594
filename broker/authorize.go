package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
)

// AuthorizationRequest is what the dashboard needs to send the user to the
// provider's consent screen.
type AuthorizationRequest struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartAuthorization creates a single-use state bound to the user and
// provider and returns the consent URL carrying it.
func (b *Broker) StartAuthorization(ctx context.Context, userID int64, provider oauth.Provider) (AuthorizationRequest, error) {
	const op = "start_authorization"
	if err := validate(userID, provider, op); err != nil {
		return AuthorizationRequest{}, err
	}
	ex, err := b.exchangers.Get(provider)
	if err != nil {
		return AuthorizationRequest{}, err
	}
	redirectURI := b.cfg.RedirectURIs[provider]
	if redirectURI == "" {
		return AuthorizationRequest{}, oauth.NewError(oauth.KindConfiguration, provider, op, errors.New("no redirect uri configured"))
	}

	state, err := oclient.GenerateState()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	verifier, err := oclient.GenerateCodeVerifier()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	url, err := ex.AuthCodeURL(state, redirectURI, oclient.GenerateCodeChallenge(verifier))
	if err != nil {
		return AuthorizationRequest{}, err
	}

	now := b.now().UTC()
	pending := oauth.AuthorizationState{
		UserID:       userID,
		Provider:     provider,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.cfg.StateTTL),
	}
	if err := b.states.Put(ctx, state, pending, b.cfg.StateTTL); err != nil {
		return AuthorizationRequest{}, oauth.NewError(oauth.KindStorage, provider, op, err)
	}

	b.logger.InfoContext(ctx, "authorization started",
		"operation", op,
		"outcome", "success",
		"user_id", userID,
		"provider", provider,
	)
	return AuthorizationRequest{URL: url, State: state, ExpiresAt: pending.ExpiresAt}, nil
}

// CompleteAuthorization validates the callback state, exchanges the code and
// stores the resulting credential.
func (b *Broker) CompleteAuthorization(ctx context.Context, userID int64, provider oauth.Provider, code, state string) error {
	const op = "complete_authorization"
	if err := validate(userID, provider, op); err != nil {
		return err
	}

	pending, err := b.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) {
			b.logger.WarnContext(ctx, "authorization callback with unknown state",
				"operation", op,
				"outcome", "rejected",
				"user_id", userID,
				"provider", provider,
			)
			return oauth.NewError(oauth.KindInvalidGrant, provider, op, err)
		}
		return oauth.NewError(oauth.KindStorage, provider, op, err)
	}
	if pending.UserID != userID || pending.Provider != provider {
		b.logger.WarnContext(ctx, "authorization state issued for another user or provider",
			"operation", op,
			"outcome", "rejected",
			"user_id", userID,
			"provider", provider,
		)
		return oauth.NewError(oauth.KindInvalidGrant, provider, op, fmt.Errorf("%w: issued for another user or provider", oauth.ErrInvalidState))
	}
	now := b.now()
	if !pending.ExpiresAt.IsZero() && now.After(pending.ExpiresAt) {
		return oauth.NewError(oauth.KindInvalidGrant, provider, op, fmt.Errorf("%w: expired", oauth.ErrInvalidState))
	}

	ex, err := b.exchangers.Get(provider)
	if err != nil {
		return err
	}
	set, err := ex.ExchangeAuthorizationCode(ctx, code, pending.RedirectURI, pending.CodeVerifier)
	if err != nil {
		b.logger.WarnContext(ctx, "authorization code exchange failed",
			"operation", op,
			"outcome", "failure",
			"user_id", userID,
			"provider", provider,
			"kind", oauth.KindOf(err).String(),
			"error", err,
		)
		return err
	}

	cred := oauth.Credential{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		ExpiresAt:    set.ExpiresAt(now),
		Scopes:       set.Scopes,
	}
	// Google omits the refresh token when the user had already consented;
	// keep the one we hold rather than losing the ability to refresh.
	if cred.RefreshToken == "" {
		if existing, err := b.store.Find(ctx, userID, provider); err == nil && existing.CanRefresh() {
			cred.RefreshToken = existing.RefreshToken
		}
	}
	if err := b.store.Upsert(ctx, cred); err != nil {
		return err
	}
	b.cacheCredential(ctx, cred)

	b.logger.InfoContext(ctx, "integration connected",
		"operation", op,
		"outcome", "success",
		"user_id", userID,
		"provider", provider,
		"can_refresh", cred.CanRefresh(),
		"expires_at", cred.ExpiresAt,
	)
	return nil
}

// Disconnect removes the credential and its cached token. Disconnecting an
// integration that does not exist succeeds. A refresh still in flight finds
// the row gone and does not write it back.
func (b *Broker) Disconnect(ctx context.Context, userID int64, provider oauth.Provider) error {
	const op = "disconnect"
	if err := validate(userID, provider, op); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, userID, provider); err != nil {
		return err
	}
	if err := b.cache.Invalidate(ctx, userID, provider); err != nil {
		b.logger.WarnContext(ctx, "cache invalidate failed",
			"operation", op,
			"outcome", "failure",
			"user_id", userID,
			"provider", provider,
			"error", err,
		)
	}
	b.logger.InfoContext(ctx, "integration disconnected",
		"operation", op,
		"outcome", "success",
		"user_id", userID,
		"provider", provider,
	)
	return nil
}

// IntegrationStatus describes a user's connection to one provider without
// exposing any token.
type IntegrationStatus struct {
	Provider       oauth.Provider `json:"provider"`
	Connected      bool           `json:"connected"`
	CanRefresh     bool           `json:"can_refresh"`
	NeedsReconnect bool           `json:"needs_reconnect"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Scopes         []string       `json:"scopes,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
}

func (b *Broker) Status(ctx context.Context, userID int64, provider oauth.Provider) (IntegrationStatus, error) {
	if err := validate(userID, provider, "status"); err != nil {
		return IntegrationStatus{}, err
	}
	status := IntegrationStatus{Provider: provider}
	cred, err := b.store.Find(ctx, userID, provider)
	if errors.Is(err, oauth.ErrNotFound) {
		status.NeedsReconnect = true
		return status, nil
	}
	if err != nil {
		return IntegrationStatus{}, err
	}

	status.Connected = true
	status.CanRefresh = cred.CanRefresh()
	status.NeedsReconnect = !cred.CanRefresh() && !cred.Usable(b.now(), 0)
	status.Scopes = cred.Scopes
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		status.ExpiresAt = &t
	}
	if !cred.UpdatedAt.IsZero() {
		t := cred.UpdatedAt
		status.UpdatedAt = &t
	}
	return status, nil
}
