package oclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

var _ Exchanger = &GoogleExchanger{}

// GoogleExchanger handles Google Analytics grants through x/oauth2.
type GoogleExchanger struct {
	cfg    ProviderConfig
	client *http.Client
	// prompt is sent as the consent-screen prompt. Google only issues a
	// refresh token on consent, so the default is "consent".
	prompt string
}

func NewGoogleExchanger(cfg ProviderConfig, prompt string) *GoogleExchanger {
	if cfg.AuthURL == "" {
		cfg.AuthURL = googleAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = googleTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"https://www.googleapis.com/auth/analytics.readonly"}
	}
	return &GoogleExchanger{cfg: cfg, client: cfg.httpClient(), prompt: prompt}
}

func (g *GoogleExchanger) Provider() oauth.Provider {
	return oauth.ProviderGoogleAnalytics
}

// oauthConfig is built per call so the redirect URI is never shared mutable state.
func (g *GoogleExchanger) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.cfg.ClientID,
		ClientSecret: g.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       g.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   g.cfg.AuthURL,
			TokenURL:  g.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (g *GoogleExchanger) AuthCodeURL(state, redirectURI, codeChallenge string) (string, error) {
	if !g.cfg.configured() {
		return "", oauth.NewError(oauth.KindConfiguration, g.Provider(), "auth_code_url", errors.New("google client id/secret not provisioned"))
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}
	if g.prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", g.prompt))
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return g.oauthConfig(redirectURI).AuthCodeURL(state, opts...), nil
}

const opExchangeCode = "exchange_authorization_code"

func (g *GoogleExchanger) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (oauth.TokenSet, error) {
	const op = opExchangeCode
	if !g.cfg.configured() {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindConfiguration, g.Provider(), op, errors.New("google client id/secret not provisioned"))
	}
	if strings.TrimSpace(code) == "" {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindInvalidGrant, g.Provider(), op, errors.New("authorization code is required"))
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := g.oauthConfig(redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return oauth.TokenSet{}, g.classify(op, err)
	}
	return g.tokenSet(tok), nil
}

func (g *GoogleExchanger) RefreshAccessToken(ctx context.Context, refreshToken string) (oauth.TokenSet, error) {
	const op = "refresh_access_token"
	if !g.cfg.configured() {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindConfiguration, g.Provider(), op, errors.New("google client id/secret not provisioned"))
	}
	if strings.TrimSpace(refreshToken) == "" {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindInvalidGrant, g.Provider(), op, errors.New("refresh token is required"))
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	// An empty access token forces the token source to hit the endpoint.
	src := g.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauth.TokenSet{}, g.classify(op, err)
	}
	set := g.tokenSet(tok)
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

func (g *GoogleExchanger) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	return context.WithTimeout(ctx, g.cfg.timeout())
}

func (g *GoogleExchanger) tokenSet(tok *oauth2.Token) oauth.TokenSet {
	set := oauth.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	switch {
	case tok.ExpiresIn > 0:
		set.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		set.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	if raw, ok := tok.Extra("scope").(string); ok {
		set.Scopes = oauth.ParseScopes(raw)
	}
	return set
}

// classify maps x/oauth2 failures onto the error taxonomy.
func (g *GoogleExchanger) classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return transportError(g.Provider(), op, err)
	}

	status := 0
	var header http.Header
	if re.Response != nil {
		status = re.Response.StatusCode
		header = re.Response.Header
	}
	cause := fmt.Errorf("google token endpoint status=%d code=%q: %s", status, re.ErrorCode, re.ErrorDescription)

	switch re.ErrorCode {
	case "invalid_grant", "redirect_uri_mismatch":
		return oauth.NewError(oauth.KindInvalidGrant, g.Provider(), op, cause)
	case "invalid_request":
		// On the callback this is a code or PKCE verifier that no longer
		// matches; the user recovers by connecting again.
		if op == opExchangeCode {
			return oauth.NewError(oauth.KindInvalidGrant, g.Provider(), op, cause)
		}
		return oauth.NewError(oauth.KindConfiguration, g.Provider(), op, cause)
	case "invalid_client", "unauthorized_client", "unsupported_grant_type", "invalid_scope":
		return oauth.NewError(oauth.KindConfiguration, g.Provider(), op, cause)
	case "rate_limit_exceeded", "slow_down":
		return oauth.RateLimitedError(g.Provider(), op, retryAfter(header, time.Now()), cause)
	case "temporarily_unavailable", "server_error", "internal_failure":
		return oauth.NewError(oauth.KindUpstreamUnavailable, g.Provider(), op, cause)
	}
	if status == 0 {
		return transportError(g.Provider(), op, cause)
	}
	return statusError(g.Provider(), op, status, header, cause)
}
