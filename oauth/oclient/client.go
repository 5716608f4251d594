package oclient

import (
	"context"
	"fmt"
	"sort"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// Exchanger talks to one provider's OAuth endpoints. Implementations are
// stateless: they hold client configuration, never user tokens.
type Exchanger interface {
	Provider() oauth.Provider

	// AuthCodeURL builds the consent screen URL. codeChallenge may be ignored
	// by providers without PKCE support.
	AuthCodeURL(state, redirectURI, codeChallenge string) (string, error)

	// ExchangeAuthorizationCode trades a one-time code for tokens. redirectURI
	// must be the exact value used when building the consent URL.
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (oauth.TokenSet, error)

	// RefreshAccessToken returns a fresh access token. A revoked refresh token
	// fails with oauth.KindInvalidGrant.
	RefreshAccessToken(ctx context.Context, refreshToken string) (oauth.TokenSet, error)
}

// Registry resolves the exchanger for a provider.
type Registry struct {
	exchangers map[oauth.Provider]Exchanger
}

func NewRegistry(exchangers ...Exchanger) *Registry {
	r := &Registry{exchangers: make(map[oauth.Provider]Exchanger, len(exchangers))}
	for _, ex := range exchangers {
		r.exchangers[ex.Provider()] = ex
	}
	return r
}

// Get returns the exchanger for provider, or a configuration error when the
// provider was never wired.
func (r *Registry) Get(provider oauth.Provider) (Exchanger, error) {
	ex, ok := r.exchangers[provider]
	if !ok {
		return nil, oauth.NewError(oauth.KindConfiguration, provider, "resolve_exchanger", fmt.Errorf("no exchanger registered for %s", provider))
	}
	return ex, nil
}

func (r *Registry) Providers() []oauth.Provider {
	out := make([]oauth.Provider, 0, len(r.exchangers))
	for p := range r.exchangers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
