package oclient

import (
	"context"
	"net/url"
	"sync/atomic"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// MockExchanger provides customizable hooks for testing code that depends on
// an Exchanger.
type MockExchanger struct {
	ProviderName  oauth.Provider
	AuthCodeFunc  func(state, redirectURI, codeChallenge string) (string, error)
	ExchangeFunc  func(ctx context.Context, code, redirectURI, codeVerifier string) (oauth.TokenSet, error)
	RefreshFunc   func(ctx context.Context, refreshToken string) (oauth.TokenSet, error)
	exchangeCalls atomic.Int64
	refreshCalls  atomic.Int64
}

// Ensure MockExchanger implements Exchanger
var _ Exchanger = (*MockExchanger)(nil)

func (m *MockExchanger) Provider() oauth.Provider {
	return m.ProviderName
}

// AuthCodeURL calls AuthCodeFunc if set, otherwise returns a fake consent URL
func (m *MockExchanger) AuthCodeURL(state, redirectURI, codeChallenge string) (string, error) {
	if m.AuthCodeFunc != nil {
		return m.AuthCodeFunc(state, redirectURI, codeChallenge)
	}
	q := url.Values{"state": {state}, "redirect_uri": {redirectURI}}
	return "https://consent.invalid/" + string(m.ProviderName) + "?" + q.Encode(), nil
}

// ExchangeAuthorizationCode calls ExchangeFunc if set, otherwise returns an empty set
func (m *MockExchanger) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (oauth.TokenSet, error) {
	m.exchangeCalls.Add(1)
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, code, redirectURI, codeVerifier)
	}
	return oauth.TokenSet{}, nil
}

// RefreshAccessToken calls RefreshFunc if set, otherwise returns an empty set
func (m *MockExchanger) RefreshAccessToken(ctx context.Context, refreshToken string) (oauth.TokenSet, error) {
	m.refreshCalls.Add(1)
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return oauth.TokenSet{}, nil
}

func (m *MockExchanger) ExchangeCalls() int64 { return m.exchangeCalls.Load() }

func (m *MockExchanger) RefreshCalls() int64 { return m.refreshCalls.Load() }
