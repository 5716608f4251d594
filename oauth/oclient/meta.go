package oclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

const (
	metaGraphVersion = "v19.0"
	metaAuthURL      = "https://www.facebook.com/" + metaGraphVersion + "/dialog/oauth"
	metaTokenURL     = "https://graph.facebook.com/" + metaGraphVersion + "/oauth/access_token"

	maxTokenBody = 1 << 20
)

var _ Exchanger = &MetaExchanger{}

// MetaExchanger talks to the Graph OAuth endpoints. Meta does not issue
// refresh tokens; a code exchange is followed by a long-lived token exchange
// and the user has to reconnect once that expires.
type MetaExchanger struct {
	cfg      ProviderConfig
	client   *http.Client
	longLive bool
}

func NewMetaExchanger(cfg ProviderConfig, longLived bool) *MetaExchanger {
	if cfg.AuthURL == "" {
		cfg.AuthURL = metaAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = metaTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"ads_read", "business_management"}
	}
	return &MetaExchanger{cfg: cfg, client: cfg.httpClient(), longLive: longLived}
}

func (m *MetaExchanger) Provider() oauth.Provider {
	return oauth.ProviderMetaAds
}

// AuthCodeURL ignores codeChallenge; the Graph dialog has no PKCE support and
// the state value is the CSRF guard.
func (m *MetaExchanger) AuthCodeURL(state, redirectURI, _ string) (string, error) {
	if !m.cfg.configured() {
		return "", oauth.NewError(oauth.KindConfiguration, m.Provider(), "auth_code_url", errors.New("meta app id/secret not provisioned"))
	}
	u, err := url.Parse(m.cfg.AuthURL)
	if err != nil {
		return "", oauth.NewError(oauth.KindConfiguration, m.Provider(), "auth_code_url", err)
	}
	q := u.Query()
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(m.cfg.Scopes, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *MetaExchanger) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, _ string) (oauth.TokenSet, error) {
	const op = "exchange_authorization_code"
	if !m.cfg.configured() {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindConfiguration, m.Provider(), op, errors.New("meta app id/secret not provisioned"))
	}
	if strings.TrimSpace(code) == "" {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindInvalidGrant, m.Provider(), op, errors.New("authorization code is required"))
	}

	short, err := m.tokenRequest(ctx, op, url.Values{
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
		"redirect_uri":  {redirectURI},
		"code":          {code},
	})
	if err != nil {
		return oauth.TokenSet{}, err
	}
	if !m.longLive {
		return short, nil
	}

	long, err := m.tokenRequest(ctx, "exchange_long_lived", url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {m.cfg.ClientID},
		"client_secret":     {m.cfg.ClientSecret},
		"fb_exchange_token": {short.AccessToken},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return oauth.TokenSet{}, err
		}
		// The short-lived token is still good for about an hour.
		slog.WarnContext(ctx, "long-lived token exchange failed, keeping short-lived token",
			"module", "oclient",
			"provider", m.Provider(),
			"error", err,
		)
		return short, nil
	}
	return long, nil
}

// RefreshAccessToken always fails: Graph user tokens cannot be refreshed
// without the user.
func (m *MetaExchanger) RefreshAccessToken(_ context.Context, _ string) (oauth.TokenSet, error) {
	return oauth.TokenSet{}, oauth.NewError(oauth.KindInvalidGrant, m.Provider(), "refresh_access_token", errors.New("meta does not issue refresh tokens"))
}

type graphTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (m *MetaExchanger) tokenRequest(ctx context.Context, op string, params url.Values) (oauth.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	u, err := url.Parse(m.cfg.TokenURL)
	if err != nil {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindConfiguration, m.Provider(), op, err)
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindConfiguration, m.Provider(), op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return oauth.TokenSet{}, transportError(m.Provider(), op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return oauth.TokenSet{}, transportError(m.Provider(), op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return oauth.TokenSet{}, ClassifyGraphResponse(op, resp.StatusCode, resp.Header, body)
	}

	var tr graphTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindUpstreamUnavailable, m.Provider(), op, fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return oauth.TokenSet{}, oauth.NewError(oauth.KindUpstreamUnavailable, m.Provider(), op, errors.New("token response missing access_token"))
	}
	return oauth.TokenSet{
		AccessToken: tr.AccessToken,
		ExpiresIn:   time.Duration(tr.ExpiresIn) * time.Second,
		Scopes:      append([]string(nil), m.cfg.Scopes...),
	}, nil
}
