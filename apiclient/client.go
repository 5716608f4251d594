// Package apiclient calls the provider reporting APIs. Every call takes the
// access token explicitly; the clients never hold user credentials.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
	maxPages       = 20
)

// Account is a provider account the dashboard can report on.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Parent   string `json:"parent,omitempty"`
	Currency string `json:"currency,omitempty"`
	Status   string `json:"status,omitempty"`
}

type transport struct {
	provider   oauth.Provider
	httpClient *http.Client
	timeout    time.Duration
}

func newTransport(provider oauth.Provider, httpClient *http.Client, timeout time.Duration) transport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return transport{provider: provider, httpClient: httpClient, timeout: timeout}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// get issues an authenticated GET. Only transport failures are returned as
// errors; status handling is left to the caller.
func (t transport) get(ctx context.Context, op, accessToken, rawURL string) (response, error) {
	if accessToken == "" {
		return response{}, oauth.NewError(oauth.KindIntegrationRequired, t.provider, op, errors.New("empty access token"))
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return response{}, oauth.NewError(oauth.KindConfiguration, t.provider, op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return response{}, oauth.NewError(oauth.KindUpstreamUnavailable, t.provider, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, oauth.NewError(oauth.KindUpstreamUnavailable, t.provider, op, fmt.Errorf("read response: %w", err))
	}
	return response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func rejected(provider oauth.Provider, op string, cause error) error {
	return fmt.Errorf("%s %s: %w: %w", provider, op, oauth.ErrTokenRejected, cause)
}
