package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
)

const DefaultAnalyticsAdminURL = "https://analyticsadmin.googleapis.com/v1beta"

type PropertySummary struct {
	Property     string `json:"property"`
	DisplayName  string `json:"displayName"`
	PropertyType string `json:"propertyType"`
	Parent       string `json:"parent"`
}

type AccountSummary struct {
	Name              string            `json:"name"`
	Account           string            `json:"account"`
	DisplayName       string            `json:"displayName"`
	PropertySummaries []PropertySummary `json:"propertySummaries"`
}

// AnalyticsAdminClient reads account and property listings from the Google
// Analytics Admin API.
type AnalyticsAdminClient struct {
	baseURL string
	t       transport
}

func NewAnalyticsAdminClient(baseURL string, httpClient *http.Client, timeout time.Duration) *AnalyticsAdminClient {
	if baseURL == "" {
		baseURL = DefaultAnalyticsAdminURL
	}
	return &AnalyticsAdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		t:       newTransport(oauth.ProviderGoogleAnalytics, httpClient, timeout),
	}
}

func (c *AnalyticsAdminClient) ListAccountSummaries(ctx context.Context, accessToken string) ([]AccountSummary, error) {
	const op = "list_account_summaries"
	var (
		out       []AccountSummary
		pageToken string
	)
	for page := 0; page < maxPages; page++ {
		q := url.Values{"pageSize": {"200"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		resp, err := c.t.get(ctx, op, accessToken, c.baseURL+"/accountSummaries?"+q.Encode())
		if err != nil {
			return nil, err
		}
		if resp.status < 200 || resp.status >= 300 {
			return nil, googleError(op, resp)
		}
		var body struct {
			AccountSummaries []AccountSummary `json:"accountSummaries"`
			NextPageToken    string           `json:"nextPageToken"`
		}
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return nil, oauth.NewError(oauth.KindUpstreamUnavailable, oauth.ProviderGoogleAnalytics, op, fmt.Errorf("decode account summaries: %w", err))
		}
		out = append(out, body.AccountSummaries...)
		if body.NextPageToken == "" {
			break
		}
		pageToken = body.NextPageToken
	}
	return out, nil
}

// ListAccounts flattens account summaries into their properties.
func (c *AnalyticsAdminClient) ListAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	summaries, err := c.ListAccountSummaries(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	var out []Account
	for _, s := range summaries {
		for _, p := range s.PropertySummaries {
			out = append(out, Account{
				ID:     p.Property,
				Name:   p.DisplayName,
				Kind:   "property",
				Parent: s.Account,
			})
		}
	}
	return out, nil
}

// googleError maps the Google API error envelope.
func googleError(op string, resp response) error {
	const provider = oauth.ProviderGoogleAnalytics
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.body, &envelope)
	cause := fmt.Errorf("google status %d %s: %s", resp.status, envelope.Error.Status, envelope.Error.Message)

	switch {
	case resp.status == http.StatusUnauthorized || envelope.Error.Status == "UNAUTHENTICATED":
		return rejected(provider, op, cause)
	case resp.status == http.StatusTooManyRequests || envelope.Error.Status == "RESOURCE_EXHAUSTED":
		return oauth.RateLimitedError(provider, op, oclient.RetryAfter(resp.header), cause)
	case resp.status >= 500:
		return oauth.NewError(oauth.KindUpstreamUnavailable, provider, op, cause)
	case resp.status == http.StatusForbidden:
		// missing scope or access removed; only a new consent fixes it
		return oauth.NewError(oauth.KindIntegrationRequired, provider, op, cause)
	default:
		return oauth.NewError(oauth.KindConfiguration, provider, op, cause)
	}
}
