package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
)

const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// AdAccount is a Meta ad account visible to the token's user.
type AdAccount struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Name          string `json:"name"`
	AccountStatus int    `json:"account_status"`
	Currency      string `json:"currency"`
}

// MetaClient reads from the Graph API.
type MetaClient struct {
	baseURL string
	t       transport
}

func NewMetaClient(baseURL string, httpClient *http.Client, timeout time.Duration) *MetaClient {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	return &MetaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		t:       newTransport(oauth.ProviderMetaAds, httpClient, timeout),
	}
}

// ListAdAccounts follows Graph paging until exhausted.
func (c *MetaClient) ListAdAccounts(ctx context.Context, accessToken string) ([]AdAccount, error) {
	const op = "list_ad_accounts"
	next := c.baseURL + "/me/adaccounts?" + url.Values{
		"fields": {"id,account_id,name,account_status,currency"},
		"limit":  {"100"},
	}.Encode()

	var out []AdAccount
	for page := 0; next != "" && page < maxPages; page++ {
		resp, err := c.t.get(ctx, op, accessToken, next)
		if err != nil {
			return nil, err
		}
		if resp.status < 200 || resp.status >= 300 {
			return nil, graphError(op, resp)
		}
		var body struct {
			Data   []AdAccount `json:"data"`
			Paging struct {
				Next string `json:"next"`
			} `json:"paging"`
		}
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return nil, oauth.NewError(oauth.KindUpstreamUnavailable, oauth.ProviderMetaAds, op, fmt.Errorf("decode ad accounts: %w", err))
		}
		out = append(out, body.Data...)
		next = body.Paging.Next
	}
	return out, nil
}

func (c *MetaClient) ListAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	accounts, err := c.ListAdAccounts(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, Account{
			ID:       a.ID,
			Name:     a.Name,
			Kind:     "ad_account",
			Currency: a.Currency,
			Status:   metaAccountStatus(a.AccountStatus),
		})
	}
	return out, nil
}

// graphError turns a failed Graph response into a broker error. An invalid
// or expired token is reported as a rejection so the caller can retry with a
// fresh one.
func graphError(op string, resp response) error {
	err := oclient.ClassifyGraphResponse(op, resp.status, resp.header, resp.body)
	var ge *oclient.GraphError
	if resp.status == http.StatusUnauthorized || (errors.As(err, &ge) && ge.Code == 190) {
		return rejected(oauth.ProviderMetaAds, op, err)
	}
	if oauth.KindOf(err) == oauth.KindInvalidGrant {
		// Outside the token endpoint a 4xx means a bad request, not a bad grant.
		var e *oauth.Error
		if errors.As(err, &e) {
			return oauth.NewError(oauth.KindConfiguration, oauth.ProviderMetaAds, op, e.Err)
		}
	}
	return err
}

func metaAccountStatus(code int) string {
	switch code {
	case 1:
		return "active"
	case 2:
		return "disabled"
	case 3:
		return "unsettled"
	case 7:
		return "pending_risk_review"
	case 9:
		return "in_grace_period"
	case 101:
		return "closed"
	default:
		return "unknown"
	}
}
