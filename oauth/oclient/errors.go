package oclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

const defaultRateLimitHint = time.Minute

// transportError classifies failures that never produced a provider response,
// cancellation included. A timeout is not evidence that the grant is bad.
func transportError(provider oauth.Provider, op string, err error) error {
	return oauth.NewError(oauth.KindUpstreamUnavailable, provider, op, err)
}

// statusError classifies a non-2xx response when the body gave nothing better.
func statusError(provider oauth.Provider, op string, status int, header http.Header, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return oauth.RateLimitedError(provider, op, retryAfter(header, time.Now()), cause)
	case status >= 500:
		return oauth.NewError(oauth.KindUpstreamUnavailable, provider, op, cause)
	case status == http.StatusUnauthorized:
		return oauth.NewError(oauth.KindConfiguration, provider, op, cause)
	default:
		return oauth.NewError(oauth.KindInvalidGrant, provider, op, cause)
	}
}

// retryAfter reads a Retry-After header in either delta-seconds or HTTP-date
// form and falls back to a conservative default.
func retryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return defaultRateLimitHint
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return defaultRateLimitHint
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRateLimitHint
}

// GraphError is the error envelope returned by the Meta Graph API.
type GraphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph error code=%d subcode=%d type=%s: %s", e.Code, e.ErrorSubcode, e.Type, e.Message)
}

// Graph error codes that mean the app or user is being throttled.
func graphRateLimited(code int) bool {
	switch code {
	case 4, 17, 32, 613:
		return true
	}
	return code >= 80000 && code <= 80014
}

// ClassifyGraphResponse maps a failed Graph response onto the error taxonomy.
// It is shared by the token exchanger and the Graph API client.
func ClassifyGraphResponse(op string, status int, header http.Header, body []byte) error {
	const provider = oauth.ProviderMetaAds

	var envelope struct {
		Error *GraphError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return statusError(provider, op, status, header, fmt.Errorf("graph status %d: %s", status, truncate(body)))
	}
	ge := envelope.Error
	switch {
	case graphRateLimited(ge.Code):
		return oauth.RateLimitedError(provider, op, graphRetryAfter(header), ge)
	case ge.Code == 190 || ge.Code == 100 || ge.Code == 191:
		// 190 expired/revoked token, 100 bad or used code, 191 redirect mismatch
		return oauth.NewError(oauth.KindInvalidGrant, provider, op, ge)
	case ge.Code == 101:
		return oauth.NewError(oauth.KindConfiguration, provider, op, ge)
	case ge.Code == 1 || ge.Code == 2:
		return oauth.NewError(oauth.KindUpstreamUnavailable, provider, op, ge)
	default:
		return statusError(provider, op, status, header, ge)
	}
}

// graphRetryAfter reads the business use case usage header Meta attaches to
// throttled responses.
func graphRetryAfter(header http.Header) time.Duration {
	raw := header.Get("X-Business-Use-Case-Usage")
	if raw == "" {
		return retryAfter(header, time.Now())
	}
	var usage map[string][]struct {
		EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
	}
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		return defaultRateLimitHint
	}
	var longest int
	for _, entries := range usage {
		for _, e := range entries {
			if e.EstimatedTimeToRegainAccess > longest {
				longest = e.EstimatedTimeToRegainAccess
			}
		}
	}
	if longest <= 0 {
		return defaultRateLimitHint
	}
	return time.Duration(longest) * time.Minute
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

// RetryAfter is the throttling hint carried by a provider response.
func RetryAfter(header http.Header) time.Duration {
	return retryAfter(header, time.Now())
}
