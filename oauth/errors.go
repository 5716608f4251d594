package oauth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies every failure the broker surfaces. Callers branch on the
// kind, never on provider payloads or message text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindIntegrationRequired: no usable credential; the user must reconnect.
	KindIntegrationRequired
	// KindInvalidGrant: the provider rejected a code or refresh token.
	KindInvalidGrant
	// KindConfiguration: client id/secret missing or rejected.
	KindConfiguration
	// KindUpstreamUnavailable: network failure, timeout or 5xx.
	KindUpstreamUnavailable
	// KindRateLimited: provider throttling; see RetryAfter.
	KindRateLimited
	// KindStorage: durable store unreachable.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindIntegrationRequired:
		return "integration_required"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindConfiguration:
		return "configuration_error"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same request may succeed later without user action.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamUnavailable, KindRateLimited, KindStorage:
		return true
	default:
		return false
	}
}

// NeedsReconnect reports whether the user has to go through the consent screen again.
func (k Kind) NeedsReconnect() bool {
	return k == KindIntegrationRequired || k == KindInvalidGrant
}

// Error carries a Kind plus enough context for logs.
type Error struct {
	Kind       Kind
	Provider   Provider
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Provider))
		b.WriteString(")")
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare kind sentinels below, so errors.Is(err, ErrRateLimited)
// holds for any rate-limited error regardless of provider or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Provider == "" && t.Kind == e.Kind
}

var (
	ErrIntegrationRequired = &Error{Kind: KindIntegrationRequired}
	ErrInvalidGrant        = &Error{Kind: KindInvalidGrant}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrStorage             = &Error{Kind: KindStorage}
)

var (
	// ErrNotFound is returned by credential stores when no row exists.
	ErrNotFound = errors.New("credential not found")
	// ErrCacheMiss is returned by the token cache when the key is absent.
	ErrCacheMiss = errors.New("token not cached")
	// ErrTokenRejected is returned by provider API clients on a 401 so the
	// broker can drop the cached token.
	ErrTokenRejected = errors.New("access token rejected by provider")
	// ErrInvalidState is wrapped when an authorization callback carries an
	// unknown, reused or mismatched state value.
	ErrInvalidState = errors.New("invalid authorization state")
)

// NewError builds a classified error.
func NewError(kind Kind, provider Provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// RateLimitedError builds a KindRateLimited error with a retry hint.
func RateLimitedError(provider Provider, op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the kind from anywhere in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the provider's suggested delay, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
