package oauth

import (
	"strings"
	"time"
)

// Credential is the durable record of a user's grant for one provider.
// There is at most one per (UserID, Provider).
type Credential struct {
	UserID       int64
	Provider     Provider
	RefreshToken string // empty when the provider issued none (Meta) or it was omitted on re-consent
	AccessToken  string
	ExpiresAt    time.Time // zero when the provider reported no expiry
	Scopes       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanRefresh reports whether the credential can be renewed without the user.
func (c Credential) CanRefresh() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

// Expired treats tokens that expire within skew as already expired so callers
// never receive a token that dies mid-request.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Usable reports whether the stored access token can be handed out as is.
func (c Credential) Usable(now time.Time, skew time.Duration) bool {
	return strings.TrimSpace(c.AccessToken) != "" && !c.Expired(now, skew)
}

// Remaining returns the token lifetime left at now, or zero when unknown or spent.
func (c Credential) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Cached builds the cache envelope for the credential's access token.
func (c Credential) Cached() CachedToken {
	return CachedToken{
		AccessToken: c.AccessToken,
		ExpiresAt:   c.ExpiresAt,
		Scopes:      c.Scopes,
	}
}

// CachedToken is the only shape ever written to the token cache.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes,omitempty"`
}

func (t CachedToken) Valid(now time.Time, skew time.Duration) bool {
	if strings.TrimSpace(t.AccessToken) == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// TokenSet is what a provider token endpoint hands back.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

// ExpiresAt converts the relative lifetime into an absolute timestamp.
func (t TokenSet) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(t.ExpiresIn).UTC()
}

// AuthorizationState is kept server side between StartAuthorization and the
// provider callback.
type AuthorizationState struct {
	UserID       int64     `json:"user_id"`
	Provider     Provider  `json:"provider"`
	RedirectURI  string    `json:"redirect_uri"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ParseScopes splits a grant string on spaces and commas. Google uses the
// former, Meta the latter.
func ParseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScopes is the inverse of ParseScopes used for storage.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
