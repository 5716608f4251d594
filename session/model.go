package session

import (
	"context"
)

type contextKey string

const (
	sessionKey contextKey = "USER_SESSION_DATA"
)
const sessionCookieName = "session"

// UserSessionData identifies the dashboard user behind a request.
type UserSessionData struct {
	UserID    int64  `json:"user_id"`
	SignedIn  bool   `json:"signed_in"`
	ExpiresAt int64  `json:"expires_at"`
	Domain    string `json:"domain,omitempty"`
}

// WithContext attaches session data to context
func (u *UserSessionData) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey, u)
}

// UserID returns the signed-in user attached to ctx.
func UserID(ctx context.Context) (int64, bool) {
	u, err := GetSession(ctx)
	if err != nil || !u.SignedIn || u.UserID <= 0 {
		return 0, false
	}
	return u.UserID, true
}
