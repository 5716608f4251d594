package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Seann-Moser/oauthbroker/utils"
)

var ErrUnauthenticated = errors.New("no valid session")

// Client verifies dashboard sessions signed with the secret shared with the
// dashboard. Cookie sessions past half their lifetime are re-issued, and
// rejected cookies are cleared.
type Client struct {
	ttl    time.Duration
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(logger *slog.Logger, secret []byte, sessionTTL time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Client{
		ttl:    sessionTTL,
		secret: secret,
		logger: logger,
		now:    time.Now,
	}
}

// Authenticate resolves the session from the cookie, falling back to a signed
// session value in the Authorization header for service callers.
func (c *Client) Authenticate(r *http.Request) (*UserSessionData, error) {
	u, _, err := c.authenticate(r)
	return u, err
}

func (c *Client) authenticate(r *http.Request) (*UserSessionData, bool, error) {
	raw, fromCookie := "", false
	if ck, err := r.Cookie(sessionCookieName); err == nil {
		raw, fromCookie = ck.Value, true
	} else if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		raw = strings.TrimSpace(authHeader[7:])
	}
	if raw == "" {
		return nil, fromCookie, ErrUnauthenticated
	}
	u, err := decode(raw, c.secret, c.now())
	if err != nil {
		return nil, fromCookie, errors.Join(ErrUnauthenticated, err)
	}
	if !u.SignedIn || u.UserID <= 0 {
		return nil, fromCookie, ErrUnauthenticated
	}
	return u, fromCookie, nil
}

// Issue signs a session for userID and sets it on the response.
func (c *Client) Issue(w http.ResponseWriter, r *http.Request, userID int64) (*UserSessionData, error) {
	u := &UserSessionData{
		UserID:    userID,
		SignedIn:  true,
		ExpiresAt: c.now().Add(c.ttl).Unix(),
		Domain:    utils.GetDomain(r),
	}
	if err := SetSessionCookie(w, u, c.secret); err != nil {
		return nil, err
	}
	return u, nil
}

// Middleware attaches the session to the request context. Requests without a
// valid session are handed to unauthorized.
func (c *Client) Middleware(unauthorized func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, fromCookie, err := c.authenticate(r)
			if err != nil {
				c.logger.DebugContext(r.Context(), "session rejected",
					"module", "session",
					"path", r.URL.Path,
					"error", err,
				)
				if fromCookie {
					ClearSessionCookie(w, r)
				}
				unauthorized(w, r, err)
				return
			}
			if fromCookie && c.needsRenewal(u) {
				if renewed, err := c.Issue(w, r, u.UserID); err != nil {
					c.logger.WarnContext(r.Context(), "session renewal failed", "module", "session", "error", err)
				} else {
					u = renewed
				}
			}
			next.ServeHTTP(w, r.WithContext(u.WithContext(r.Context())))
		})
	}
}

func (c *Client) needsRenewal(u *UserSessionData) bool {
	remaining := time.Unix(u.ExpiresAt, 0).Sub(c.now())
	return remaining < c.ttl/2
}
