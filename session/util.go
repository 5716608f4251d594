package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/Seann-Moser/oauthbroker/utils"
)

var SameSite = http.SameSiteNoneMode
var UseDomain = false

func GetSession(ctx context.Context) (*UserSessionData, error) {
	v := ctx.Value(sessionKey)
	if v == nil {
		return nil, errors.New("no session in context")
	}
	u, ok := v.(*UserSessionData)
	if !ok {
		return nil, errors.New("invalid session type in context")
	}
	return u, nil
}

// Compute HMAC-SHA256 signature of a message using secret
func computeHMAC(message string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func validateHMAC(message, sig string, secret []byte) bool {
	expected := computeHMAC(message, secret)
	return hmac.Equal([]byte(sig), []byte(expected))
}

// SetSessionCookie signs the session data and sets it as an HTTP cookie
func SetSessionCookie(w http.ResponseWriter, u *UserSessionData, secret []byte) error {
	cookieValue, err := Encode(u, secret)
	if err != nil {
		return err
	}
	var expires time.Time
	if u.ExpiresAt > 0 {
		expires = time.Unix(u.ExpiresAt, 0)
	}
	c := &http.Cookie{
		Name:        sessionCookieName,
		Value:       cookieValue,
		Path:        "/",
		Expires:     expires,
		HttpOnly:    true,
		Secure:      true,
		SameSite:    SameSite,
		Partitioned: true,
	}
	if UseDomain {
		c.Domain = u.Domain
	}
	http.SetCookie(w, c)
	return nil
}

// ClearSessionCookie expires the session cookie immediately.
func ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	c := &http.Cookie{
		Name:        sessionCookieName,
		Value:       "",
		Path:        "/",
		Expires:     time.Unix(0, 0),
		MaxAge:      -1,
		HttpOnly:    true,
		Secure:      true,
		SameSite:    SameSite,
		Partitioned: true,
	}
	if UseDomain {
		c.Domain = utils.GetDomain(r)
	}
	http.SetCookie(w, c)
}
