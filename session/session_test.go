package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHMAC(t *testing.T) {
	secret := []byte("mysecret")
	msg := "hello"
	sig := computeHMAC(msg, secret)
	if !validateHMAC(msg, sig, secret) {
		t.Errorf("validateHMAC failed for valid signature")
	}
	if validateHMAC(msg, sig+"bad", secret) {
		t.Errorf("validateHMAC passed for invalid signature")
	}
	if validateHMAC(msg, sig, []byte("other")) {
		t.Errorf("validateHMAC passed with the wrong secret")
	}
}

func TestCookieRoundTrip(t *testing.T) {
	secret := []byte("mysessionsecret")
	u := &UserSessionData{
		UserID:    123,
		SignedIn:  true,
		ExpiresAt: time.Now().Add(1 * time.Hour).Unix(),
	}
	rr := httptest.NewRecorder()
	if err := SetSessionCookie(rr, u, secret); err != nil {
		t.Fatalf("SetSessionCookie error: %v", err)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no cookie set")
	}
	if !cookies[0].HttpOnly || !cookies[0].Secure {
		t.Errorf("cookie flags = %+v", cookies[0])
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(cookies[0])
	got, err := NewClient(nil, secret, time.Hour).Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if got.UserID != u.UserID || !got.SignedIn {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	secret := []byte("s")
	now := time.Now()
	valid, _ := Encode(&UserSessionData{UserID: 1, SignedIn: true, ExpiresAt: now.Add(time.Hour).Unix()}, secret)
	expired, _ := Encode(&UserSessionData{UserID: 1, SignedIn: true, ExpiresAt: now.Add(-time.Hour).Unix()}, secret)

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"no separator", "abc", ErrMalformed},
		{"extra separator", valid + "|x", ErrMalformed},
		{"bad signature", valid[:len(valid)-2] + "AA", ErrSignature},
		{"expired", expired, ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decode(tt.raw, secret, now); !errors.Is(err, tt.want) {
				t.Errorf("decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestContextSession(t *testing.T) {
	u := &UserSessionData{UserID: 7, SignedIn: true}
	ctx := u.WithContext(context.Background())
	got, err := GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got.UserID != u.UserID {
		t.Errorf("expected %d, got %d", u.UserID, got.UserID)
	}
	if id, ok := UserID(ctx); !ok || id != 7 {
		t.Errorf("UserID() = %d, %v", id, ok)
	}
	if _, err = GetSession(context.Background()); err == nil {
		t.Errorf("expected error for missing session in context")
	}
	if _, ok := UserID(context.Background()); ok {
		t.Errorf("UserID() reported a user for an empty context")
	}
}

func TestAuthenticate(t *testing.T) {
	secret := []byte("secret")
	client := NewClient(nil, secret, time.Hour)

	rr := httptest.NewRecorder()
	if _, err := client.Issue(rr, httptest.NewRequest("GET", "/", nil), 42); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	cookie := rr.Result().Cookies()[0]

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.AddCookie(cookie)
		u, err := client.Authenticate(req)
		if err != nil || u.UserID != 42 {
			t.Fatalf("Authenticate() = %+v, %v", u, err)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+cookie.Value)
		u, err := client.Authenticate(req)
		if err != nil || u.UserID != 42 {
			t.Fatalf("Authenticate() = %+v, %v", u, err)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		_, err := client.Authenticate(httptest.NewRequest("GET", "/", nil))
		if !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("signed out", func(t *testing.T) {
		raw, _ := Encode(&UserSessionData{UserID: 42, ExpiresAt: time.Now().Add(time.Hour).Unix()}, secret)
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		if _, err := client.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("forged", func(t *testing.T) {
		raw, _ := Encode(&UserSessionData{UserID: 1, SignedIn: true, ExpiresAt: time.Now().Add(time.Hour).Unix()}, []byte("other"))
		req := httptest.NewRequest("GET", "/", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: raw})
		_, err := client.Authenticate(req)
		if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrSignature) {
			t.Fatalf("expected signature failure, got %v", err)
		}
	})
}

func TestMiddleware(t *testing.T) {
	secret := []byte("secret")
	client := NewClient(nil, secret, time.Hour)
	var seen int64
	h := client.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}

	raw, _ := Encode(&UserSessionData{UserID: 9, SignedIn: true, ExpiresAt: time.Now().Add(time.Hour).Unix()}, secret)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || seen != 9 {
		t.Errorf("status = %d, user = %d", rr.Code, seen)
	}
}

func TestMiddlewareRenewsAgingCookie(t *testing.T) {
	secret := []byte("secret")
	client := NewClient(nil, secret, time.Hour)
	h := client.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve := func(expiresIn time.Duration) *http.Response {
		raw, _ := Encode(&UserSessionData{UserID: 5, SignedIn: true, ExpiresAt: time.Now().Add(expiresIn).Unix()}, secret)
		req := httptest.NewRequest("GET", "/", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: raw})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Result()
	}

	if cookies := serve(50 * time.Minute).Cookies(); len(cookies) != 0 {
		t.Errorf("fresh session re-issued: %+v", cookies)
	}

	resp := serve(10 * time.Minute)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cookies := resp.Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName {
		t.Fatalf("expected a renewed session cookie, got %+v", cookies)
	}
	u, err := decode(cookies[0].Value, secret, time.Now())
	if err != nil {
		t.Fatalf("decode renewed cookie: %v", err)
	}
	if u.UserID != 5 || time.Until(time.Unix(u.ExpiresAt, 0)) < 55*time.Minute {
		t.Errorf("renewed session = %+v", u)
	}
}

func TestMiddlewareBearerIsNotRenewed(t *testing.T) {
	secret := []byte("secret")
	client := NewClient(nil, secret, time.Hour)
	h := client.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	raw, _ := Encode(&UserSessionData{UserID: 5, SignedIn: true, ExpiresAt: time.Now().Add(time.Minute).Unix()}, secret)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if cookies := rr.Result().Cookies(); len(cookies) != 0 {
		t.Errorf("bearer caller got cookies: %+v", cookies)
	}
}

func TestMiddlewareClearsRejectedCookie(t *testing.T) {
	secret := []byte("secret")
	client := NewClient(nil, secret, time.Hour)
	h := client.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	expired, _ := Encode(&UserSessionData{UserID: 5, SignedIn: true, ExpiresAt: time.Now().Add(-time.Minute).Unix()}, secret)
	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: expired})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value != "" || cookies[0].MaxAge >= 0 {
		t.Errorf("expected the session cookie to be cleared, got %+v", cookies)
	}

	// anonymous requests carry no cookie to clear
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if cookies := rr.Result().Cookies(); len(cookies) != 0 {
		t.Errorf("anonymous request got cookies: %+v", cookies)
	}
}

func TestClearSessionCookieDomain(t *testing.T) {
	UseDomain = true
	defer func() { UseDomain = false }()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rr := httptest.NewRecorder()
	ClearSessionCookie(rr, req)
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Domain != "example.com" {
		t.Errorf("cookies = %+v", cookies)
	}
}
