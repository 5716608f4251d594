package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Seann-Moser/oauthbroker/apiclient"
	"github.com/Seann-Moser/oauthbroker/broker"
	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/session"
)

var errUnknownProvider = errors.New("unknown provider")

const ctxKeyProvider ctxKey = "provider"

func providerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provider, err := oauth.ParseProvider(chi.URLParam(r, "provider"))
		if err != nil {
			writeMappedError(r.Context(), w, "resolve_provider", fmt.Errorf("%w: %w", errUnknownProvider, err))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyProvider, provider)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated user and the provider in the path.
func caller(r *http.Request) (int64, oauth.Provider, bool) {
	userID, ok := session.UserID(r.Context())
	provider, _ := r.Context().Value(ctxKeyProvider).(oauth.Provider)
	return userID, provider, ok && provider != ""
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range h.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		httpLogger().WarnContext(r.Context(), "readiness check failed",
			"operation", "readyz",
			"outcome", "failure",
			"failed", failed,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "error",
			"code":   "not_ready",
			"failed": failed,
		})
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := caller(r)
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	req, err := h.broker.StartAuthorization(r.Context(), userID, provider)
	if err != nil {
		writeMappedError(r.Context(), w, "start_authorization", err)
		return
	}
	if r.URL.Query().Get("redirect") == "1" {
		http.Redirect(w, r, req.URL, http.StatusFound)
		return
	}
	writeSuccess(w, http.StatusOK, req)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := caller(r)
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		// the user declined on the consent screen
		httpLogger().InfoContext(r.Context(), "consent declined",
			"operation", "complete_authorization",
			"outcome", "declined",
			"provider", provider,
			"user_id", userID,
			"reason", denied,
		)
		h.finishCallback(w, r, provider, http.StatusBadRequest, "consent_declined", "authorization was declined")
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		h.finishCallback(w, r, provider, http.StatusBadRequest, "validation_error", "code and state are required")
		return
	}
	if err := h.broker.CompleteAuthorization(r.Context(), userID, provider, code, state); err != nil {
		status, errCode, msg := mapError(err)
		if h.returnURL == "" {
			writeMappedError(r.Context(), w, "complete_authorization", err)
			return
		}
		httpLogger().WarnContext(r.Context(), "http operation failed",
			"operation", "complete_authorization",
			"outcome", "failure",
			"status_code", status,
			"error_code", errCode,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		h.finishCallback(w, r, provider, status, errCode, msg)
		return
	}
	h.finishCallback(w, r, provider, http.StatusOK, "", "")
}

// finishCallback reports the outcome of the flow, either as JSON or by
// sending the browser back to the dashboard.
func (h *Handler) finishCallback(w http.ResponseWriter, r *http.Request, provider oauth.Provider, status int, code, message string) {
	if h.returnURL != "" {
		u, err := url.Parse(h.returnURL)
		if err == nil {
			q := u.Query()
			q.Set("integration", provider.String())
			if code == "" {
				q.Set("status", "connected")
			} else {
				q.Set("status", "error")
				q.Set("code", code)
			}
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.String(), http.StatusFound)
			return
		}
	}
	if code != "" {
		writeError(w, status, code, message)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"provider":  provider,
		"connected": true,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := caller(r)
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	st, err := h.broker.Status(r.Context(), userID, provider)
	if err != nil {
		writeMappedError(r.Context(), w, "integration_status", err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

// listIntegrations reports the status of every configured provider for the
// caller.
func (h *Handler) listIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, ok := session.UserID(r.Context())
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	out := make([]broker.IntegrationStatus, 0, len(h.providers))
	for _, provider := range h.providers {
		st, err := h.broker.Status(r.Context(), userID, provider)
		if err != nil {
			writeMappedError(r.Context(), w, "list_integrations", err)
			return
		}
		out = append(out, st)
	}
	writeSuccess(w, http.StatusOK, out)
}

func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := caller(r)
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	tok, err := h.broker.Token(r.Context(), userID, provider)
	if err != nil {
		writeMappedError(r.Context(), w, "get_valid_access_token", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeSuccess(w, http.StatusOK, tok)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := caller(r)
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	if err := h.broker.Disconnect(r.Context(), userID, provider); err != nil {
		writeMappedError(r.Context(), w, "disconnect", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"provider":  provider,
		"connected": false,
	})
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := caller(r)
	if !ok {
		unauthorized(w, r, nil)
		return
	}
	lister, found := h.accounts[provider]
	if !found {
		writeError(w, http.StatusNotImplemented, "not_implemented", "account listing is not available for this provider")
		return
	}
	var accounts []apiclient.Account
	err := h.broker.WithAccessToken(r.Context(), userID, provider, func(ctx context.Context, accessToken string) error {
		var err error
		accounts, err = lister.ListAccounts(ctx, accessToken)
		return err
	})
	if err != nil {
		writeMappedError(r.Context(), w, "list_accounts", err)
		return
	}
	if accounts == nil {
		accounts = []apiclient.Account{}
	}
	writeSuccess(w, http.StatusOK, accounts)
}
