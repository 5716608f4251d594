// Package api exposes the broker over HTTP for the dashboard and internal
// reporting jobs.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Seann-Moser/oauthbroker/apiclient"
	"github.com/Seann-Moser/oauthbroker/broker"
	"github.com/Seann-Moser/oauthbroker/oauth"
)

// TokenBroker is the part of *broker.Broker the HTTP surface needs.
type TokenBroker interface {
	StartAuthorization(ctx context.Context, userID int64, provider oauth.Provider) (broker.AuthorizationRequest, error)
	CompleteAuthorization(ctx context.Context, userID int64, provider oauth.Provider, code, state string) error
	Status(ctx context.Context, userID int64, provider oauth.Provider) (broker.IntegrationStatus, error)
	Token(ctx context.Context, userID int64, provider oauth.Provider) (oauth.CachedToken, error)
	WithAccessToken(ctx context.Context, userID int64, provider oauth.Provider, fn func(ctx context.Context, accessToken string) error) error
	Disconnect(ctx context.Context, userID int64, provider oauth.Provider) error
}

type AccountLister interface {
	ListAccounts(ctx context.Context, accessToken string) ([]apiclient.Account, error)
}

// Authenticator wraps handlers that need a signed-in user.
type Authenticator interface {
	Middleware(unauthorized func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Options struct {
	Broker   TokenBroker
	Accounts map[oauth.Provider]AccountLister
	// ReturnURL, when set, is where the callback sends the browser after the
	// flow finishes. Otherwise the callback answers with JSON.
	ReturnURL string
	Ready     map[string]ReadyCheck
	// Providers are the integrations listed by GET /integrations.
	Providers []oauth.Provider
}

type Handler struct {
	broker    TokenBroker
	accounts  map[oauth.Provider]AccountLister
	returnURL string
	ready     map[string]ReadyCheck
	providers []oauth.Provider
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		broker:    opts.Broker,
		accounts:  opts.Accounts,
		returnURL: opts.ReturnURL,
		ready:     opts.Ready,
		providers: opts.Providers,
	}
}

// NewRouter registers the routes and middleware stack.
func NewRouter(handler *Handler, sessions Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.With(sessions.Middleware(unauthorized)).Get("/integrations", handler.listIntegrations)
	r.Route("/integrations/{provider}", func(r chi.Router) {
		r.Use(sessions.Middleware(unauthorized))
		r.Use(providerMiddleware)
		r.Get("/", handler.status)
		r.Delete("/", handler.disconnect)
		r.Get("/authorize", handler.authorize)
		r.Get("/callback", handler.callback)
		r.Post("/token", handler.token)
		r.Get("/accounts", handler.listAccounts)
	})
	return r
}

func unauthorized(w http.ResponseWriter, _ *http.Request, _ error) {
	writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid session")
}
