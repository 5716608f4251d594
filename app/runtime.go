// Package app wires configuration, storage, the broker and its servers into
// a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Seann-Moser/oauthbroker/api"
	"github.com/Seann-Moser/oauthbroker/apiclient"
	"github.com/Seann-Moser/oauthbroker/broker"
	"github.com/Seann-Moser/oauthbroker/cache"
	"github.com/Seann-Moser/oauthbroker/config"
	"github.com/Seann-Moser/oauthbroker/oauth"
	"github.com/Seann-Moser/oauthbroker/oauth/oclient"
	"github.com/Seann-Moser/oauthbroker/session"
	"github.com/Seann-Moser/oauthbroker/store"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	broker     *broker.Broker
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	health     *health.Server
	worker     *broker.RefreshWorker
	cleanupFn  func(context.Context)
}

// NewRuntime loads configuration from configPath and the environment and
// connects every dependency.
func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return newRuntime(ctx, cfg, logger)
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	logger.Info("bootstrapping oauth broker",
		"service", cfg.ServiceID,
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"store", cfg.StoreDriver,
	)

	sealer, err := store.NewSealer(cfg.TokenSealKey)
	if err != nil {
		return nil, fmt.Errorf("token seal key: %w", err)
	}
	if !sealer.Enabled() {
		logger.Warn("TOKEN_SEAL_KEY not set, tokens are stored unencrypted")
	}

	credentials, err := openStore(ctx, cfg, sealer)
	if err != nil {
		return nil, err
	}

	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		credentials.close(ctx)
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	registry := newRegistry(cfg)
	b, err := broker.New(broker.Deps{
		Store:      credentials.store,
		Cache:      cache.NewTokenCache(redisClient),
		States:     cache.NewStateStore(redisClient),
		Locker:     cache.NewRefreshLock(redisClient, cfg.LockTTL),
		Exchangers: registry,
		Logger:     logger,
	}, broker.Config{
		ExpirySkew:      cfg.ExpirySkew,
		DefaultCacheTTL: cfg.DefaultCacheTTL,
		StateTTL:        cfg.StateTTL,
		LockWait:        cfg.LockWait,
		RefreshTimeout:  cfg.RefreshTimeout,
		RedirectURIs: map[oauth.Provider]string{
			oauth.ProviderGoogleAnalytics: cfg.Google.RedirectURI,
			oauth.ProviderMetaAds:         cfg.Meta.RedirectURI,
		},
	})
	if err != nil {
		_ = redisClient.Close()
		credentials.close(ctx)
		return nil, fmt.Errorf("init broker: %w", err)
	}

	handler := api.NewHandler(api.Options{
		Broker: b,
		Accounts: map[oauth.Provider]api.AccountLister{
			oauth.ProviderMetaAds:         apiclient.NewMetaClient(cfg.Meta.APIURL, nil, cfg.Meta.Timeout),
			oauth.ProviderGoogleAnalytics: apiclient.NewAnalyticsAdminClient(cfg.Google.APIURL, nil, cfg.Google.Timeout),
		},
		ReturnURL: cfg.ReturnURL,
		Providers: registry.Providers(),
		Ready: map[string]api.ReadyCheck{
			"store": credentials.ping,
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})
	sessions := session.NewClient(logger.With("module", "session"), []byte(cfg.SessionSecret), cfg.SessionTTL)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(handler, sessions),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		_ = redisClient.Close()
		credentials.close(ctx)
		return nil, fmt.Errorf("listen gRPC: %w", err)
	}

	var worker *broker.RefreshWorker
	if cfg.RefreshWorkerEnabled {
		worker = broker.NewRefreshWorker(logger, b, cfg.RefreshInterval, cfg.RefreshWindow, cfg.RefreshBatchSize)
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		broker:     b,
		httpServer: httpServer,
		grpcServer: grpcServer,
		grpcLis:    lis,
		health:     healthSrv,
		worker:     worker,
		cleanupFn: func(ctx context.Context) {
			_ = redisClient.Close()
			credentials.close(ctx)
		},
	}, nil
}

// newRegistry builds the exchangers. Missing client credentials are allowed;
// those providers fail with a configuration error when used.
func newRegistry(cfg config.Config) *oclient.Registry {
	google := oclient.NewGoogleExchanger(providerConfig(cfg.Google), cfg.GooglePrompt)
	meta := oclient.NewMetaExchanger(providerConfig(cfg.Meta), cfg.MetaLongLived)
	return oclient.NewRegistry(google, meta)
}

func providerConfig(p config.Provider) oclient.ProviderConfig {
	return oclient.ProviderConfig{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Scopes:       p.Scopes,
		AuthURL:      p.AuthURL,
		TokenURL:     p.TokenURL,
		Timeout:      p.Timeout,
	}
}

// Run serves HTTP and gRPC health and, when enabled, the proactive refresh
// worker until ctx ends or a signal arrives.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if r.worker != nil {
		go func() {
			r.logger.Info("refresh worker started", "interval", r.cfg.RefreshInterval, "window", r.cfg.RefreshWindow)
			if err := r.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("refresh worker: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	r.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return runErr
}

// RunWorker runs only the proactive refresh loop, with gRPC health served
// for orchestrators.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := r.worker
	if worker == nil {
		worker = broker.NewRefreshWorker(r.logger, r.broker, r.cfg.RefreshInterval, r.cfg.RefreshWindow, r.cfg.RefreshBatchSize)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("refresh worker started", "interval", r.cfg.RefreshInterval, "window", r.cfg.RefreshWindow)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("refresh worker: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			r.logger.Error("worker failure", "error", runErr)
		}
	}

	r.health.Shutdown()
	r.grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	return runErr
}
