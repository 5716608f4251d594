package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// RefreshExpiring refreshes credentials that expire within window so request
// paths rarely pay for a refresh. It returns how many were refreshed and the
// first failure.
func (b *Broker) RefreshExpiring(ctx context.Context, window time.Duration, batchSize int) (int, error) {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	deadline := b.now().Add(window)
	creds, err := b.store.ListExpiring(ctx, deadline, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expiring credentials: %w", err)
	}

	var (
		refreshed int
		firstErr  error
		throttled = map[oauth.Provider]bool{}
	)
	for _, cred := range creds {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if throttled[cred.Provider] || !cred.CanRefresh() {
			continue
		}
		userID, provider := cred.UserID, cred.Provider
		res, err, _ := b.group.Do(flightKey(userID, provider), func() (any, error) {
			return b.resolve(ctx, userID, provider, deadline)
		})
		if err != nil {
			if errors.Is(err, oauth.ErrRateLimited) {
				// Back off this provider for the rest of the batch.
				throttled[provider] = true
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.(resolved).source == sourceRefresh {
			refreshed++
		}
	}
	return refreshed, firstErr
}

// RefreshWorker periodically renews credentials before they expire.
type RefreshWorker struct {
	logger    *slog.Logger
	broker    *Broker
	interval  time.Duration
	window    time.Duration
	batchSize int
}

func NewRefreshWorker(logger *slog.Logger, broker *Broker, interval, window time.Duration, batchSize int) *RefreshWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 2 * interval
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RefreshWorker{
		logger:    logger,
		broker:    broker,
		interval:  interval,
		window:    window,
		batchSize: batchSize,
	}
}

func (w *RefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		refreshed, err := w.broker.RefreshExpiring(ctx, w.window, w.batchSize)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.WarnContext(ctx, "proactive refresh iteration had failures",
				"module", "broker.refresh_worker",
				"operation", "refresh_expiring",
				"outcome", "failure",
				"refreshed", refreshed,
				"error", err,
			)
		case refreshed > 0:
			w.logger.InfoContext(ctx, "proactive refresh iteration completed",
				"module", "broker.refresh_worker",
				"operation", "refresh_expiring",
				"outcome", "success",
				"refreshed", refreshed,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
