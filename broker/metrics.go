package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tokenRequests counts token lookups by where the answer came from.
	tokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthbroker_token_requests_total",
		Help: "Token requests by provider and source (cache, store, refresh, error).",
	}, []string{"provider", "source"})

	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthbroker_refresh_total",
		Help: "Provider refresh calls by outcome.",
	}, []string{"provider", "outcome"})

	refreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oauthbroker_refresh_duration_seconds",
		Help:    "Latency of provider refresh calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)
