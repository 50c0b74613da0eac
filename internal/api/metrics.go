package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keylocker_http_request_duration_seconds",
			Help:    "Duration of key locker HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	secretReveals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keylocker_secret_reveals_total",
		Help: "Total successful secret retrievals over HTTP",
	})

	keyMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keylocker_key_mutations_total",
			Help: "Total key mutations by action",
		},
		[]string{"action"},
	)
)
