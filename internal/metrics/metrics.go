// Package metrics exposes prometheus collectors for the worker lifecycle and fetch strategies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offline_proxy"

// Strategy labels
const (
	NetworkFirst = "network_first"
	CacheFirst   = "cache_first"
)

// Source labels: where the response handed to the client came from
const (
	SourceNetwork  = "network"
	SourceCache    = "cache"
	SourceFallback = "fallback"
	SourceOffline  = "offline"
	SourceError    = "error"
)

type Metrics struct {
	fetches             *prometheus.CounterVec
	installs            *prometheus.CounterVec
	activations         prometheus.Counter
	cacheWriteFailures  prometheus.Counter
	bucketsDeleted      prometheus.Counter
	passThroughRequests prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Intercepted requests by strategy and response source",
			},
			[]string{"strategy", "source"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_total",
				Help:      "Worker installs by result",
			},
			[]string{"result"},
		),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Worker activations",
		}),
		cacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Best-effort cache writes that failed",
		}),
		bucketsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_deleted_total",
			Help:      "Stale cache buckets deleted on activation",
		}),
		passThroughRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_through_total",
			Help:      "Requests forwarded without interception",
		}),
	}

	reg.MustRegister(
		m.fetches,
		m.installs,
		m.activations,
		m.cacheWriteFailures,
		m.bucketsDeleted,
		m.passThroughRequests,
	)
	return m
}

// All methods accept a nil receiver so callers can run without metrics.

func (m *Metrics) Fetch(strategy, source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) Install(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) Activation() {
	if m == nil {
		return
	}
	m.activations.Inc()
}

func (m *Metrics) CacheWriteFailure() {
	if m == nil {
		return
	}
	m.cacheWriteFailures.Inc()
}

func (m *Metrics) BucketDeleted() {
	if m == nil {
		return
	}
	m.bucketsDeleted.Inc()
}

func (m *Metrics) PassThrough() {
	if m == nil {
		return
	}
	m.passThroughRequests.Inc()
}
