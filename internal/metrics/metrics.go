// Package metrics exposes cache and upstream counters for prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	LayerMemory = "memory"
	LayerDisk   = "disk"

	ResultHit  = "hit"
	ResultMiss = "miss"
)

type Metrics struct {
	registry     *prometheus.Registry
	lookups      *prometheus.CounterVec
	expirations  prometheus.Counter
	invalidation prometheus.Counter
	upstream     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortcache_proxy_cache_lookups_total",
		Help: "Cache lookups by layer and result",
	}, []string{"layer", "result"})

	expirations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shortcache_proxy_short_cache_expirations_total",
		Help: "Short cache entries removed by their TTL timer",
	})

	invalidation := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shortcache_proxy_short_cache_invalidations_total",
		Help: "Short cache entries dropped after an unsafe request",
	})

	upstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortcache_proxy_upstream_responses_total",
		Help: "Upstream responses by status class",
	}, []string{"status_class"})

	registry.MustRegister(lookups, expirations, invalidation, upstream)

	return &Metrics{
		registry:     registry,
		lookups:      lookups,
		expirations:  expirations,
		invalidation: invalidation,
		upstream:     upstream,
	}
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterShortCacheSize exports the live entry count returned by size
func (m *Metrics) RegisterShortCacheSize(size func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "shortcache_proxy_short_cache_entries",
		Help: "Live short cache entries",
	}, func() float64 {
		return float64(size())
	}))
}

func (m *Metrics) Lookup(layer, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(layer, result).Inc()
}

func (m *Metrics) Expired(string) {
	if m == nil {
		return
	}
	m.expirations.Inc()
}

func (m *Metrics) Invalidated() {
	if m == nil {
		return
	}
	m.invalidation.Inc()
}

func (m *Metrics) Upstream(status int) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
