// Package metrics exposes Prometheus counters for the enforcer caches, the
// filter registry and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enforcer"

// Registry holds every collector in this package.
var Registry = prometheus.NewRegistry()

var (
	cacheLookups = newCounterVec("cache", "lookups_total",
		"Count of enforcer cache lookups by cache and result.", "cache", "result")

	attachFailures = newCounterVec("filter", "attach_failures_total",
		"Count of constraints skipped because their grammar failed to compile.", "kind")

	requests = newCounterVec("http", "requests_total",
		"Count of API requests by route and status code.", "route", "status_code")

	allowedLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grammar",
			Name:      "allowed_seconds",
			Help:      "Time spent computing an uncached allowed token set.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"kind"},
	)
)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

var registerMetrics sync.Once

// Register adds all collectors to Registry. It is safe to call repeatedly.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			cacheLookups,
			attachFailures,
			requests,
			allowedLatency,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

func RecordAttachFailure(kind string) {
	attachFailures.WithLabelValues(kind).Inc()
}

func RecordRequest(route string, status int) {
	requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func ObserveAllowed(kind string, d time.Duration) {
	allowedLatency.WithLabelValues(kind).Observe(d.Seconds())
}
