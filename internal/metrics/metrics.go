package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipguard"

var (
	Registry = prometheus.NewRegistry()

	factory = promauto.With(Registry)

	AdmissionDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_decisions_total",
		Help:      "Admission gate decisions by outcome.",
	}, []string{"outcome"})

	AdmissionLookupErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_lookup_errors_total",
		Help:      "Block list lookups that failed or timed out.",
	})

	RateLimitDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limiter decisions by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	RateLimitStoreErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_store_errors_total",
		Help:      "Counter store failures that were failed open.",
	})

	RequestLogWrites = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requestlog_writes_total",
		Help:      "Request log entries by outcome (stored, failed, dropped).",
	}, []string{"outcome"})

	GeolocationFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geolocation_failures_total",
		Help:      "Geolocation lookups that produced no location.",
	})

	AnomalyFlagged = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomaly_flagged_total",
		Help:      "IPs flagged by the anomaly sweep per heuristic.",
	}, []string{"heuristic"})

	AnomalyCreated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomaly_created_total",
		Help:      "Suspicious entries created by the anomaly sweep per heuristic.",
	}, []string{"heuristic"})

	SweepDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of periodic sweeps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweep", "status"})

	SuspiciousPurged = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_purged_total",
		Help:      "Inactive suspicious entries removed by the retention sweep.",
	})

	FeedImported = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocklist_feed_imported_total",
		Help:      "Block list entries created from remote feeds.",
	})

	FeedFetchFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocklist_feed_fetch_failures_total",
		Help:      "Remote block list feeds that could not be fetched.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
