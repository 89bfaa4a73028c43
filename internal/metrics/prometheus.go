package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	funnelEventsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legalfunnel_funnel_events_total",
		Help: "Funnel transitions committed by the session ledger, by event.",
	}, []string{"event"})
	cacheLookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legalfunnel_answer_cache_lookups_total",
		Help: "Answer cache lookups by result (hit, miss, error).",
	}, []string{"result"})
	assistantCallsMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "legalfunnel_assistant_call_seconds",
		Help:    "Latency of external assistant exchanges by outcome.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"outcome"})
	rateLimitMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legalfunnel_rate_limit_decisions_total",
		Help: "Rate limiter decisions by limiter and decision (allowed, denied, fail_open).",
	}, []string{"limiter", "decision"})
	httpRequestsMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "legalfunnel_http_request_seconds",
		Help:    "HTTP request latency by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Observe records a committed funnel transition.
func Observe(e Event) { funnelEventsMetric.WithLabelValues(e.String()).Inc() }

func ObserveCacheLookup(result string) { cacheLookupsMetric.WithLabelValues(result).Inc() }

func ObserveAssistantCall(outcome string, seconds float64) {
	assistantCallsMetric.WithLabelValues(outcome).Observe(seconds)
}

func ObserveRateLimit(limiter, decision string) {
	rateLimitMetric.WithLabelValues(limiter, decision).Inc()
}

func ObserveHTTP(method, route, status string, d time.Duration) {
	httpRequestsMetric.WithLabelValues(method, route, status).Observe(d.Seconds())
}
