// Package metrics provides Prometheus metrics for the workbench.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded for chat requests.
const (
	OutcomeReplied = "replied"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Chat metrics
	ChatRequestsTotal  *prometheus.CounterVec
	LLMCallDuration    *prometheus.HistogramVec
	InterventionsTotal *prometheus.CounterVec

	// Sentiment metrics
	SentimentAnalysesTotal *prometheus.CounterVec
	SentimentDuration      prometheus.Histogram
	SentimentDroppedTotal  prometheus.Counter

	// Reaper metrics
	SessionsArchivedTotal prometheus.Counter

	// Feed metrics
	FeedSubscribers prometheus.Gauge

	// gRPC probe metrics
	GRPCRequestsTotal *prometheus.CounterVec
}

// New creates every metric on a private registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdev_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptdev_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptdev_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.ChatRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdev_chat_requests_total",
			Help: "Chat requests by outcome",
		},
		[]string{"outcome"},
	)

	m.LLMCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptdev_llm_call_duration_seconds",
			Help:    "Duration of language model calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	m.InterventionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdev_interventions_total",
			Help: "Operator interventions by type",
		},
		[]string{"type"},
	)

	m.SentimentAnalysesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdev_sentiment_analyses_total",
			Help: "Sentiment analyses by status",
		},
		[]string{"status"},
	)

	m.SentimentDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptdev_sentiment_duration_seconds",
			Help:    "Duration of sentiment analyses in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.SentimentDroppedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "promptdev_sentiment_dropped_total",
			Help: "Sentiment jobs dropped because the queue was full",
		},
	)

	m.SessionsArchivedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "promptdev_sessions_archived_total",
			Help: "Sessions archived by the idle reaper",
		},
	)

	m.FeedSubscribers = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptdev_feed_subscribers",
			Help: "Connected supervision feed subscribers",
		},
	)

	m.GRPCRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdev_grpc_requests_total",
			Help: "Total number of gRPC requests on the probe server",
		},
		[]string{"method", "status"},
	)

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordHTTPRequest records a finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordChat records the outcome of one chat request.
func (m *Metrics) RecordChat(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordLLMCall records a language model call.
func (m *Metrics) RecordLLMCall(provider string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMCallDuration.WithLabelValues(provider, status(err)).Observe(duration.Seconds())
}

// RecordIntervention records an operator intervention such as halt or inject.
func (m *Metrics) RecordIntervention(kind string) {
	if m == nil {
		return
	}
	m.InterventionsTotal.WithLabelValues(kind).Inc()
}

// RecordSentiment records a finished sentiment analysis.
func (m *Metrics) RecordSentiment(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.SentimentAnalysesTotal.WithLabelValues(status(err)).Inc()
	m.SentimentDuration.Observe(duration.Seconds())
}

// RecordSentimentDropped records a sentiment job that could not be queued.
func (m *Metrics) RecordSentimentDropped() {
	if m == nil {
		return
	}
	m.SentimentDroppedTotal.Inc()
}

// RecordArchived adds n reaped sessions.
func (m *Metrics) RecordArchived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsArchivedTotal.Add(float64(n))
}

// FeedConnected tracks feed subscribers; pass -1 on disconnect.
func (m *Metrics) FeedConnected(delta int) {
	if m == nil {
		return
	}
	m.FeedSubscribers.Add(float64(delta))
}

// RecordGRPCRequest records a finished unary gRPC call.
func (m *Metrics) RecordGRPCRequest(method string, err error) {
	if m == nil {
		return
	}
	m.GRPCRequestsTotal.WithLabelValues(method, status(err)).Inc()
}
