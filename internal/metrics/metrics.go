// Package metrics groups the Prometheus instruments exported on /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "joi"

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry

	StreamEvents     *prometheus.CounterVec
	Runs             *prometheus.CounterVec
	Tokens           *prometheus.CounterVec
	Approvals        *prometheus.CounterVec
	NotifierSends    *prometheus.CounterVec
	NotifierErrors   prometheus.Counter
	NotifierCycle    prometheus.Histogram
	TasksScheduled   *prometheus.CounterVec
	TaskUpdates      *prometheus.CounterVec
	APIRequests      *prometheus.CounterVec
	APIRequestTiming *prometheus.HistogramVec
}

// New registers every instrument on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Decoded run stream events by kind.",
		}, []string{"kind"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Interactive run segments by outcome.",
		}, []string{"outcome"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Model tokens reported by runs, by kind.",
		}, []string{"kind"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by outcome.",
		}, []string{"outcome"}),
		NotifierSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_sends_total",
			Help:      "Notifier deliveries by kind.",
		}, []string{"kind"}),
		NotifierErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_errors_total",
			Help:      "Per-task notifier failures.",
		}),
		NotifierCycle: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notifier_cycle_seconds",
			Help:      "Duration of one notifier poll cycle.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		TasksScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Background tasks scheduled, by kind.",
		}, []string{"kind"}),
		TaskUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_updates_total",
			Help:      "Task update operations by action.",
		}, []string{"action"}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_api_requests_total",
			Help:      "Requests to the agent server by status code and method.",
		}, []string{"code", "method"}),
		APIRequestTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_api_request_seconds",
			Help:      "Agent server request latency until response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// InstrumentTransport wraps next with request counting and latency.
func (m *Metrics) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		return next
	}
	return promhttp.InstrumentRoundTripperCounter(m.APIRequests,
		promhttp.InstrumentRoundTripperDuration(m.APIRequestTiming, next))
}

func (m *Metrics) StreamEvent(kind string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) RunOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddTokens(input, output, cacheRead, cacheCreation int) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues("input").Add(float64(input))
	m.Tokens.WithLabelValues("output").Add(float64(output))
	m.Tokens.WithLabelValues("cache_read").Add(float64(cacheRead))
	m.Tokens.WithLabelValues("cache_creation").Add(float64(cacheCreation))
}

func (m *Metrics) ApprovalOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NotifierSent(kind string) {
	if m == nil {
		return
	}
	m.NotifierSends.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotifierError() {
	if m == nil {
		return
	}
	m.NotifierErrors.Inc()
}

func (m *Metrics) ObserveNotifierCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.NotifierCycle.Observe(d.Seconds())
}

func (m *Metrics) TaskScheduled(kind string) {
	if m == nil {
		return
	}
	m.TasksScheduled.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskUpdated(action string) {
	if m == nil {
		return
	}
	m.TaskUpdates.WithLabelValues(action).Inc()
}
