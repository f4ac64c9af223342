package metrics

import (
	"net/http"
	"strconv"
	"time"

	"gozon/payments/internal/payment"
	"gozon/payments/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payments"

type Metrics struct {
	registry *prometheus.Registry

	Dispatches  *prometheus.CounterVec
	Retries     *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Outbox      *prometheus.CounterVec
	Requests    *prometheus.CounterVec
	LatencyMS   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Status reports dispatched, by source and outcome.",
		}, []string{"source", "result"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_retries_total",
			Help:      "Reconcile cycles restarted after a version conflict.",
		}, []string{"source"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Accepted order status transitions.",
		}, []string{"from", "to"}),
		Outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox publish attempts, by event type and outcome.",
		}, []string{"event_type", "result"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}

	m.registry.MustRegister(
		m.Dispatches, m.Retries, m.Transitions, m.Outbox, m.Requests, m.LatencyMS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Dispatched(source reconcile.Source, result string) {
	m.Dispatches.WithLabelValues(string(source), result).Inc()
}

func (m *Metrics) Retried(source reconcile.Source) {
	m.Retries.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) Transitioned(from, to payment.Status) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) OutboxPublished(eventType string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.Outbox.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}
