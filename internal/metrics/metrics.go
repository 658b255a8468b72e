// Package metrics exposes Prometheus instrumentation for the billboard agent.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector used by the agent. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sensorMessages    *prometheus.CounterVec
	commands          *prometheus.CounterVec
	statusPublishes   *prometheus.CounterVec
	subscriptionRetry *prometheus.CounterVec
	brokerConnected   *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sensorMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_sensor_messages_total",
			Help: "Sensor broker messages by processing result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_commands_total",
			Help: "Remote commands received by action and outcome.",
		}, []string{"action", "outcome"}),
		statusPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_status_publishes_total",
			Help: "Status and ack messages by the broker that carried them (or dropped).",
		}, []string{"broker"}),
		subscriptionRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_subscription_retries_total",
			Help: "Scheduled subscription retries by topic.",
		}, []string{"topic"}),
		brokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billboard_broker_connected",
			Help: "1 when the broker connection is up, 0 otherwise.",
		}, []string{"broker"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billboard_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.sensorMessages,
		m.commands,
		m.statusPublishes,
		m.subscriptionRetry,
		m.brokerConnected,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SensorMessage(result string) {
	if m == nil {
		return
	}
	m.sensorMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) Command(action, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) StatusPublished(broker string) {
	if m == nil {
		return
	}
	m.statusPublishes.WithLabelValues(broker).Inc()
}

func (m *Metrics) SubscriptionRetry(topic string) {
	if m == nil {
		return
	}
	m.subscriptionRetry.WithLabelValues(topic).Inc()
}

func (m *Metrics) BrokerConnected(broker string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.brokerConnected.WithLabelValues(broker).Set(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// WrapHandler records request count and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
