package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/covibes/internal/proxy"
	"github.com/splax/covibes/internal/terminal"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

var (
	_ proxy.Metrics    = (*Metrics)(nil)
	_ terminal.Metrics = (*Metrics)(nil)
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec
	proxyTunnels  prometheus.Gauge

	sessionsActive   prometheus.Gauge
	sessionsClosed   *prometheus.CounterVec
	subscribers      prometheus.Gauge
	subscriberJoins  *prometheus.CounterVec
	outputDropped    prometheus.Counter
	subscriberLeaves prometheus.Counter
}

// NewMetrics registers collectors with reg, reusing ones already registered
// so tests and restarts within a process share them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}
	m.requestTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))
	m.requestLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "covibes",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"}))
	m.rateLimitHits = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "api",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "scope"}))

	m.proxyRequests = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "preview_proxy",
		Name:      "requests_total",
		Help:      "Proxied preview requests by kind and outcome code",
	}, []string{"kind", "code"}))
	m.proxyLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "covibes",
		Subsystem: "preview_proxy",
		Name:      "request_duration_seconds",
		Help:      "Duration of proxied preview requests and websocket tunnels",
		Buckets:   histogramBuckets,
	}, []string{"kind"}))
	m.proxyTunnels = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "covibes",
		Subsystem: "preview_proxy",
		Name:      "websocket_tunnels",
		Help:      "Open preview websocket tunnels",
	}))

	m.sessionsActive = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "covibes",
		Subsystem: "terminal",
		Name:      "sessions_active",
		Help:      "Agent sessions with a live PTY",
	}))
	m.sessionsClosed = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "terminal",
		Name:      "sessions_closed_total",
		Help:      "Agent sessions closed by reason",
	}, []string{"reason"}))
	m.subscribers = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "covibes",
		Subsystem: "terminal",
		Name:      "subscribers",
		Help:      "Attached terminal subscribers",
	}))
	m.subscriberJoins = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "terminal",
		Name:      "subscriber_joins_total",
		Help:      "Terminal subscriptions by role",
	}, []string{"role"}))
	m.subscriberLeaves = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "terminal",
		Name:      "subscriber_leaves_total",
		Help:      "Terminal subscriptions removed",
	}))
	m.outputDropped = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "covibes",
		Subsystem: "terminal",
		Name:      "output_frames_dropped_total",
		Help:      "Output frames dropped from full subscriber queues",
	}))
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) recordRateLimitHit(route, scope string) {
	if m == nil {
		return
	}
	m.rateLimitHits.With(prometheus.Labels{"route": route, "scope": scope}).Inc()
}

// ObserveRequest records a proxied request outcome.
func (m *Metrics) ObserveRequest(kind, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.With(prometheus.Labels{"kind": kind, "code": code}).Inc()
	m.proxyLatency.With(prometheus.Labels{"kind": kind}).Observe(duration.Seconds())
}

func (m *Metrics) TunnelOpened() {
	if m != nil {
		m.proxyTunnels.Inc()
	}
}

func (m *Metrics) TunnelClosed() {
	if m != nil {
		m.proxyTunnels.Dec()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) SubscriberJoined(role terminal.Role) {
	if m == nil {
		return
	}
	m.subscribers.Inc()
	m.subscriberJoins.With(prometheus.Labels{"role": string(role)}).Inc()
}

func (m *Metrics) SubscriberLeft() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
	m.subscriberLeaves.Inc()
}

func (m *Metrics) OutputDropped() {
	if m != nil {
		m.outputDropped.Inc()
	}
}
