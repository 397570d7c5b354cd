// Package metrics exposes Prometheus instrumentation for page loads, browsing
// sessions and the worker pool.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HerbHall/herbarium/internal/worker"
)

const namespace = "herbarium"

// Load results recorded on herbarium_page_loads_total.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultCanceled = "canceled"
)

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	pageLoads     *prometheus.CounterVec
	loadDuration  prometheus.Histogram
	sessions      prometheus.Gauge
	invalidations prometheus.Counter
	requests      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_loads_total",
			Help:      "Store page reads by result.",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_load_duration_seconds",
			Help:      "Latency of store page reads.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Open browsing subscriptions.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Browsing sessions restarted after a change signal.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.pageLoads,
		m.loadDuration,
		m.sessions,
		m.invalidations,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLoad records one store page read.
func (m *Metrics) ObserveLoad(elapsed time.Duration, err error) {
	result := ResultOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result = ResultCanceled
	default:
		result = ResultError
	}
	m.pageLoads.WithLabelValues(result).Inc()
	m.loadDuration.Observe(elapsed.Seconds())
}

// SubscriptionOpened and SubscriptionClosed track the active gauge.
func (m *Metrics) SubscriptionOpened() { m.sessions.Inc() }

func (m *Metrics) SubscriptionClosed() { m.sessions.Dec() }

// Invalidated counts a session restart.
func (m *Metrics) Invalidated() { m.invalidations.Inc() }

// ObserveRequest counts one HTTP response.
func (m *Metrics) ObserveRequest(route string, code int) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RegisterPool exports live worker pool counters.
func (m *Metrics) RegisterPool(p *worker.Pool) {
	gauge := func(name, help string, read func(worker.Stats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(p.Stats())) })
	}
	m.registry.MustRegister(
		gauge("active", "Tasks currently running.", func(s worker.Stats) int64 { return s.Active }),
		gauge("pending", "Tasks waiting in the queue.", func(s worker.Stats) int64 { return s.Pending }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "completed_total",
			Help:      "Tasks finished since start.",
		}, func() float64 { return float64(p.Stats().Completed) }),
	)
}
