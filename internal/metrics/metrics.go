// Package metrics exposes loader, publisher and live registry counters on a
// private Prometheus registry.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/hooks"
	"github.com/ripkitten-co/parley/loader"
)

type Metrics struct {
	reg *prometheus.Registry

	batches       *prometheus.CounterVec
	batchSize     *prometheus.HistogramVec
	batchDuration *prometheus.HistogramVec
	batchErrors   *prometheus.CounterVec

	publishFailures *prometheus.CounterVec

	delivered   *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	gaps        *prometheus.CounterVec
	connections prometheus.Gauge

	requests *prometheus.CounterVec

	queries     *prometheus.HistogramVec
	queryErrors *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_loader_batches_total",
			Help: "Batch fetches dispatched per loader.",
		}, []string{"loader"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_loader_batch_keys",
			Help:    "Keys per batch fetch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"loader"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_loader_batch_seconds",
			Help:    "Batch fetch latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"loader"}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_loader_batch_errors_total",
			Help: "Batch fetches that failed.",
		}, []string{"loader"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_publish_failures_total",
			Help: "Events the broker did not accept.",
		}, []string{"type"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_live_delivered_total",
			Help: "Messages queued to live connections.",
		}, []string{"type"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_live_evicted_total",
			Help: "Messages dropped from full connection buffers.",
		}, []string{"type"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_live_gaps_total",
			Help: "Sequence gaps detected on receive.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_live_connections",
			Help: "Open live connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		queries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_db_query_seconds",
			Help:    "ORM statement latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"orm", "op"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_db_query_errors_total",
			Help: "ORM statements that returned an error.",
		}, []string{"orm", "op"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.batches, m.batchSize, m.batchDuration, m.batchErrors,
		m.publishFailures,
		m.delivered, m.evicted, m.gaps, m.connections,
		m.requests,
		m.queries, m.queryErrors,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// LoaderObserver records every batch a loader dispatches.
func (m *Metrics) LoaderObserver() loader.Observer {
	return func(name string, size int, elapsed time.Duration, err error) {
		m.batches.WithLabelValues(name).Inc()
		m.batchSize.WithLabelValues(name).Observe(float64(size))
		m.batchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		if err != nil {
			m.batchErrors.WithLabelValues(name).Inc()
		}
	}
}

// QueryObserver records statements issued by the bun and gorm fetchers.
func (m *Metrics) QueryObserver() hooks.Observer {
	return func(_ context.Context, q hooks.Query) {
		m.queries.WithLabelValues(q.ORM, q.Operation).Observe(q.Elapsed.Seconds())
		if q.Err != nil && !errors.Is(q.Err, sql.ErrNoRows) {
			m.queryErrors.WithLabelValues(q.ORM, q.Operation).Inc()
		}
	}
}

func (m *Metrics) PublishFailed(t events.Type) {
	m.publishFailures.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Request(route string, code int) {
	m.requests.WithLabelValues(route, statusText(code)).Inc()
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

// Live implements the live registry's observer.
func (m *Metrics) Live() *LiveObserver { return &LiveObserver{m} }

type LiveObserver struct{ m *Metrics }

func (o *LiveObserver) Delivered(t events.Type)      { o.m.delivered.WithLabelValues(string(t)).Inc() }
func (o *LiveObserver) Evicted(t events.Type, n int) { o.m.evicted.WithLabelValues(string(t)).Add(float64(n)) }
func (o *LiveObserver) Gap(t events.Type)            { o.m.gaps.WithLabelValues(string(t)).Inc() }
func (o *LiveObserver) Connections(d int)            { o.m.connections.Add(float64(d)) }
