// Package metrics exposes Prometheus collectors for the HTTP layer and the
// LIMS workflows. Every method is safe on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lims"

type Metrics struct {
	registry *prometheus.Registry

	httpDuration      *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	qcVerdicts        *prometheus.CounterVec
	reportsGenerated  prometheus.Counter
	reportsFinalized  *prometheus.CounterVec
	finalizeConflicts prometheus.Counter
	outboxDeliveries  *prometheus.CounterVec
	auditDropped      prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Committed workflow transitions by entity and target state.",
		}, []string{"entity", "to"}),
		qcVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qc_runs_total",
			Help:      "Recorded QC runs by verdict.",
		}, []string{"status"}),
		reportsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_generated_total",
			Help:      "Draft reports created.",
		}),
		reportsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_finalized_total",
			Help:      "Finalized reports by template.",
		}, []string{"template"}),
		finalizeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_finalize_conflicts_total",
			Help:      "Finalize attempts that lost the lock race.",
		}),
		outboxDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox handler invocations by topic and outcome.",
		}, []string{"topic", "outcome"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_dropped_total",
			Help:      "Audit entries dropped because the buffer was full.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpDuration, m.transitions, m.qcVerdicts, m.reportsGenerated,
		m.reportsFinalized, m.finalizeConflicts, m.outboxDeliveries, m.auditDropped,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware observes request latency keyed by the matched route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) Transition(entity, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) QCVerdict(status string) {
	if m == nil {
		return
	}
	m.qcVerdicts.WithLabelValues(status).Inc()
}

func (m *Metrics) ReportGenerated() {
	if m == nil {
		return
	}
	m.reportsGenerated.Inc()
}

func (m *Metrics) ReportFinalized(template string) {
	if m == nil {
		return
	}
	m.reportsFinalized.WithLabelValues(template).Inc()
}

func (m *Metrics) FinalizeConflict() {
	if m == nil {
		return
	}
	m.finalizeConflicts.Inc()
}

// OutboxDelivery records one handler outcome: "ok", "retry" or "failed".
func (m *Metrics) OutboxDelivery(topic, outcome string) {
	if m == nil {
		return
	}
	m.outboxDeliveries.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}
