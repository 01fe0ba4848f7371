// Package metrics exposes Prometheus collectors for the compliance core
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "complycore"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	AlertsCreated       *prometheus.CounterVec
	AlertsSkipped       *prometheus.CounterVec
	AlertTransitions    *prometheus.CounterVec
	RiskScores          prometheus.Histogram
	StructuringDetected prometheus.Counter
	ReportsGenerated    *prometheus.CounterVec
	EDDTriggered        prometheus.Counter
	BatchDuration       prometheus.Histogram
	BatchErrors         prometheus.Counter
	DeadlineAlerts      *prometheus.CounterVec
	DeadlineScanErrors  prometheus.Counter
	WebhookDeliveries   *prometheus.CounterVec
	AuditRecords        *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Alerts created by rule code and severity",
		}, []string{"rule_code", "severity"}),
		AlertsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "skipped_total",
			Help:      "Alert creations skipped by reason",
		}, []string{"rule_code", "reason"}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Alert lifecycle transitions by action",
		}, []string{"action"}),
		RiskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "score",
			Help:      "Distribution of transaction risk scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		StructuringDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "structuring",
			Name:      "detected_total",
			Help:      "Customers with a detected structuring pattern",
		}),
		ReportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reports",
			Name:      "generated_total",
			Help:      "Regulatory reports generated by kind",
		}, []string{"kind"}),
		EDDTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "edd",
			Name:      "triggered_total",
			Help:      "Enhanced due diligence investigations opened",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch compliance run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "errors_total",
			Help:      "Errors recorded in batch compliance results",
		}),
		DeadlineAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadlines",
			Name:      "alerts_total",
			Help:      "Deadline alerts created by obligation kind and severity",
		}, []string{"kind", "severity"}),
		DeadlineScanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadlines",
			Name:      "scan_errors_total",
			Help:      "Tenants whose deadline scan failed",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		AuditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Audit records by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.AlertsCreated,
		m.AlertsSkipped,
		m.AlertTransitions,
		m.RiskScores,
		m.StructuringDetected,
		m.ReportsGenerated,
		m.EDDTriggered,
		m.BatchDuration,
		m.BatchErrors,
		m.DeadlineAlerts,
		m.DeadlineScanErrors,
		m.WebhookDeliveries,
		m.AuditRecords,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AlertCreated(ruleCode, severity string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(ruleCode, severity).Inc()
}

func (m *Metrics) AlertSkipped(ruleCode, reason string) {
	if m == nil {
		return
	}
	m.AlertsSkipped.WithLabelValues(ruleCode, reason).Inc()
}

func (m *Metrics) AlertTransition(action string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(action).Inc()
}

func (m *Metrics) RiskScored(score int) {
	if m == nil {
		return
	}
	m.RiskScores.Observe(float64(score))
}

func (m *Metrics) Structuring() {
	if m == nil {
		return
	}
	m.StructuringDetected.Inc()
}

func (m *Metrics) ReportGenerated(kind string) {
	if m == nil {
		return
	}
	m.ReportsGenerated.WithLabelValues(kind).Inc()
}

func (m *Metrics) EDD() {
	if m == nil {
		return
	}
	m.EDDTriggered.Inc()
}

// BatchCompleted records the duration and error count of one batch run
func (m *Metrics) BatchCompleted(d time.Duration, errs int) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
	m.BatchErrors.Add(float64(errs))
}

func (m *Metrics) DeadlineAlert(kind, severity string) {
	if m == nil {
		return
	}
	m.DeadlineAlerts.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) DeadlineScanFailed() {
	if m == nil {
		return
	}
	m.DeadlineScanErrors.Inc()
}

func (m *Metrics) WebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AuditRecord(outcome string) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(outcome).Inc()
}
