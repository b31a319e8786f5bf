package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger's Prometheus collectors. Every instance owns its
// registry so tests can build as many as they like. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger metrics
	IntentsTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec

	// Unit-of-work metrics
	UnitDuration        prometheus.Histogram
	UnitRetriesTotal    prometheus.Counter
	UnitContentionTotal prometheus.Counter

	// Audit metrics
	AuditAppendsTotal     *prometheus.CounterVec
	AuditMirrorObjects    prometheus.Counter
	AuditMirrorFailures   prometheus.Counter
	AuditMirrorLagEntries *prometheus.GaugeVec

	// Background job metrics
	VestingPlansTotal  *prometheus.CounterVec
	SweepExpiredTotal  prometheus.Counter
	OutboxPublishTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		IntentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_intents_total",
				Help: "Intents submitted, by transaction type and outcome",
			},
			[]string{"type", "outcome"},
		),
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transitions_total",
				Help: "Applied state transitions",
			},
			[]string{"type", "from", "to"},
		),

		UnitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_unit_duration_seconds",
				Help:    "Duration of units of work including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		UnitRetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_unit_retries_total",
				Help: "Unit attempts retried after a write-write conflict",
			},
		),
		UnitContentionTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_unit_contention_total",
				Help: "Units abandoned after exhausting retries",
			},
		),

		AuditAppendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_audit_appends_total",
				Help: "Committed audit entries",
			},
			[]string{"action"},
		),
		AuditMirrorObjects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_audit_mirror_objects_total",
				Help: "Audit objects written to long-term storage",
			},
		),
		AuditMirrorFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_audit_mirror_failures_total",
				Help: "Failed audit object writes",
			},
		),
		AuditMirrorLagEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_audit_mirror_lag_entries",
				Help: "Audit entries not yet mirrored after the last cycle",
			},
			[]string{"tenant_id"},
		),

		VestingPlansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_vesting_plans_total",
				Help: "Plans processed by vesting recompute, by outcome",
			},
			[]string{"outcome"},
		),
		SweepExpiredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_sweep_expired_total",
				Help: "SENT transactions failed by the settlement window sweep",
			},
		),
		OutboxPublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_outbox_publish_total",
				Help: "Outbox publish attempts, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Intent(txType, outcome string) {
	if m == nil {
		return
	}
	m.IntentsTotal.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) Transition(txType, from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(txType, from, to).Inc()
}

func (m *Metrics) Unit(started time.Time, retries int, contended bool) {
	if m == nil {
		return
	}
	m.UnitDuration.Observe(time.Since(started).Seconds())
	if retries > 0 {
		m.UnitRetriesTotal.Add(float64(retries))
	}
	if contended {
		m.UnitContentionTotal.Inc()
	}
}

func (m *Metrics) AuditAppended(action string) {
	if m == nil {
		return
	}
	m.AuditAppendsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) MirrorResult(tenantID string, objects int, failed bool, lag int) {
	if m == nil {
		return
	}
	m.AuditMirrorObjects.Add(float64(objects))
	if failed {
		m.AuditMirrorFailures.Inc()
	}
	m.AuditMirrorLagEntries.WithLabelValues(tenantID).Set(float64(lag))
}

func (m *Metrics) VestingPlan(outcome string) {
	if m == nil {
		return
	}
	m.VestingPlansTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SweepExpired(n int) {
	if m == nil {
		return
	}
	m.SweepExpiredTotal.Add(float64(n))
}

func (m *Metrics) OutboxPublish(outcome string) {
	if m == nil {
		return
	}
	m.OutboxPublishTotal.WithLabelValues(outcome).Inc()
}
