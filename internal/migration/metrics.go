package migration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects migration counters. A nil *Metrics records nothing.
type Metrics struct {
	Runs         *prometheus.CounterVec
	Operations   *prometheus.CounterVec
	Retries      prometheus.Counter
	Duration     *prometheus.HistogramVec
	PendingTasks *prometheus.GaugeVec
	Concurrency  prometheus.Gauge
}

// NewMetrics creates the migration metrics and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncano",
			Subsystem: "schema_migration",
			Name:      "runs_total",
			Help:      "Migration runs by outcome.",
		}, []string{"kind", "outcome"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncano",
			Subsystem: "schema_migration",
			Name:      "index_operations_total",
			Help:      "Index operations by class, action and result.",
		}, []string{"class", "action", "result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncano",
			Subsystem: "schema_migration",
			Name:      "ddl_retries_total",
			Help:      "Retried transient DDL failures.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "syncano",
			Subsystem: "schema_migration",
			Name:      "duration_seconds",
			Help:      "Wall time of migration runs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		}, []string{"kind"}),
		PendingTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "syncano",
			Subsystem: "schema_migration",
			Name:      "pending_tasks",
			Help:      "Queued migration tasks per tenant at the last poll.",
		}, []string{"tenant"}),
		Concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncano",
			Subsystem: "schema_migration",
			Name:      "tenant_concurrency",
			Help:      "Tenants processed in parallel by the dispatcher.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Operations, m.Retries, m.Duration, m.PendingTasks, m.Concurrency)
	}
	return m
}

func (m *Metrics) observeRun(kind string, outcome Outcome, started time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(kind, string(outcome)).Inc()
	m.Duration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeOperation(class, action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Operations.WithLabelValues(class, action, result).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) setPending(tenant string, n int) {
	if m == nil {
		return
	}
	m.PendingTasks.WithLabelValues(tenant).Set(float64(n))
}

func (m *Metrics) setConcurrency(n int) {
	if m == nil {
		return
	}
	m.Concurrency.Set(float64(n))
}
