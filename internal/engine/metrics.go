package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine
type Metrics struct {
	// Counters
	CyclesTotal        prometheus.CounterVec
	SessionsTotal      prometheus.CounterVec
	RowsAppendedTotal  prometheus.CounterVec
	RetriesTotal       prometheus.CounterVec
	SchemaRepairsTotal prometheus.Counter
	ErrorsTotal        prometheus.CounterVec

	// Gauges
	BatteryPercent   prometheus.Gauge
	SessionActive    prometheus.Gauge
	LifetimeSessions prometheus.Gauge
	LifetimeAreaM2   prometheus.Gauge

	// Histograms
	CycleDuration   prometheus.Histogram
	PersistDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CyclesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweeplog_poll_cycles_total",
					Help: "Total poll cycles by result",
				},
				[]string{"result"},
			),
			SessionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweeplog_sessions_total",
					Help: "Completed sessions by outcome",
				},
				[]string{"outcome"},
			),
			RowsAppendedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweeplog_rows_appended_total",
					Help: "Rows appended to the remote store by table",
				},
				[]string{"table"},
			),
			RetriesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweeplog_remote_retries_total",
					Help: "Remote call retries by operation, device and store alike",
				},
				[]string{"op"},
			),
			SchemaRepairsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "sweeplog_schema_repairs_total",
					Help: "Times the remote schema was recreated after a missing-table error",
				},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweeplog_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			BatteryPercent: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "sweeplog_battery_percent",
					Help: "Battery level from the last device snapshot",
				},
			),
			SessionActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "sweeplog_session_active",
					Help: "Whether a cleaning session is currently accumulating",
				},
			),
			LifetimeSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "sweeplog_lifetime_sessions",
					Help: "Total sessions in the lifetime aggregate",
				},
			),
			LifetimeAreaM2: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "sweeplog_lifetime_area_m2",
					Help: "Total cleaned area in the lifetime aggregate",
				},
			),
			CycleDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sweeplog_cycle_duration_seconds",
					Help:    "Poll cycle duration",
					Buckets: prometheus.DefBuckets,
				},
			),
			PersistDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sweeplog_persist_duration_seconds",
					Help:    "End-to-end session persist duration including retries",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordCycle records a completed poll cycle
func (m *Metrics) RecordCycle(result string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
}

// RecordSession records a detected session outcome
func (m *Metrics) RecordSession(outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRowAppended records a row appended to the remote store
func (m *Metrics) RecordRowAppended(table string) {
	if m == nil {
		return
	}
	m.RowsAppendedTotal.WithLabelValues(table).Inc()
}

// RecordRetry records a retried remote operation
func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(op).Inc()
}

// RecordSchemaRepair records a schema recreation
func (m *Metrics) RecordSchemaRepair() {
	if m == nil {
		return
	}
	m.SchemaRepairsTotal.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetBattery sets the battery gauge from the latest snapshot
func (m *Metrics) SetBattery(percent int) {
	if m == nil {
		return
	}
	m.BatteryPercent.Set(float64(percent))
}

// SetSessionActive sets whether a session is accumulating
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SessionActive.Set(1)
	} else {
		m.SessionActive.Set(0)
	}
}

// SetLifetime publishes the lifetime aggregate gauges
func (m *Metrics) SetLifetime(sessions int, areaM2 float64) {
	if m == nil {
		return
	}
	m.LifetimeSessions.Set(float64(sessions))
	m.LifetimeAreaM2.Set(areaM2)
}

// ObserveCycleDuration records one poll cycle duration
func (m *Metrics) ObserveCycleDuration(seconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(seconds)
}

// ObservePersistDuration records one session persist duration
func (m *Metrics) ObservePersistDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PersistDuration.Observe(seconds)
}
