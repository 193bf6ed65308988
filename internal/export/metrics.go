package export

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the export pipeline.
// A nil *Metrics records nothing.
type Metrics struct {
	exports       *prometheus.CounterVec
	strategies    *prometheus.CounterVec
	rows          *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	bundleEntries *prometheus.CounterVec
	active        prometheus.Gauge
	rejected      prometheus.Counter
	duration      *prometheus.HistogramVec
}

// NewMetrics registers the export collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		exports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certexport_exports_total",
				Help: "Total number of delivered exports by report, format and outcome",
			},
			[]string{"report", "format", "outcome"},
		),

		strategies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certexport_strategy_decisions_total",
				Help: "Total number of strategy decisions by report and chosen format",
			},
			[]string{"report", "format"},
		),

		rows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certexport_rows_exported_total",
				Help: "Total number of data rows written to export output",
			},
			[]string{"report", "format"},
		),

		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certexport_bytes_exported_total",
				Help: "Total number of bytes produced by exports",
			},
			[]string{"report", "format"},
		),

		bundleEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certexport_bundle_entries_total",
				Help: "Total number of archive entries by outcome",
			},
			[]string{"outcome"},
		),

		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "certexport_active_exports",
			Help: "Current number of exports holding a slot",
		}),

		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "certexport_exports_rejected_total",
			Help: "Total number of exports rejected because no slot was free",
		}),

		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "certexport_export_duration_seconds",
				Help:    "Time from strategy selection to the end of delivery",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~44min
			},
			[]string{"format"},
		),
	}
}

// RecordStrategy records the format chosen for a report.
func (m *Metrics) RecordStrategy(reportKey string, kind Kind) {
	if m == nil {
		return
	}
	m.strategies.WithLabelValues(reportKey, kind.String()).Inc()
}

// RecordExport records a finished export.
func (m *Metrics) RecordExport(reportKey string, kind Kind, rows, bytes int64, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	format := kind.String()
	m.exports.WithLabelValues(reportKey, format, outcome(err)).Inc()
	m.rows.WithLabelValues(reportKey, format).Add(float64(rows))
	m.bytes.WithLabelValues(reportKey, format).Add(float64(bytes))
	m.duration.WithLabelValues(format).Observe(elapsed.Seconds())
}

// RecordBundleEntry records one archive entry.
func (m *Metrics) RecordBundleEntry(err error) {
	if m == nil {
		return
	}
	m.bundleEntries.WithLabelValues(outcome(err)).Inc()
}

// RecordRejected records an export turned away by the limiter.
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// SetActive updates the number of exports holding a slot.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, errIncomplete), errors.Is(err, errArchiveClosed):
		return "abandoned"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Active returns the gauge of exports holding a slot.
func (m *Metrics) Active() prometheus.Gauge {
	return m.active
}
