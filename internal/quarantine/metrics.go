package quarantine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels for metrics.
const (
	OpQuarantine = "quarantine"
	OpRetrieve   = "retrieve"
	OpRelease    = "release"
	OpPurge      = "purge"
	OpExpire     = "expire"
)

// MetricsRecorder receives operation outcomes from the Service. It is an
// injected dependency with an explicit lifecycle so tests can substitute a
// no-op or capturing implementation.
type MetricsRecorder interface {
	// RecordOperation counts a successful operation.
	RecordOperation(op string)
	// RecordError counts a failed operation.
	RecordError(op string)
	// ActiveAdd moves the active-quarantine gauge by delta.
	ActiveAdd(delta float64)
}

// PrometheusRecorder implements MetricsRecorder on prometheus collectors.
type PrometheusRecorder struct {
	ops    *prometheus.CounterVec
	errors *prometheus.CounterVec
	active prometheus.Gauge
}

var _ MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers quarantine metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filesentry",
				Subsystem: "quarantine",
				Name:      "operations_total",
				Help:      "Total quarantine operations by type.",
			},
			[]string{"operation"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filesentry",
				Subsystem: "quarantine",
				Name:      "errors_total",
				Help:      "Total quarantine operation errors by type.",
			},
			[]string{"operation"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "filesentry",
				Subsystem: "quarantine",
				Name:      "active_files",
				Help:      "Number of files currently in active quarantine.",
			},
		),
	}
	reg.MustRegister(r.ops, r.errors, r.active)
	return r
}

func (r *PrometheusRecorder) RecordOperation(op string) { r.ops.WithLabelValues(op).Inc() }
func (r *PrometheusRecorder) RecordError(op string)     { r.errors.WithLabelValues(op).Inc() }
func (r *PrometheusRecorder) ActiveAdd(delta float64)   { r.active.Add(delta) }

// NopRecorder discards all metrics.
type NopRecorder struct{}

var _ MetricsRecorder = NopRecorder{}

func (NopRecorder) RecordOperation(string) {}
func (NopRecorder) RecordError(string)     {}
func (NopRecorder) ActiveAdd(float64)      {}
