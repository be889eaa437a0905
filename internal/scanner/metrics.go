package scanner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments scan activity. A nil *Metrics is a no-op so adapters
// can be constructed without instrumentation in tests.
type Metrics struct {
	scans    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers scan metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filesentry",
				Subsystem: "scanner",
				Name:      "scans_total",
				Help:      "Total scan operations partitioned by engine and verdict.",
			},
			[]string{"engine", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "filesentry",
				Subsystem: "scanner",
				Name:      "scan_duration_seconds",
				Help:      "Duration of scan operations per engine.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"engine"},
		),
	}
	reg.MustRegister(m.scans, m.duration)
	return m
}

// RecordScan records the outcome and duration of one scan call.
func (m *Metrics) RecordScan(engine string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(engine, string(status)).Inc()
	seconds := elapsed.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.duration.WithLabelValues(engine).Observe(seconds)
}
