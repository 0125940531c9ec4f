package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes the names of all metrics of the daemon.
const Namespace = "statsdaemon"

// Metrics are the daemon's own operational metrics, exposed on /metrics.
type Metrics struct {
	PacketsReceived prometheus.Counter
	PacketsDropped  prometheus.Counter
	LinesReceived   prometheus.Counter
	BadLines        prometheus.Counter
	Flushes         prometheus.Counter
	FlushDuration   prometheus.Histogram
	ProcessTimeouts prometheus.Counter
	StatusTimeouts  prometheus.Counter
	ConsoleSessions prometheus.Gauge
	BackendErrors   *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams read from the metrics socket.",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped on shutdown before they were parsed.",
		}),
		LinesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lines_received_total",
			Help:      "Non-empty lines parsed.",
		}),
		BadLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bad_lines_total",
			Help:      "Bits rejected by the parser.",
		}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "flushes_total",
			Help:      "Completed flush cycles.",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time from snapshot to the last backend OnFlush returning.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		ProcessTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "process_timeouts_total",
			Help:      "Flushes skipped because the statistics processor did not complete in time.",
		}),
		StatusTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "status_timeouts_total",
			Help:      "Status collections which ended before every backend returned.",
		}),
		ConsoleSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "console_sessions",
			Help:      "Open management console connections.",
		}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_errors_total",
			Help:      "Errors reported by backends while sending.",
		}, []string{"backend"}),
	}
}
