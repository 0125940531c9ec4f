package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsKey int

const metricsContextKey = metricsKey(0)

// NewContext attaches Metrics to a Context.
func NewContext(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, metricsContextKey, m)
}

// FromContext returns the Metrics of a Context. Always succeeds, if there are none attached it
// returns a fresh set registered nowhere.
func FromContext(ctx context.Context) *Metrics {
	if m, ok := ctx.Value(metricsContextKey).(*Metrics); ok {
		return m
	}
	return NewMetrics(prometheus.NewRegistry())
}
