package statsdaemon

import (
	"context"
	"time"
)

// ProcessCallback receives the result of a Processor.
type ProcessCallback func(*MetricMap)

// Processor computes derived statistics for a snapshot. Implementations must invoke done
// exactly once, from any goroutine.
type Processor interface {
	Process(ctx context.Context, metrics *MetricMap, flushInterval time.Duration, timestamp int64, done ProcessCallback)
}

// ProcessorFunc type is an adapter to allow the use of ordinary functions as Processor.
type ProcessorFunc func(ctx context.Context, metrics *MetricMap, flushInterval time.Duration, timestamp int64, done ProcessCallback)

// Process calls f(ctx, metrics, flushInterval, timestamp, done).
func (f ProcessorFunc) Process(ctx context.Context, metrics *MetricMap, flushInterval time.Duration, timestamp int64, done ProcessCallback) {
	f(ctx, metrics, flushInterval, timestamp, done)
}
