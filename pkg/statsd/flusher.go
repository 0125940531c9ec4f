package statsd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/internal/util"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

var errProcessTimeout = errors.New("statistics processor did not complete in time")

// FlushDispatcher hands processed metrics to the backends.
type FlushDispatcher interface {
	DispatchFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap)
}

// FlusherConfig holds the settings of a MetricFlusher.
type FlusherConfig struct {
	FlushInterval    time.Duration // How often to flush metrics to the backends
	FlushOffset      time.Duration // Offset for when to flush if alignment is enabled
	FlushAligned     bool          // Indicate if flush is aligned to the interval or not
	ProcessTimeout   time.Duration // How long the Processor may take, defaults to FlushInterval
	ResetPolicy      ResetPolicy
	PercentThreshold []float64
	Histogram        []statsdaemon.HistogramConfig
}

// MetricFlusher periodically snapshots and resets the aggregation state, runs the Processor
// over the snapshot and hands the result to the backends.
type MetricFlusher struct {
	config     FlusherConfig
	logger     logrus.FieldLogger
	aggregator AggregateProcesser
	processor  statsdaemon.Processor
	dispatcher FlushDispatcher

	previousFlush int64 // Unix seconds of the previous flush, 0 before the first one
}

// NewMetricFlusher creates a new MetricFlusher with provided configuration.
func NewMetricFlusher(config FlusherConfig, logger logrus.FieldLogger, aggregator AggregateProcesser, processor statsdaemon.Processor, dispatcher FlushDispatcher) *MetricFlusher {
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = config.FlushInterval
	}
	return &MetricFlusher{
		config:     config,
		logger:     logger,
		aggregator: aggregator,
		processor:  processor,
		dispatcher: dispatcher,
	}
}

// Run flushes on every tick until ctx is done, then flushes one last time. The aggregator must
// still be running when ctx is done.
func (f *MetricFlusher) Run(ctx context.Context) {
	ticker := util.NewFlushTicker(ctx, f.config.FlushInterval, f.config.FlushOffset, f.config.FlushAligned)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalFlush(ctx)
			return
		case <-ticker.C: // Time to flush to the backends
			f.flush(ctx)
		}
	}
}

func (f *MetricFlusher) finalFlush(parent context.Context) {
	// parent is done, keep its values (clock, metrics) but not its cancellation. The deadline
	// leaves the processor its full timeout.
	ctx, cancel := clock.TimeoutContext(detached{parent}, 2*f.config.ProcessTimeout)
	defer cancel()
	f.logger.Info("Final flush")
	f.flush(ctx)
}

// flush runs one flush cycle. The lag gauge, snapshot and reset happen in a single step on the
// aggregator, so every observation lands in exactly one snapshot.
func (f *MetricFlusher) flush(ctx context.Context) {
	metrics := stats.FromContext(ctx)
	clck := clock.FromContext(ctx)
	start := clck.Now()
	timestamp := start.Unix()

	var snapshot *statsdaemon.MetricMap
	err := f.aggregator.Process(ctx, func(aggr *MetricAggregator) {
		if f.previousFlush != 0 {
			aggr.RecordTimestampLag(float64(timestamp-f.previousFlush) - f.config.FlushInterval.Seconds())
		}
		snapshot = aggr.Snapshot()
		aggr.Reset(f.config.ResetPolicy)
	})
	if err != nil {
		// Only happens when ctx is done, there is nothing left to flush to.
		return
	}
	f.previousFlush = timestamp

	snapshot.PctThreshold = append([]float64(nil), f.config.PercentThreshold...)
	snapshot.Histogram = f.config.Histogram
	snapshot.FlushInterval = f.config.FlushInterval
	snapshot.Timestamp = timestamp

	processed, err := f.process(ctx, snapshot, timestamp)
	if err != nil {
		if err == errProcessTimeout {
			metrics.ProcessTimeouts.Inc()
			f.logger.WithField("timeout", f.config.ProcessTimeout).Error("Skipping flush, the statistics processor timed out")
		}
		return
	}

	f.dispatcher.DispatchFlush(ctx, timestamp, processed)
	metrics.Flushes.Inc()
	metrics.FlushDuration.Observe(clck.Now().Sub(start).Seconds())
}

// process runs the Processor and waits for its callback. The callback is honoured at most once,
// and not at all after the process timeout.
func (f *MetricFlusher) process(ctx context.Context, snapshot *statsdaemon.MetricMap, timestamp int64) (*statsdaemon.MetricMap, error) {
	result := make(chan *statsdaemon.MetricMap, 1)
	var once sync.Once
	done := func(processed *statsdaemon.MetricMap) {
		called := false
		once.Do(func() {
			called = true
			result <- processed
		})
		if !called {
			f.logger.Warn("Statistics processor completed more than once")
		}
	}

	timer := clock.NewTimer(ctx, f.config.ProcessTimeout)
	defer timer.Stop()

	// The snapshot belongs to the processor from here, so it may run for as long as it likes.
	go f.processor.Process(ctx, snapshot, f.config.FlushInterval, timestamp, done)

	select {
	case processed := <-result:
		return processed, nil
	case <-timer.C:
		return nil, errProcessTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detached is a context which carries the values of its parent but is never done.
type detached struct {
	parent context.Context
}

func (detached) Deadline() (time.Time, bool)         { return time.Time{}, false }
func (detached) Done() <-chan struct{}               { return nil }
func (detached) Err() error                          { return nil }
func (d detached) Value(key interface{}) interface{} { return d.parent.Value(key) }
