package statsd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerAppliesInOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := startWorker(t, ctx, false)

	for _, msg := range []string{"g:10|g", "g:-3|g", "g:+1|g"} {
		require.NoError(t, w.DispatchDatagram(ctx, &Datagram{Msg: []byte(msg)}))
	}

	var gauge float64
	inspect(t, w, func(aggr *MetricAggregator) {
		gauge = aggr.gauges["g"]
	})
	assert.Equal(t, 8.0, gauge)
}

func TestWorkerProcessAfterStop(t *testing.T) {
	t.Parallel()
	aggr := NewMetricAggregator("statsd", false, time.Unix(1, 0))
	w := NewWorker(aggr, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := w.Process(ctx, func(*MetricAggregator) { called = true })
	assert.Equal(t, context.Canceled, err)
	assert.False(t, called)

	// The queue is full and nobody reads it.
	require.NoError(t, w.DispatchDatagram(context.Background(), &Datagram{}))
	assert.Equal(t, 1, w.QueueLength())
	assert.Equal(t, context.Canceled, w.DispatchDatagram(ctx, &Datagram{}))
}
