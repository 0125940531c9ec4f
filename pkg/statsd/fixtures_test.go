package statsd

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/internal/fixtures"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

type flushRecord struct {
	timestamp int64
	metrics   *statsdaemon.MetricMap
}

// capturingBackend records everything it is handed.
type capturingBackend struct {
	name string

	mu      sync.Mutex
	flushes []flushRecord
	packets [][]byte
	status  func(ctx context.Context, report statsdaemon.StatusReporter)
}

func (cb *capturingBackend) Name() string {
	return cb.name
}

func (cb *capturingBackend) OnFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.flushes = append(cb.flushes, flushRecord{timestamp: timestamp, metrics: metrics})
}

func (cb *capturingBackend) OnPacket(msg []byte, addr net.Addr) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.packets = append(cb.packets, append([]byte(nil), msg...))
}

func (cb *capturingBackend) OnStatus(ctx context.Context, report statsdaemon.StatusReporter) {
	if cb.status != nil {
		cb.status(ctx, report)
	}
}

func (cb *capturingBackend) Flushes() []flushRecord {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]flushRecord(nil), cb.flushes...)
}

func (cb *capturingBackend) Packets() [][]byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([][]byte(nil), cb.packets...)
}

// nameOnlyBackend implements no handler interface at all.
type nameOnlyBackend struct{}

func (nameOnlyBackend) Name() string { return "nameonly" }

func newTestMetrics() *stats.Metrics {
	return stats.NewMetrics(prometheus.NewRegistry())
}

// startWorker runs a Worker with a fresh aggregator until the test ends.
func startWorker(t *testing.T, ctx context.Context, countKeys bool) *Worker {
	aggr := NewMetricAggregator("statsd", countKeys, time.Unix(1, 0))
	parser := NewDatagramParser(fixtures.NewTestLogger(t), newTestMetrics(), false, 100)
	w := NewWorker(aggr, parser, 10)

	ctx, cancel := context.WithCancel(ctx)
	var wg wait.Group
	wg.StartWithContext(ctx, w.Run)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return w
}

// inspect runs f on the worker goroutine.
func inspect(t *testing.T, w *Worker, f ProcessFunc) {
	if err := w.Process(context.Background(), f); err != nil {
		t.Fatalf("process failed: %v", err)
	}
}
