package statsd

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/internal/fixtures"
	"github.com/atlassian/statsdaemon/pkg/fakesocket"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

func newTestServer(t *testing.T, backends ...statsdaemon.Backend) *Server {
	s := NewServer()
	s.Backends = backends
	s.Logger = fixtures.NewTestLogger(t)
	s.MgmtAddr = ""
	s.MaxReaders = 2
	return s
}

func TestServerFlushesToBackends(t *testing.T) {
	t.Parallel()
	backend := &capturingBackend{name: "capture"}
	s := newTestServer(t, backend)
	s.FlushInterval = 50 * time.Millisecond

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- s.RunWithCustomSocket(ctx, func() (net.PacketConn, error) { return conn, nil })
	}()

	client, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	// UDP may drop a datagram, keep sending until one arrives.
	require.Eventually(t, func() bool {
		_, _ = client.Write([]byte("a:1|c\nt:5|ms"))
		for _, f := range backend.Flushes() {
			if f.metrics.Counters["a"] > 0 && len(f.metrics.Timers["t"]) > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	for _, f := range backend.Flushes() {
		if f.metrics.Counters["a"] > 0 {
			assert.Contains(t, f.metrics.CounterRates, "a")
			assert.Contains(t, f.metrics.StatsdMetrics, "processing_time")
			assert.Equal(t, s.FlushInterval, f.metrics.FlushInterval)
		}
	}
	assert.NotEmpty(t, backend.Packets())

	cancel()
	assert.Equal(t, context.Canceled, <-errc)
}

func TestServerFinalFlushOnShutdown(t *testing.T) {
	t.Parallel()
	backend := &capturingBackend{name: "capture"}
	s := newTestServer(t, backend)
	s.FlushInterval = time.Hour

	metrics := stats.NewMetrics(prometheus.NewRegistry())
	ctx, cancel := context.WithTimeout(stats.NewContext(context.Background(), metrics), 10*time.Second)
	defer cancel()

	c := newScriptedPacketConn("a:2|c", "g:7|g")
	errc := make(chan error, 1)
	go func() {
		errc <- s.RunWithCustomSocket(ctx, func() (net.PacketConn, error) { return c, nil })
	}()

	// Both lines are in the aggregator once the parser has counted them.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.LinesReceived) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, backend.Flushes())

	cancel()
	assert.Equal(t, context.Canceled, <-errc)

	flushes := backend.Flushes()
	require.Len(t, flushes, 1)
	assert.Equal(t, 2.0, flushes[0].metrics.Counters["a"])
	assert.Equal(t, 7.0, flushes[0].metrics.Gauges["g"])
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PacketsReceived))
}

func TestServerSocketError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	expected := errors.New("no socket for you")
	err := s.RunWithCustomSocket(context.Background(), func() (net.PacketConn, error) {
		return nil, expected
	})
	assert.Equal(t, expected, err)
}

func TestServerQueueLengthGauge(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	reg := prometheus.NewRegistry()
	s.Registerer = reg

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.RunWithCustomSocket(ctx, func() (net.PacketConn, error) { return newScriptedPacketConn(), nil })
	}()

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, stats.Namespace+"_queue_length")
		return err == nil && n == 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.Equal(t, context.Canceled, <-errc)
	n, err := testutil.GatherAndCount(reg, stats.Namespace+"_queue_length")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestStatsdThroughput emulates statsd work using fake network socket and a counting backend to
// measure throughput.
func TestStatsdThroughput(t *testing.T) {
	rand.Seed(time.Now().UnixNano())
	var memStatsStart, memStatsFinish runtime.MemStats
	runtime.ReadMemStats(&memStatsStart)
	backend := &countingBackend{}
	s := NewServer()
	s.Backends = []statsdaemon.Backend{backend}
	s.MgmtAddr = ""
	s.FlushInterval = 100 * time.Millisecond

	ctx, cancelFunc := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFunc()
	start := time.Now()
	err := s.RunWithCustomSocket(ctx, fakesocket.Factory)
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		t.Errorf("statsd run failed: %v", err)
	}
	duration := float64(time.Since(start)) / float64(time.Second)

	runtime.ReadMemStats(&memStatsFinish)
	totalAlloc := memStatsFinish.TotalAlloc - memStatsStart.TotalAlloc
	numMetrics := atomic.LoadUint64(&backend.metrics)
	if numMetrics == 0 {
		t.Fatal("no metrics were flushed")
	}
	mallocs := memStatsFinish.Mallocs - memStatsStart.Mallocs
	t.Logf(`Flushed metrics: %d (%f per second)
	TotalAlloc: %d (%d per metric)
	Mallocs: %d (%d per metric)
	NumGC: %d
	GCCPUFraction: %f`,
		numMetrics, float64(numMetrics)/duration,
		totalAlloc, totalAlloc/numMetrics,
		mallocs, mallocs/numMetrics,
		memStatsFinish.NumGC-memStatsStart.NumGC,
		memStatsFinish.GCCPUFraction)
}

type countingBackend struct {
	metrics uint64
}

func (cb *countingBackend) Name() string {
	return "countingBackend"
}

func (cb *countingBackend) OnFlush(ctx context.Context, timestamp int64, m *statsdaemon.MetricMap) {
	atomic.AddUint64(&cb.metrics, uint64(m.NumStats()))
}
