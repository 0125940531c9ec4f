package statsd

import (
	"bufio"
	"context"
	"io/ioutil"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/internal/fixtures"
)

type consoleFixture struct {
	conn   net.Conn
	reader *bufio.Reader
	worker *Worker
	health *statsdaemon.Health
}

func newConsoleFixture(t *testing.T, backends ...statsdaemon.Backend) *consoleFixture {
	clck := clock.NewMock(time.Unix(1000, 0))
	ctx, cancel := context.WithTimeout(clock.Context(context.Background(), clck), 5*time.Second)
	t.Cleanup(cancel)

	w := startWorker(t, ctx, false)
	logger := fixtures.NewTestLogger(t)
	health := statsdaemon.NewHealth(statsdaemon.HealthUp)
	cs := &ConsoleServer{
		Logger:     logger,
		Aggregator: w,
		Status:     NewBackendHandler(logger, backends, time.Second),
		Health:     health,
		Startup:    time.Unix(900, 0),
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctxServe, cancelServe := context.WithCancel(ctx)
	var wg wait.Group
	wg.Start(func() {
		assert.NoError(t, cs.Serve(ctxServe, l))
	})
	t.Cleanup(func() {
		cancelServe()
		wg.Wait()
	})

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &consoleFixture{
		conn:   conn,
		reader: bufio.NewReader(conn),
		worker: w,
		health: health,
	}
}

// command sends cmd and reads the response up to and including terminator.
func (cf *consoleFixture) command(t *testing.T, cmd, terminator string) string {
	_, err := cf.conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)
	var sb strings.Builder
	for !strings.HasSuffix(sb.String(), terminator) {
		line, err := cf.reader.ReadString('\n')
		require.NoError(t, err)
		sb.WriteString(line)
	}
	return sb.String()
}

func TestConsoleHelp(t *testing.T) {
	t.Parallel()
	cf := newConsoleFixture(t)
	assert.Equal(t, "Commands: stats, counters, timers, gauges, delcounters, deltimers, delgauges, health, quit\n\n", cf.command(t, "help", "\n\n"))
}

func TestConsoleUnknownAndEmpty(t *testing.T) {
	t.Parallel()
	cf := newConsoleFixture(t)
	assert.Equal(t, "ERROR\n", cf.command(t, "sets", "\n"))
	assert.Equal(t, "ERROR\n", cf.command(t, "  ", "\n"))
}

func TestConsoleHealth(t *testing.T) {
	t.Parallel()
	cf := newConsoleFixture(t)
	assert.Equal(t, "health: up\n", cf.command(t, "health", "\n"))
	assert.Equal(t, "health: down\n", cf.command(t, "health DOWN", "\n"))
	assert.Equal(t, statsdaemon.HealthDown, cf.health.Get())
	assert.Equal(t, "health: down\n", cf.command(t, "health sideways", "\n"))
	assert.Equal(t, "health: up\n", cf.command(t, "health up", "\n"))
}

func TestConsoleDumpAndDelete(t *testing.T) {
	t.Parallel()
	cf := newConsoleFixture(t)
	inspect(t, cf.worker, func(aggr *MetricAggregator) {
		aggr.Receive(fixtures.MakeMetric(fixtures.Name("api.a"), fixtures.Type(statsdaemon.GAUGE), fixtures.Value(1)))
		aggr.Receive(fixtures.MakeMetric(fixtures.Name("api.b"), fixtures.Type(statsdaemon.GAUGE), fixtures.Value(2)))
		aggr.Receive(fixtures.MakeMetric(fixtures.Name("t"), fixtures.Type(statsdaemon.TIMER), fixtures.Value(3)))
	})

	assert.Equal(t, "map[api.a:1 api.b:2]\nEND\n\n", cf.command(t, "gauges", "END\n\n"))
	assert.Equal(t, "map[t:[3]]\nEND\n\n", cf.command(t, "timers", "END\n\n"))
	assert.Equal(t, "deleted: api.a\ndeleted: api.b\nmetric nope not found\nEND\n\n", cf.command(t, "delgauges api.* nope", "END\n\n"))
	assert.Equal(t, "deleted: t\nEND\n\n", cf.command(t, "deltimers t", "END\n\n"))

	var timerCounters map[string]float64
	inspect(t, cf.worker, func(aggr *MetricAggregator) {
		timerCounters = copyCounts(aggr.timerCounters)
	})
	assert.Empty(t, timerCounters)
}

func TestConsoleStats(t *testing.T) {
	t.Parallel()
	graphite := &capturingBackend{name: "graphite", status: func(ctx context.Context, report statsdaemon.StatusReporter) {
		report(nil, "graphite", "last_flush", 990)
		report(nil, "graphite", "flush_length", 42)
	}}
	cf := newConsoleFixture(t, graphite)
	inspect(t, cf.worker, func(aggr *MetricAggregator) {
		aggr.SeenMessage(time.Unix(995, 0))
		aggr.BadLine()
	})

	assert.Equal(t, "uptime: 100\n"+
		"messages.last_msg_seen: 5\n"+
		"messages.bad_lines_seen: 1\n"+
		"graphite.last_flush: 10\n"+
		"graphite.flush_length: 42\n"+
		"END\n\n", cf.command(t, "stats", "END\n\n"))
}

func TestConsoleQuit(t *testing.T) {
	t.Parallel()
	cf := newConsoleFixture(t)
	_, err := cf.conn.Write([]byte("quit\n"))
	require.NoError(t, err)
	rest, err := ioutil.ReadAll(cf.reader)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func copyCounts(m map[string]float64) map[string]float64 {
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
