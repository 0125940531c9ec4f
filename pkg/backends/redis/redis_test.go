package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/go-redis/redis"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/internal/fixtures"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

type fakeRedis struct {
	mu      sync.Mutex
	pingErr error
	list    map[string][]string
	trims   []int64
	closed  bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{list: map[string][]string{}}
}

func (f *fakeRedis) Ping() *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) LPush(key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.list[key] = append([]string{string(v.([]byte))}, f.list[key]...)
	}
	return redis.NewIntResult(int64(len(f.list[key])), nil)
}

func (f *fakeRedis) LTrim(key string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trims = append(f.trims, stop)
	if int64(len(f.list[key])) > stop+1 {
		f.list[key] = f.list[key][start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) entries(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.list[key]...)
}

func TestPushesAndTrimsHistory(t *testing.T) {
	t.Parallel()
	fr := newFakeRedis()
	c, err := NewClient(fr, "history", 2, 10, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = clock.Context(ctx, clock.NewMock(time.Unix(500, 0)))
	var wg wait.Group
	wg.StartWithContext(ctx, c.Run)

	for i := int64(1); i <= 3; i++ {
		mm := statsdaemon.NewMetricMap()
		mm.Counters["c"] = float64(i)
		c.OnFlush(ctx, i, mm)
	}
	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.trims) == 3
	}, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	entries := fr.entries("history")
	require.Len(t, entries, 2)
	var newest map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal([]byte(entries[0]), &newest))
	assert.Equal(t, 3.0, newest["timestamp"])
	assert.Equal(t, map[string]interface{}{"c": 3.0}, newest["counters"])
	assert.Equal(t, []int64{1, 1, 1}, fr.trims)
	assert.True(t, fr.closed)

	status := collectStatus(c)
	assert.Equal(t, 500.0, status["last_flush"])
	assert.Equal(t, 100.0, status["last_exception"])
}

func TestPingFailure(t *testing.T) {
	t.Parallel()
	fr := newFakeRedis()
	fr.pingErr = errors.New("connection refused")
	c, err := NewClient(fr, DefaultKey, DefaultHistoryDepth, 1, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)

	m := stats.NewMetrics(prometheus.NewRegistry())
	ctx := stats.NewContext(context.Background(), m)
	ctx = clock.Context(ctx, clock.NewMock(time.Unix(700, 0)))
	c.OnFlush(ctx, 1, statsdaemon.NewMetricMap())
	p := <-c.payloads
	c.done(p.clck, p.failures, c.write(p.data))

	assert.Empty(t, fr.entries(DefaultKey))
	assert.Equal(t, 700.0, collectStatus(c)["last_exception"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendErrors.WithLabelValues(BackendName)))
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	c, err := NewClient(newFakeRedis(), DefaultKey, DefaultHistoryDepth, 1, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)

	ctx := clock.Context(context.Background(), clock.NewMock(time.Unix(800, 0)))
	c.OnFlush(ctx, 1, statsdaemon.NewMetricMap())
	assert.Equal(t, 100.0, collectStatus(c)["last_exception"])
	c.OnFlush(ctx, 2, statsdaemon.NewMetricMap())
	assert.Equal(t, 800.0, collectStatus(c)["last_exception"])
}

func TestNewClientErrors(t *testing.T) {
	t.Parallel()
	logger := fixtures.NewTestLogger(t)
	_, err := NewClient(newFakeRedis(), "", 1, 1, time.Now(), logger)
	assert.Error(t, err)
	_, err = NewClient(newFakeRedis(), "k", 0, 1, time.Now(), logger)
	assert.Error(t, err)
	_, err = NewClient(newFakeRedis(), "k", 1, 0, time.Now(), logger)
	assert.Error(t, err)
}

func TestNewClientFromViper(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("redis.key", "custom")
	b, err := NewClientFromViper(v, time.Now(), fixtures.NewTestLogger(t))
	require.NoError(t, err)
	c := b.(*Client)
	assert.Equal(t, "custom", c.key)
	assert.EqualValues(t, DefaultHistoryDepth, c.historyDepth)
	assert.Equal(t, DefaultQueueSize, cap(c.payloads))
	_ = c.redis.Close()

	v.Set("redis.history_depth", -1)
	_, err = NewClientFromViper(v, time.Now(), fixtures.NewTestLogger(t))
	assert.Error(t, err)
}

func collectStatus(c *Client) map[string]float64 {
	status := map[string]float64{}
	c.OnStatus(context.Background(), func(err error, backendName, statName string, value float64) {
		status[statName] = value
	})
	return status
}
