package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/internal/fixtures"
)

type mockedCloudwatch struct {
	cloudwatchiface.CloudWatchAPI

	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockedCloudwatch) PutMetricData(input *cloudwatch.PutMetricDataInput) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	return &cloudwatch.PutMetricDataOutput{}, m.err
}

func (m *mockedCloudwatch) requests() []*cloudwatch.PutMetricDataInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*cloudwatch.PutMetricDataInput(nil), m.inputs...)
}

// flushAndWait flushes mm and waits for the sends to finish.
func flushAndWait(t *testing.T, cli *Client, ctx context.Context, mm *statsdaemon.MetricMap) {
	runCtx, cancel := context.WithCancel(ctx)
	cli.OnFlush(ctx, 1500000000, mm)
	cancel()
	cli.Run(runCtx)
}

func metricsOneOfEach() *statsdaemon.MetricMap {
	mm := statsdaemon.NewMetricMap()
	mm.Counters["c1"] = 5
	mm.CounterRates["c1"] = 1.1
	mm.TimerData["t1"] = &statsdaemon.TimerData{
		Count:       1,
		CountPS:     1.1,
		Lower:       0,
		Upper:       1,
		Mean:        0.5,
		Median:      0.5,
		Std:         0.1,
		Sum:         1,
		SumSquares:  1,
		Percentiles: statsdaemon.Percentiles{{Float: 0.1, Str: "count_90"}},
		Histogram:   map[string]int{"bin_20": 5, "bin_inf": 19},
	}
	mm.Gauges["g1"] = 3
	s := statsdaemon.NewSet()
	s.Add("joe")
	s.Add("bob")
	s.Add("john")
	mm.Sets["users"] = s
	return mm
}

func TestSendMetrics(t *testing.T) {
	t.Parallel()
	api := &mockedCloudwatch{}
	cli, err := NewClient(api, "ns", nil, 1, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)

	ctx := clock.Context(context.Background(), clock.NewMock(time.Unix(1500000010, 0)))
	flushAndWait(t, cli, ctx, metricsOneOfEach())

	expected := []struct {
		Name  string
		Unit  string
		Value float64
	}{
		{Name: "stats.counter.c1.count", Unit: "Count", Value: 5},
		{Name: "stats.counter.c1.per_second", Unit: "Count/Second", Value: 1.1},

		{Name: "stats.timers.t1.lower", Unit: "Milliseconds", Value: 0},
		{Name: "stats.timers.t1.upper", Unit: "Milliseconds", Value: 1},
		{Name: "stats.timers.t1.count", Unit: "Count", Value: 1},
		{Name: "stats.timers.t1.count_ps", Unit: "Count/Second", Value: 1.1},
		{Name: "stats.timers.t1.mean", Unit: "Milliseconds", Value: 0.5},
		{Name: "stats.timers.t1.median", Unit: "Milliseconds", Value: 0.5},
		{Name: "stats.timers.t1.std", Unit: "Milliseconds", Value: 0.1},
		{Name: "stats.timers.t1.sum", Unit: "Milliseconds", Value: 1},
		{Name: "stats.timers.t1.sum_squares", Unit: "Milliseconds", Value: 1},
		{Name: "stats.timers.t1.count_90", Unit: "Milliseconds", Value: 0.1},
		{Name: "stats.timers.t1.histogram.bin_20", Unit: "Count", Value: 5},
		{Name: "stats.timers.t1.histogram.bin_inf", Unit: "Count", Value: 19},

		{Name: "stats.gauge.g1", Unit: "None", Value: 3},
		{Name: "stats.set.users", Unit: "None", Value: 3},
	}

	requests := api.requests()
	require.Len(t, requests, 1)
	input := requests[0]
	assert.Equal(t, "ns", *input.Namespace)
	require.Len(t, input.MetricData, len(expected))
	for idx, row := range expected {
		assert.Equal(t, row.Name, *input.MetricData[idx].MetricName)
		assert.Equal(t, row.Unit, *input.MetricData[idx].Unit)
		assert.Equal(t, row.Value, *input.MetricData[idx].Value)
		assert.Equal(t, int64(1500000000), input.MetricData[idx].Timestamp.Unix())
	}

	status := collectStatus(cli)
	assert.Equal(t, 1500000010.0, status["last_flush"])
	assert.Equal(t, 100.0, status["last_exception"])
}

func TestSendMetricsInBatches(t *testing.T) {
	t.Parallel()
	api := &mockedCloudwatch{}
	cli, err := NewClient(api, "ns", nil, 1, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)

	mm := statsdaemon.NewMetricMap()
	for i := 0; i < 45; i++ {
		mm.Gauges[fmt.Sprintf("g%02d", i)] = float64(i)
	}
	flushAndWait(t, cli, context.Background(), mm)

	requests := api.requests()
	require.Len(t, requests, 3)
	assert.Len(t, requests[0].MetricData, 20)
	assert.Len(t, requests[1].MetricData, 20)
	assert.Len(t, requests[2].MetricData, 5)
	assert.Equal(t, "stats.gauge.g44", *requests[2].MetricData[4].MetricName)
}

func TestSendMetricDimensions(t *testing.T) {
	t.Parallel()
	logger := fixtures.NewTestLogger(t)
	api := &mockedCloudwatch{}
	cli, err := NewClient(api, "ns", extractDimensions([]string{"tag1", "tag2:value2"}, logger), 1, time.Unix(100, 0), logger)
	require.NoError(t, err)

	mm := statsdaemon.NewMetricMap()
	mm.Counters["c1"] = 5
	mm.CounterRates["c1"] = 0.5
	flushAndWait(t, cli, context.Background(), mm)

	requests := api.requests()
	require.Len(t, requests, 1)
	require.Len(t, requests[0].MetricData, 2)
	for _, datum := range requests[0].MetricData {
		require.Len(t, datum.Dimensions, 2)
		assert.Equal(t, "tag1", *datum.Dimensions[0].Name)
		assert.Equal(t, "set", *datum.Dimensions[0].Value)
		assert.Equal(t, "tag2", *datum.Dimensions[1].Name)
		assert.Equal(t, "value2", *datum.Dimensions[1].Value)
	}
}

func TestExtractDimensionsTruncates(t *testing.T) {
	t.Parallel()
	pairs := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		pairs = append(pairs, fmt.Sprintf("d%d:v", i))
	}
	assert.Len(t, extractDimensions(pairs, fixtures.NewTestLogger(t)), maxDimensions)
}

func TestSendFailure(t *testing.T) {
	t.Parallel()
	api := &mockedCloudwatch{err: errors.New("throttled")}
	cli, err := NewClient(api, "ns", nil, 1, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)

	ctx := clock.Context(context.Background(), clock.NewMock(time.Unix(300, 0)))
	flushAndWait(t, cli, ctx, metricsOneOfEach())

	status := collectStatus(cli)
	assert.Equal(t, 100.0, status["last_flush"])
	assert.Equal(t, 300.0, status["last_exception"])
}

func TestEmptyFlushSendsNothing(t *testing.T) {
	t.Parallel()
	api := &mockedCloudwatch{}
	cli, err := NewClient(api, "ns", nil, 1, time.Unix(100, 0), fixtures.NewTestLogger(t))
	require.NoError(t, err)
	flushAndWait(t, cli, context.Background(), statsdaemon.NewMetricMap())
	assert.Empty(t, api.requests())
}

func TestNewClientErrors(t *testing.T) {
	t.Parallel()
	logger := fixtures.NewTestLogger(t)
	_, err := NewClient(&mockedCloudwatch{}, "", nil, 1, time.Now(), logger)
	assert.Error(t, err)
	_, err = NewClient(&mockedCloudwatch{}, "ns", nil, 0, time.Now(), logger)
	assert.Error(t, err)
}

func TestNewClientFromViper(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set("cloudwatch.region", "us-east-1")
	v.Set("cloudwatch.dimensions", "env:prod")
	b, err := NewClientFromViper(v, time.Now(), fixtures.NewTestLogger(t))
	require.NoError(t, err)
	cli := b.(*Client)
	assert.Equal(t, DefaultNamespace, cli.namespace)
	assert.Equal(t, DefaultMaxConcurrentSends, cap(cli.sem))
	require.Len(t, cli.dimensions, 1)
	assert.Equal(t, "env", *cli.dimensions[0].Name)
	assert.Equal(t, "prod", *cli.dimensions[0].Value)
}

func collectStatus(c *Client) map[string]float64 {
	status := map[string]float64{}
	c.OnStatus(context.Background(), func(err error, backendName, statName string, value float64) {
		status[statName] = value
	})
	return status
}
