package record

import (
	"bytes"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/statsdaemon"
)

func testMetrics() *statsdaemon.MetricMap {
	mm := statsdaemon.NewMetricMap()
	mm.Counters["c"] = 10
	mm.CounterRates["c"] = 1
	mm.Timers["t"] = []float64{1, 3}
	mm.TimerData["t"] = &statsdaemon.TimerData{
		Count:       2,
		Upper:       3,
		Percentiles: statsdaemon.Percentiles{{Float: 3, Str: "upper_90"}},
		Histogram:   map[string]int{"bin_inf": 2},
	}
	mm.Gauges["g"] = -1
	s := statsdaemon.NewSet()
	s.Add("b")
	s.Add("a")
	mm.Sets["s"] = s
	mm.PctThreshold = []float64{90}
	return mm
}

func TestNew(t *testing.T) {
	t.Parallel()
	r := New(1500000000, testMetrics())

	assert.Equal(t, "Fri Jul 14 2017 02:40:00 GMT+0000 (UTC)", r.DateTime)
	assert.Equal(t, []string{"a", "b"}, r.Sets["s"])
	assert.Equal(t, 3.0, r.TimerData["t"]["upper_90"])
	assert.Equal(t, map[string]int{"bin_inf": 2}, r.TimerData["t"]["histogram"])
	assert.Equal(t, 2.0, r.TimerData["t"]["count"])
}

func TestMarshal(t *testing.T) {
	t.Parallel()
	b, err := New(1500000000, testMetrics()).Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\n")

	var decoded map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(b, &decoded))
	assert.Equal(t, map[string]interface{}{"c": 10.0}, decoded["counters"])
	assert.Equal(t, map[string]interface{}{"g": -1.0}, decoded["gauges"])
	assert.Equal(t, []interface{}{90.0}, decoded["pctThreshold"])
	assert.Equal(t, 1500000000.0, decoded["timestamp"])
}

func TestWritePrettyEmpty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, New(0, statsdaemon.NewMetricMap()).WritePretty(&buf))
	assert.Contains(t, buf.String(), "\n  \"counters\"")

	var decoded map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []interface{}{}, decoded["pctThreshold"])
	assert.Equal(t, map[string]interface{}{}, decoded["counters"])
}
