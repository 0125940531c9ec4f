package statsdaemon

import (
	"time"
)

// MetricMap is the snapshot of one flush interval handed to the Processor and then to backends.
// The keys of each map are metric names. CounterRates, TimerData and StatsdMetrics are empty
// until a Processor fills them in.
type MetricMap struct {
	Counters      map[string]float64
	Timers        map[string][]float64
	TimerCounters map[string]float64
	Gauges        map[string]float64
	Sets          map[string]Set

	CounterRates  map[string]float64
	TimerData     map[string]*TimerData
	StatsdMetrics map[string]float64

	PctThreshold  []float64
	Histogram     []HistogramConfig
	FlushInterval time.Duration
	Timestamp     int64 // Unix seconds of the flush
}

// NewMetricMap creates an empty MetricMap.
func NewMetricMap() *MetricMap {
	return &MetricMap{
		Counters:      map[string]float64{},
		Timers:        map[string][]float64{},
		TimerCounters: map[string]float64{},
		Gauges:        map[string]float64{},
		Sets:          map[string]Set{},
		CounterRates:  map[string]float64{},
		TimerData:     map[string]*TimerData{},
		StatsdMetrics: map[string]float64{},
	}
}

// Copy returns a deep copy of the MetricMap. Nothing in the result aliases mm.
func (mm *MetricMap) Copy() *MetricMap {
	c := &MetricMap{
		Counters:      copyFloats(mm.Counters),
		Timers:        make(map[string][]float64, len(mm.Timers)),
		TimerCounters: copyFloats(mm.TimerCounters),
		Gauges:        copyFloats(mm.Gauges),
		Sets:          make(map[string]Set, len(mm.Sets)),
		CounterRates:  copyFloats(mm.CounterRates),
		TimerData:     make(map[string]*TimerData, len(mm.TimerData)),
		StatsdMetrics: copyFloats(mm.StatsdMetrics),
		PctThreshold:  append([]float64(nil), mm.PctThreshold...),
		FlushInterval: mm.FlushInterval,
		Timestamp:     mm.Timestamp,
	}
	for k, v := range mm.Timers {
		c.Timers[k] = append(make([]float64, 0, len(v)), v...)
	}
	for k, v := range mm.Sets {
		c.Sets[k] = v.Copy()
	}
	for k, v := range mm.TimerData {
		td := *v
		td.Percentiles = append(Percentiles(nil), v.Percentiles...)
		if v.Histogram != nil {
			td.Histogram = make(map[string]int, len(v.Histogram))
			for bin, n := range v.Histogram {
				td.Histogram[bin] = n
			}
		}
		c.TimerData[k] = &td
	}
	for _, h := range mm.Histogram {
		c.Histogram = append(c.Histogram, HistogramConfig{Metric: h.Metric, Bins: append([]float64(nil), h.Bins...)})
	}
	return c
}

// NumStats returns the number of keys across all four metric kinds.
func (mm *MetricMap) NumStats() int {
	return len(mm.Counters) + len(mm.Timers) + len(mm.Gauges) + len(mm.Sets)
}

func copyFloats(m map[string]float64) map[string]float64 {
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
