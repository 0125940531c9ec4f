package statsdaemon

import (
	"math"
	"strconv"
	"strings"
)

// TimerData holds the summary statistics computed for a single timer key.
type TimerData struct {
	Count       float64        // Number of samples, adjusted by sampling rate
	CountPS     float64        // Count per second over the flush interval
	Lower       float64        // The minimum value of the series
	Upper       float64        // The maximum value of the series
	Mean        float64        // The mean value of the series
	Median      float64        // The median value of the series
	Std         float64        // The standard deviation of the series
	Sum         float64        // The sum of the series
	SumSquares  float64        // The sum of squares of the series
	Percentiles Percentiles    // Per-threshold aggregations, e.g. upper_90
	Histogram   map[string]int // Bin name, e.g. bin_100, to number of samples in the bin
}

// Percentile is used to store the aggregation for a percentile.
type Percentile struct {
	Float float64
	Str   string
}

// Percentiles represents an array of percentiles.
type Percentiles []Percentile

// Set append a percentile aggregation to the percentiles.
func (p *Percentiles) Set(s string, f float64) {
	*p = append(*p, Percentile{f, s})
}

// Get returns the named percentile aggregation and whether it exists.
func (p Percentiles) Get(s string) (float64, bool) {
	for _, pct := range p {
		if pct.Str == s {
			return pct.Float, true
		}
	}
	return 0, false
}

// PercentileName renders a threshold the way it appears in percentile names: "90" for 90,
// "99_9" for 99.9 and "top10" for -10.
func PercentileName(pct float64) string {
	s := strconv.FormatFloat(pct, 'f', -1, 64)
	s = strings.Replace(s, ".", "_", -1)
	return strings.Replace(s, "-", "top", -1)
}

// HistogramConfig selects histogram bins for every timer whose key contains Metric.
type HistogramConfig struct {
	Metric string
	Bins   []float64 // Upper bounds in ascending order, may end with +Inf
}

// BinName renders a histogram bound, e.g. "bin_0_5" for 0.5 and "bin_inf" for +Inf.
func BinName(bound float64) string {
	if math.IsInf(bound, 1) {
		return "bin_inf"
	}
	return "bin_" + strings.Replace(strconv.FormatFloat(bound, 'f', -1, 64), ".", "_", -1)
}
