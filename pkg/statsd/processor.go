package statsd

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/atlassian/statsdaemon"
)

// percentNames is a cache of the names of one threshold, to avoid building them for each timer.
type percentNames struct {
	count      string
	mean       string
	sum        string
	sumSquares string
	boundary   string // upper_N, or lower_N for negative thresholds
}

func newPercentNames(pct float64) percentNames {
	name := statsdaemon.PercentileName(pct)
	pn := percentNames{
		count:      "count_" + name,
		mean:       "mean_" + name,
		sum:        "sum_" + name,
		sumSquares: "sum_squares_" + name,
	}
	if pct > 0 {
		pn.boundary = "upper_" + name
	} else {
		pn.boundary = "lower_" + name
	}
	return pn
}

// StatisticsProcessor is the default statsdaemon.Processor. It completes synchronously.
type StatisticsProcessor struct{}

// Process fills in the derived statistics of metrics and passes it to done.
func (StatisticsProcessor) Process(ctx context.Context, metrics *statsdaemon.MetricMap, flushInterval time.Duration, timestamp int64, done statsdaemon.ProcessCallback) {
	ProcessMetrics(metrics, flushInterval)
	done(metrics)
}

// ProcessMetrics computes counter rates, timer statistics and histograms into mm, and records
// the time it took in mm.StatsdMetrics["processing_time"], in milliseconds.
func ProcessMetrics(mm *statsdaemon.MetricMap, flushInterval time.Duration) {
	start := time.Now()
	flushInSeconds := flushInterval.Seconds()

	if mm.CounterRates == nil {
		mm.CounterRates = make(map[string]float64, len(mm.Counters))
	}
	for key, value := range mm.Counters {
		mm.CounterRates[key] = value / flushInSeconds
	}

	pctNames := make([]percentNames, len(mm.PctThreshold))
	for i, pct := range mm.PctThreshold {
		pctNames[i] = newPercentNames(pct)
	}

	if mm.TimerData == nil {
		mm.TimerData = make(map[string]*statsdaemon.TimerData, len(mm.Timers))
	}
	for key, values := range mm.Timers {
		td := &statsdaemon.TimerData{}
		if len(values) > 0 {
			processTimer(td, values, mm.PctThreshold, pctNames)
			td.Count = mm.TimerCounters[key]
			td.CountPS = td.Count / flushInSeconds
			if bins := histogramBins(mm.Histogram, key); bins != nil {
				td.Histogram = histogram(values, bins)
			}
		}
		mm.TimerData[key] = td
	}

	if mm.StatsdMetrics == nil {
		mm.StatsdMetrics = map[string]float64{}
	}
	mm.StatsdMetrics["processing_time"] = float64(time.Since(start)) / float64(time.Millisecond)
}

// processTimer sorts values in place and computes the summary statistics of the series.
func processTimer(td *statsdaemon.TimerData, values []float64, thresholds []float64, names []percentNames) {
	sort.Float64s(values)
	n := len(values)
	count := float64(n)
	min := values[0]
	max := values[n-1]

	cumulativeValues := make([]float64, n)
	cumulSumSquaresValues := make([]float64, n)
	cumulativeValues[0] = min
	cumulSumSquaresValues[0] = min * min
	for i := 1; i < n; i++ {
		cumulativeValues[i] = values[i] + cumulativeValues[i-1]
		cumulSumSquaresValues[i] = values[i]*values[i] + cumulSumSquaresValues[i-1]
	}

	var sumSquares = min * min
	var mean = min
	var sum = min
	var thresholdBoundary = max

	for i, pct := range thresholds {
		numInThreshold := n
		if n > 1 {
			numInThreshold = int(math.Round(math.Abs(pct) / 100 * count))
			if numInThreshold == 0 {
				continue
			}
			if pct > 0 {
				thresholdBoundary = values[numInThreshold-1]
				sum = cumulativeValues[numInThreshold-1]
				sumSquares = cumulSumSquaresValues[numInThreshold-1]
			} else {
				thresholdBoundary = values[n-numInThreshold]
				sum = cumulativeValues[n-1]
				sumSquares = cumulSumSquaresValues[n-1]
				// The whole series falls in the threshold when numInThreshold == n.
				if k := n - numInThreshold - 1; k >= 0 {
					sum -= cumulativeValues[k]
					sumSquares -= cumulSumSquaresValues[k]
				}
			}
			mean = sum / float64(numInThreshold)
		}

		td.Percentiles.Set(names[i].count, float64(numInThreshold))
		td.Percentiles.Set(names[i].mean, mean)
		td.Percentiles.Set(names[i].boundary, thresholdBoundary)
		td.Percentiles.Set(names[i].sum, sum)
		td.Percentiles.Set(names[i].sumSquares, sumSquares)
	}

	sum = cumulativeValues[n-1]
	sumSquares = cumulSumSquaresValues[n-1]
	mean = sum / count

	var sumOfDiffs float64
	for _, v := range values {
		sumOfDiffs += (v - mean) * (v - mean)
	}

	mid := n / 2
	if n%2 == 0 {
		td.Median = (values[mid-1] + values[mid]) / 2
	} else {
		td.Median = values[mid]
	}

	td.Lower = min
	td.Upper = max
	td.Mean = mean
	td.Std = math.Sqrt(sumOfDiffs / count)
	td.Sum = sum
	td.SumSquares = sumSquares
}

// histogramBins returns the bins of the first histogram whose metric is contained in key.
// An empty metric matches every key.
func histogramBins(histograms []statsdaemon.HistogramConfig, key string) []float64 {
	for _, h := range histograms {
		if strings.Contains(key, h.Metric) {
			return h.Bins
		}
	}
	return nil
}

// histogram counts sorted values into bins. A value lands in the first bin whose bound is
// strictly greater, values at or above the last finite bound are only counted by an inf bin.
func histogram(sorted []float64, bins []float64) map[string]int {
	h := make(map[string]int, len(bins))
	i := 0
	for _, bound := range bins {
		freq := 0
		for ; i < len(sorted) && (math.IsInf(bound, 1) || sorted[i] < bound); i++ {
			freq++
		}
		h[statsdaemon.BinName(bound)] = freq
	}
	return h
}
