// Package record renders a flush as a JSON document, for backends which publish whole flushes.
package record

import (
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/atlassian/statsdaemon"
)

// DateTimeFormat is the layout of Record.DateTime.
const DateTimeFormat = "Mon Jan 02 2006 15:04:05 GMT-0700 (MST)"

var jsonConfig = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

var jsonPretty = jsoniter.Config{
	EscapeHTML:    false,
	SortMapKeys:   true,
	IndentionStep: 2,
}.Froze()

// Record is the JSON document of one flush.
type Record struct {
	Counters      map[string]float64                `json:"counters"`
	CounterRates  map[string]float64                `json:"counter_rates"`
	Timers        map[string][]float64              `json:"timers"`
	TimerData     map[string]map[string]interface{} `json:"timer_data"`
	Gauges        map[string]float64                `json:"gauges"`
	Sets          map[string][]string               `json:"sets"`
	StatsdMetrics map[string]float64                `json:"statsd_metrics"`
	PctThreshold  []float64                         `json:"pctThreshold"`
	Timestamp     int64                             `json:"timestamp"`
	DateTime      string                            `json:"datetime"`
}

// New builds the Record of the flush at timestamp.
func New(timestamp int64, metrics *statsdaemon.MetricMap) *Record {
	r := &Record{
		Counters:      metrics.Counters,
		CounterRates:  metrics.CounterRates,
		Timers:        metrics.Timers,
		TimerData:     make(map[string]map[string]interface{}, len(metrics.TimerData)),
		Gauges:        metrics.Gauges,
		Sets:          make(map[string][]string, len(metrics.Sets)),
		StatsdMetrics: metrics.StatsdMetrics,
		PctThreshold:  metrics.PctThreshold,
		Timestamp:     timestamp,
		DateTime:      time.Unix(timestamp, 0).UTC().Format(DateTimeFormat),
	}
	if r.PctThreshold == nil {
		r.PctThreshold = []float64{}
	}
	for key, td := range metrics.TimerData {
		data := map[string]interface{}{
			"count":       td.Count,
			"count_ps":    td.CountPS,
			"lower":       td.Lower,
			"upper":       td.Upper,
			"mean":        td.Mean,
			"median":      td.Median,
			"std":         td.Std,
			"sum":         td.Sum,
			"sum_squares": td.SumSquares,
		}
		for _, pct := range td.Percentiles {
			data[pct.Str] = pct.Float
		}
		if td.Histogram != nil {
			data["histogram"] = td.Histogram
		}
		r.TimerData[key] = data
	}
	for key, set := range metrics.Sets {
		r.Sets[key] = set.Values()
	}
	return r
}

// Marshal encodes r on a single line.
func (r *Record) Marshal() ([]byte, error) {
	return jsonConfig.Marshal(r)
}

// WritePretty writes r indented, followed by a newline.
func (r *Record) WritePretty(w io.Writer) error {
	return jsonPretty.NewEncoder(w).Encode(r)
}
