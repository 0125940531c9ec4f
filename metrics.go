package statsdaemon

import (
	"fmt"
)

// MetricType is an enumeration of all the possible types of Metric.
type MetricType byte

const (
	_ = iota
	// COUNTER is statsd counter type
	COUNTER MetricType = iota
	// TIMER is statsd timer type
	TIMER
	// GAUGE is statsd gauge type
	GAUGE
	// SET is statsd set type
	SET
)

func (m MetricType) String() string {
	switch m {
	case SET:
		return "set"
	case GAUGE:
		return "gauge"
	case TIMER:
		return "timer"
	case COUNTER:
		return "counter"
	}
	return "unknown"
}

// Metric represents a single observation parsed from one bit of a line.
type Metric struct {
	Name        string     // The sanitized key of the metric
	Value       float64    // The numeric value of the metric, unused for sets
	Rate        float64    // The sampling rate of the metric
	StringValue string     // The raw value, used as the member of a set
	Signed      bool       // The raw value carried an explicit + or - prefix
	Type        MetricType // The type of metric
}

func (m *Metric) String() string {
	return fmt.Sprintf("{%s, %s, %f, %s, %f}", m.Type, m.Name, m.Value, m.StringValue, m.Rate)
}
