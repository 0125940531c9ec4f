package fixtures

import (
	"github.com/atlassian/statsdaemon"
)

type MetricOpt func(m *statsdaemon.Metric)

// MakeMetric provides a way to build a metric for tests. The default is a counter "name" with value 1.
func MakeMetric(opts ...MetricOpt) *statsdaemon.Metric {
	m := &statsdaemon.Metric{
		Type:        statsdaemon.COUNTER,
		Name:        "name",
		Value:       1,
		StringValue: "1",
		Rate:        1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func Name(n string) MetricOpt {
	return func(m *statsdaemon.Metric) {
		m.Name = n
	}
}

func Type(t statsdaemon.MetricType) MetricOpt {
	return func(m *statsdaemon.Metric) {
		m.Type = t
	}
}

func Value(v float64) MetricOpt {
	return func(m *statsdaemon.Metric) {
		m.Value = v
	}
}

// Delta marks a gauge value as relative.
func Delta(v float64) MetricOpt {
	return func(m *statsdaemon.Metric) {
		m.Value = v
		m.Signed = true
	}
}

func Rate(r float64) MetricOpt {
	return func(m *statsdaemon.Metric) {
		m.Rate = r
	}
}

func Member(s string) MetricOpt {
	return func(m *statsdaemon.Metric) {
		m.Type = statsdaemon.SET
		m.StringValue = s
	}
}
