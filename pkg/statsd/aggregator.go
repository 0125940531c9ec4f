package statsd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlassian/statsdaemon"
)

// ResetPolicy selects, per metric kind, whether keys are deleted on flush or kept in their idle form.
type ResetPolicy struct {
	DeleteCounters bool
	DeleteTimers   bool
	DeleteSets     bool
	DeleteGauges   bool
}

// ResetPolicyFromViper reads the delete-* parameters. Each one falls back to delete-idle-stats when unset.
func ResetPolicyFromViper(v *viper.Viper) (ResetPolicy, error) {
	var rp ResetPolicy
	var err error
	idle := v.GetBool(statsdaemon.ParamDeleteIdleStats)
	if rp.DeleteCounters, err = statsdaemon.OptionalBool(v, statsdaemon.ParamDeleteCounters, idle); err != nil {
		return ResetPolicy{}, err
	}
	if rp.DeleteTimers, err = statsdaemon.OptionalBool(v, statsdaemon.ParamDeleteTimers, idle); err != nil {
		return ResetPolicy{}, err
	}
	if rp.DeleteSets, err = statsdaemon.OptionalBool(v, statsdaemon.ParamDeleteSets, idle); err != nil {
		return ResetPolicy{}, err
	}
	if rp.DeleteGauges, err = statsdaemon.OptionalBool(v, statsdaemon.ParamDeleteGauges, idle); err != nil {
		return ResetPolicy{}, err
	}
	return rp, nil
}

// MetricAggregator holds the live aggregation state of the current interval.
// It is not safe for concurrent use, all access goes through the Worker which owns it.
type MetricAggregator struct {
	counters      map[string]float64
	timers        map[string][]float64
	timerCounters map[string]float64
	gauges        map[string]float64
	sets          map[string]statsdaemon.Set

	keyCounter map[string]int64 // nil when key flushing is disabled

	badLinesKey        string
	packetsReceivedKey string
	timestampLagKey    string

	lastMsgSeen  time.Time
	badLinesSeen float64 // Never reset, unlike the counter
}

// NewMetricAggregator creates a MetricAggregator whose own counters are named after prefixStats.
// The protected counters start at zero so they are flushed even before any traffic.
func NewMetricAggregator(prefixStats string, countKeys bool, startup time.Time) *MetricAggregator {
	a := &MetricAggregator{
		counters:           map[string]float64{},
		timers:             map[string][]float64{},
		timerCounters:      map[string]float64{},
		gauges:             map[string]float64{},
		sets:               map[string]statsdaemon.Set{},
		badLinesKey:        prefixStats + ".bad_lines_seen",
		packetsReceivedKey: prefixStats + ".packets_received",
		timestampLagKey:    prefixStats + ".timestamp_lag",
		lastMsgSeen:        startup,
	}
	if countKeys {
		a.keyCounter = map[string]int64{}
	}
	a.counters[a.badLinesKey] = 0
	a.counters[a.packetsReceivedKey] = 0
	return a
}

// Receive applies a single parsed metric.
func (a *MetricAggregator) Receive(m *statsdaemon.Metric) {
	switch m.Type {
	case statsdaemon.COUNTER:
		a.counters[m.Name] += m.Value * (1 / m.Rate)
	case statsdaemon.TIMER:
		a.timers[m.Name] = append(a.timers[m.Name], m.Value)
		a.timerCounters[m.Name] += 1 / m.Rate
	case statsdaemon.GAUGE:
		if prior, ok := a.gauges[m.Name]; ok && m.Signed {
			a.gauges[m.Name] = prior + m.Value
		} else {
			a.gauges[m.Name] = m.Value
		}
	case statsdaemon.SET:
		s, ok := a.sets[m.Name]
		if !ok {
			s = statsdaemon.NewSet()
			a.sets[m.Name] = s
		}
		s.Add(m.StringValue)
	}
}

// ReceivePacket counts a received datagram.
func (a *MetricAggregator) ReceivePacket() {
	a.counters[a.packetsReceivedKey]++
}

// BadLine counts a bit which failed to parse.
func (a *MetricAggregator) BadLine() {
	a.counters[a.badLinesKey]++
	a.badLinesSeen++
}

// SeenMessage records the time the last datagram was handled.
func (a *MetricAggregator) SeenMessage(now time.Time) {
	a.lastMsgSeen = now
}

// CountKey records one line for key. It is a no-op when key flushing is disabled.
func (a *MetricAggregator) CountKey(key string) {
	if a.keyCounter != nil {
		a.keyCounter[key]++
	}
}

// TakeKeyCounts returns the key counts accumulated so far and starts a new count.
func (a *MetricAggregator) TakeKeyCounts() map[string]int64 {
	counts := a.keyCounter
	if counts != nil {
		a.keyCounter = map[string]int64{}
	}
	return counts
}

// RecordTimestampLag sets the timestamp lag gauge.
func (a *MetricAggregator) RecordTimestampLag(lag float64) {
	a.gauges[a.timestampLagKey] = lag
}

// Stats returns the process statistics shown on the management console.
func (a *MetricAggregator) Stats() (lastMsgSeen time.Time, badLinesSeen float64) {
	return a.lastMsgSeen, a.badLinesSeen
}

// Snapshot returns a deep copy of the current state. The result shares nothing with the aggregator.
func (a *MetricAggregator) Snapshot() *statsdaemon.MetricMap {
	live := statsdaemon.MetricMap{
		Counters:      a.counters,
		Timers:        a.timers,
		TimerCounters: a.timerCounters,
		Gauges:        a.gauges,
		Sets:          a.sets,
	}
	return live.Copy()
}

// Reset starts a new interval according to rp.
//
// Deleted kinds lose their keys. Otherwise counters go to 0, timers to an empty series with a
// timer count of 0, and sets to an empty set, while gauges keep their value. The daemon's own
// bad-lines and packets-received counters are always zeroed and never deleted.
func (a *MetricAggregator) Reset(rp ResetPolicy) {
	for key := range a.counters {
		if rp.DeleteCounters && key != a.badLinesKey && key != a.packetsReceivedKey {
			delete(a.counters, key)
		} else {
			a.counters[key] = 0
		}
	}
	for key := range a.timers {
		if rp.DeleteTimers {
			delete(a.timers, key)
			delete(a.timerCounters, key)
		} else {
			a.timers[key] = []float64{}
			a.timerCounters[key] = 0
		}
	}
	for key := range a.sets {
		if rp.DeleteSets {
			delete(a.sets, key)
		} else {
			a.sets[key] = statsdaemon.NewSet()
		}
	}
	if rp.DeleteGauges {
		for key := range a.gauges {
			delete(a.gauges, key)
		}
	}
}

// Delete removes bucket from the metrics of kind t and returns one line per outcome, in the form
// the management console prints them. A bucket ending in ".*" removes every key under that prefix.
// Deleting a timer also removes its timer count.
func (a *MetricAggregator) Delete(t statsdaemon.MetricType, bucket string) []string {
	var names []string
	switch t {
	case statsdaemon.COUNTER:
		names = a.matching(keysOfFloats(a.counters), bucket)
		for _, name := range names {
			delete(a.counters, name)
		}
	case statsdaemon.TIMER:
		names = a.matching(keysOfTimers(a.timers), bucket)
		for _, name := range names {
			delete(a.timers, name)
			delete(a.timerCounters, name)
		}
	case statsdaemon.GAUGE:
		names = a.matching(keysOfFloats(a.gauges), bucket)
		for _, name := range names {
			delete(a.gauges, name)
		}
	}
	if len(names) == 0 {
		return []string{fmt.Sprintf("metric %s not found", bucket)}
	}
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, "deleted: "+name)
	}
	return lines
}

// Dump renders the metrics of kind t, or an empty string for any other kind.
func (a *MetricAggregator) Dump(t statsdaemon.MetricType) string {
	switch t {
	case statsdaemon.COUNTER:
		return fmt.Sprintln(a.counters)
	case statsdaemon.TIMER:
		return fmt.Sprintln(a.timers)
	case statsdaemon.GAUGE:
		return fmt.Sprintln(a.gauges)
	}
	return ""
}

func (a *MetricAggregator) matching(keys []string, bucket string) []string {
	var names []string
	if strings.HasSuffix(bucket, ".*") {
		prefix := strings.TrimSuffix(bucket, "*")
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				names = append(names, key)
			}
		}
	} else {
		for _, key := range keys {
			if key == bucket {
				names = append(names, key)
			}
		}
	}
	sort.Strings(names)
	return names
}

func keysOfFloats(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func keysOfTimers(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
