package statsd

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon/pkg/util"
)

const keyFlushTimeFormat = "Mon Jan 02 2006 15:04:05 GMT-0700 (MST)"

// KeyFlusher periodically logs the most frequently seen keys of the last interval.
type KeyFlusher struct {
	logger     logrus.FieldLogger
	aggregator AggregateProcesser
	interval   time.Duration
	percent    float64
	path       string // empty means stdout
}

// NewKeyFlusher creates a KeyFlusher which logs the top percent of keys every interval to the file at
// path, or to stdout when path is empty.
func NewKeyFlusher(logger logrus.FieldLogger, aggregator AggregateProcesser, interval time.Duration, percent float64, path string) *KeyFlusher {
	return &KeyFlusher{
		logger:     logger,
		aggregator: aggregator,
		interval:   interval,
		percent:    percent,
		path:       path,
	}
}

// Run logs keys every interval until ctx is done.
func (kf *KeyFlusher) Run(ctx context.Context) {
	ticker := clock.NewTicker(ctx, kf.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := kf.flush(ctx, now); err != nil && err != context.Canceled {
				kf.logger.WithError(err).Warn("Key flush failed")
			}
		}
	}
}

type keyCount struct {
	key   string
	count int64
}

func (kf *KeyFlusher) flush(ctx context.Context, now time.Time) error {
	var counts map[string]int64
	if err := kf.aggregator.Process(ctx, func(aggr *MetricAggregator) {
		counts = aggr.TakeKeyCounts()
	}); err != nil {
		return err
	}
	report := topKeys(counts, kf.percent)
	if len(report) == 0 {
		return nil
	}

	timeString := now.Format(keyFlushTimeFormat)
	var sb strings.Builder
	for _, kc := range report {
		fmt.Fprintf(&sb, "%s count=%d key=%s\n", timeString, kc.count, kc.key)
	}

	w, err := util.OpenAppend(kf.path)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(sb.String())); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// topKeys sorts counts by count descending, then key, and keeps the first ceil(n*percent/100).
func topKeys(counts map[string]int64, percent float64) []keyCount {
	sorted := make([]keyCount, 0, len(counts))
	for key, count := range counts {
		sorted = append(sorted, keyCount{key: key, count: count})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].key < sorted[j].key
	})
	n := int(math.Ceil(float64(len(sorted)) * percent / 100))
	if n < 0 {
		n = 0
	} else if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
