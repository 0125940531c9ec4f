package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/stats"
	"github.com/atlassian/statsdaemon/pkg/util"
)

// Maximum number of dimensions per metric
// https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/cloudwatch_limits.html
const maxDimensions = 10

// Maximum number of datums in a single PutMetricData request
const maxDatumsPerRequest = 20

const (
	// BackendName is the name of this backend.
	BackendName = "cloudwatch"
	// DefaultNamespace is the default CloudWatch namespace.
	DefaultNamespace = "StatsD"
	// DefaultMaxConcurrentSends is the default number of flushes sent at the same time.
	DefaultMaxConcurrentSends = 4
)

var errTooManySends = errors.New("too many flushes in flight")

// Client is an object that is used to send messages to AWS CloudWatch.
type Client struct {
	logger     logrus.FieldLogger
	cloudwatch cloudwatchiface.CloudWatchAPI
	namespace  string
	dimensions []*cloudwatch.Dimension
	sem        chan struct{}
	inflight   sync.WaitGroup

	mu            sync.Mutex
	lastFlush     int64
	lastException int64
}

// NewClientFromViper constructs a Cloudwatch backend.
func NewClientFromViper(v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	g := util.GetSubViper(v, BackendName)
	g.SetDefault("namespace", DefaultNamespace)
	g.SetDefault("region", "")
	g.SetDefault("max_concurrent_sends", DefaultMaxConcurrentSends)

	config := aws.NewConfig()
	if region := g.GetString("region"); region != "" {
		config = config.WithRegion(region)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("[%s] %v", BackendName, err)
	}

	logger = logger.WithField("backend", BackendName)
	return NewClient(
		cloudwatch.New(sess),
		g.GetString("namespace"),
		extractDimensions(util.GetStringList(g, "dimensions"), logger),
		g.GetInt("max_concurrent_sends"),
		startup,
		logger,
	)
}

// NewClient constructs a AWS Cloudwatch backend.
func NewClient(api cloudwatchiface.CloudWatchAPI, namespace string, dimensions []*cloudwatch.Dimension, maxConcurrentSends int, startup time.Time, logger logrus.FieldLogger) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("[%s] namespace is required", BackendName)
	}
	if maxConcurrentSends <= 0 {
		return nil, fmt.Errorf("[%s] max_concurrent_sends must be positive", BackendName)
	}
	return &Client{
		logger:        logger,
		cloudwatch:    api,
		namespace:     namespace,
		dimensions:    dimensions,
		sem:           make(chan struct{}, maxConcurrentSends),
		lastFlush:     startup.Unix(),
		lastException: startup.Unix(),
	}, nil
}

// extractDimensions turns name:value pairs into dimensions. A pair without a value gets "set".
func extractDimensions(pairs []string, logger logrus.FieldLogger) []*cloudwatch.Dimension {
	dimensions := make([]*cloudwatch.Dimension, 0, len(pairs))
	for _, pair := range pairs {
		key, value := pair, "set"
		if idx := strings.IndexByte(pair, ':'); idx >= 0 {
			key, value = pair[:idx], pair[idx+1:]
		}
		dimensions = append(dimensions, &cloudwatch.Dimension{
			Name:  aws.String(key),
			Value: aws.String(value),
		})
	}
	if len(dimensions) > maxDimensions {
		logger.Warnf("Too many dimensions (%d) specified, truncating to %d", len(dimensions), maxDimensions)
		return dimensions[:maxDimensions]
	}
	return dimensions
}

func (client *Client) buildMetricData(timestamp int64, metrics *statsdaemon.MetricMap) []*cloudwatch.MetricDatum {
	metricData := make([]*cloudwatch.MetricDatum, 0, metrics.NumStats())
	ts := time.Unix(timestamp, 0)
	prefix := ""

	add := func(key, unit string, value float64) {
		metricData = append(metricData, &cloudwatch.MetricDatum{
			MetricName: aws.String(prefix + key),
			Timestamp:  aws.Time(ts),
			Unit:       aws.String(unit),
			Value:      aws.Float64(value),
			Dimensions: client.dimensions,
		})
	}

	prefix = "stats.counter."
	for _, key := range sortedKeys(metrics.Counters) {
		add(key+".count", cloudwatch.StandardUnitCount, metrics.Counters[key])
		add(key+".per_second", cloudwatch.StandardUnitCountSecond, metrics.CounterRates[key])
	}

	prefix = "stats.timers."
	timerKeys := make([]string, 0, len(metrics.TimerData))
	for key := range metrics.TimerData {
		timerKeys = append(timerKeys, key)
	}
	sort.Strings(timerKeys)
	for _, key := range timerKeys {
		td := metrics.TimerData[key]
		add(key+".lower", cloudwatch.StandardUnitMilliseconds, td.Lower)
		add(key+".upper", cloudwatch.StandardUnitMilliseconds, td.Upper)
		add(key+".count", cloudwatch.StandardUnitCount, td.Count)
		add(key+".count_ps", cloudwatch.StandardUnitCountSecond, td.CountPS)
		add(key+".mean", cloudwatch.StandardUnitMilliseconds, td.Mean)
		add(key+".median", cloudwatch.StandardUnitMilliseconds, td.Median)
		add(key+".std", cloudwatch.StandardUnitMilliseconds, td.Std)
		add(key+".sum", cloudwatch.StandardUnitMilliseconds, td.Sum)
		add(key+".sum_squares", cloudwatch.StandardUnitMilliseconds, td.SumSquares)
		for _, pct := range td.Percentiles {
			add(key+"."+pct.Str, cloudwatch.StandardUnitMilliseconds, pct.Float)
		}
		bins := make([]string, 0, len(td.Histogram))
		for bin := range td.Histogram {
			bins = append(bins, bin)
		}
		sort.Strings(bins)
		for _, bin := range bins {
			add(key+".histogram."+bin, cloudwatch.StandardUnitCount, float64(td.Histogram[bin]))
		}
	}

	prefix = "stats.gauge."
	for _, key := range sortedKeys(metrics.Gauges) {
		add(key, cloudwatch.StandardUnitNone, metrics.Gauges[key])
	}

	prefix = "stats.set."
	setKeys := make([]string, 0, len(metrics.Sets))
	for key := range metrics.Sets {
		setKeys = append(setKeys, key)
	}
	sort.Strings(setKeys)
	for _, key := range setKeys {
		add(key, cloudwatch.StandardUnitNone, float64(metrics.Sets[key].Len()))
	}

	prefix = "stats.statsd."
	for _, key := range sortedKeys(metrics.StatsdMetrics) {
		add(key, cloudwatch.StandardUnitNone, metrics.StatsdMetrics[key])
	}

	return metricData
}

// Run waits for ctx to be done, then for the sends in flight.
func (client *Client) Run(ctx context.Context) {
	<-ctx.Done()
	client.inflight.Wait()
}

// OnFlush prepares the payload synchronously and sends it asynchronously, in batches.
func (client *Client) OnFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {
	clck := clock.FromContext(ctx)
	failures := stats.FromContext(ctx).BackendErrors.WithLabelValues(BackendName)
	metricData := client.buildMetricData(timestamp, metrics)
	if len(metricData) == 0 {
		return
	}
	select {
	case client.sem <- struct{}{}:
	default:
		client.done(clck, failures, errTooManySends)
		return
	}
	client.inflight.Add(1)
	go func() {
		defer client.inflight.Done()
		defer func() { <-client.sem }()
		client.done(clck, failures, client.send(metricData))
	}()
}

func (client *Client) send(metricData []*cloudwatch.MetricDatum) error {
	var errs []string
	for start := 0; start < len(metricData); start += maxDatumsPerRequest {
		end := start + maxDatumsPerRequest
		if end > len(metricData) {
			end = len(metricData)
		}
		_, err := client.cloudwatch.PutMetricData(&cloudwatch.PutMetricDataInput{
			MetricData: metricData[start:end],
			Namespace:  aws.String(client.namespace),
		})
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d requests failed: %s", len(errs), (len(metricData)+maxDatumsPerRequest-1)/maxDatumsPerRequest, strings.Join(errs, "; "))
	}
	return nil
}

func (client *Client) done(clck clock.Clock, failures prometheus.Counter, err error) {
	now := clck.Now().Unix()
	client.mu.Lock()
	defer client.mu.Unlock()
	if err != nil {
		failures.Inc()
		client.logger.WithError(err).Warn("Failed to send metrics")
		client.lastException = now
		return
	}
	client.lastFlush = now
}

// OnStatus reports the time of the last successful send and of the last failure.
func (client *Client) OnStatus(ctx context.Context, report statsdaemon.StatusReporter) {
	client.mu.Lock()
	lastFlush, lastException := client.lastFlush, client.lastException
	client.mu.Unlock()
	report(nil, BackendName, "last_flush", float64(lastFlush))
	report(nil, BackendName, "last_exception", float64(lastException))
}

// Name returns the name of the backend.
func (client *Client) Name() string {
	return BackendName
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
