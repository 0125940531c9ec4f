package graphite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/backends/sender"
	"github.com/atlassian/statsdaemon/pkg/pool"
	"github.com/atlassian/statsdaemon/pkg/stats"
	"github.com/atlassian/statsdaemon/pkg/util"
)

const (
	// BackendName is the name of this backend.
	BackendName = "graphite"
	// DefaultAddress is the default address of Graphite server.
	DefaultAddress = "localhost:2003"
	// DefaultDialTimeout is the default net.Dial timeout.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout is the default socket write timeout.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultGlobalPrefix is the default global prefix.
	DefaultGlobalPrefix = "stats"
	// DefaultPrefixCounter is the default counters prefix.
	DefaultPrefixCounter = "counters"
	// DefaultPrefixTimer is the default timers prefix.
	DefaultPrefixTimer = "timers"
	// DefaultPrefixGauge is the default gauges prefix.
	DefaultPrefixGauge = "gauges"
	// DefaultPrefixSet is the default sets prefix.
	DefaultPrefixSet = "sets"
	// DefaultPrefixStats is the default prefix of the daemon's own statistics.
	DefaultPrefixStats = "statsd"
	// DefaultGlobalSuffix is the default global suffix.
	DefaultGlobalSuffix = ""
	// DefaultMode controls whether to use the legacy or the basic namespace.
	DefaultMode = "legacy"
	// DefaultFlushCounts controls whether counters are sent as counts in addition to rates.
	DefaultFlushCounts = true
)

const (
	bufSize = 1 * 1024 * 1024
	// maxConcurrentSends is the number of flushes which may wait for the connection.
	// Flushes beyond that are dropped.
	maxConcurrentSends = 10
)

var (
	regWhitespace  = regexp.MustCompile(`\s+`)
	regNonAlphaNum = regexp.MustCompile(`[^a-zA-Z\d_.-]`)

	errSendQueueFull = errors.New("too many flushes waiting for the connection")
)

// Config holds the settings of a Client.
type Config struct {
	Address       string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	GlobalPrefix  string
	PrefixCounter string
	PrefixTimer   string
	PrefixGauge   string
	PrefixSet     string
	PrefixStats   string
	GlobalSuffix  string
	Mode          string // legacy or basic
	FlushCounts   bool
	Retry         util.BackoffFactory
}

// Client is an object that is used to send messages to a Graphite server's TCP interface.
type Client struct {
	logger           logrus.FieldLogger
	sender           sender.Sender
	counterNamespace string // all strings have . stripped off start and end, and are normalized.
	countsNamespace  string // legacy only, where counts are sent as stats_counts.<key>
	timerNamespace   string
	gaugesNamespace  string
	setsNamespace    string
	statsNamespace   string
	globalSuffix     string
	legacyNamespace  bool
	flushCounts      bool

	mu            sync.Mutex
	lastFlush     int64 // Unix seconds
	lastException int64 // Unix seconds
	flushTime     float64
	flushLength   float64
}

// Run sends the flushed metrics until ctx is done.
func (client *Client) Run(ctx context.Context) {
	client.sender.Run(ctx)
}

// OnFlush formats the metrics synchronously and queues them for sending.
func (client *Client) OnFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {
	clck := clock.FromContext(ctx)
	failures := stats.FromContext(ctx).BackendErrors.WithLabelValues(BackendName)
	start := clck.Now()
	buf := client.preparePayload(metrics, timestamp)
	calculationTime := float64(clck.Now().Sub(start)) / float64(time.Millisecond)
	_, _ = fmt.Fprintf(buf, "%s %s %d\n", client.prepareName(client.statsNamespace, "graphiteStats.calculationtime", ""), formatFloat(calculationTime), timestamp)

	length := buf.Len()
	sink := make(chan *bytes.Buffer, 1)
	sink <- buf
	close(sink)
	stream := sender.Stream{
		Buf: sink,
		Cb: func(errs []error) {
			client.sent(clck, failures, start, length, errs)
		},
	}
	select {
	case client.sender.Sink <- stream:
	default:
		client.sender.PutBuffer(buf)
		client.sent(clck, failures, start, length, []error{errSendQueueFull})
	}
}

func (client *Client) sent(clck clock.Clock, failures prometheus.Counter, start time.Time, length int, errs []error) {
	now := clck.Now()
	failed := false
	for _, err := range errs {
		if err != nil {
			failed = true
			failures.Inc()
			client.logger.WithError(err).Warn("Failed to send metrics")
		}
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if failed {
		client.lastException = now.Unix()
		return
	}
	client.lastFlush = now.Unix()
	client.flushTime = float64(now.Sub(start)) / float64(time.Millisecond)
	client.flushLength = float64(length)
}

// OnStatus reports the time of the last successful flush and of the last failure, and the
// duration and size of the last successful flush.
func (client *Client) OnStatus(ctx context.Context, report statsdaemon.StatusReporter) {
	client.mu.Lock()
	lastFlush, lastException, flushTime, flushLength := client.lastFlush, client.lastException, client.flushTime, client.flushLength
	client.mu.Unlock()

	report(nil, BackendName, "last_flush", float64(lastFlush))
	report(nil, BackendName, "last_exception", float64(lastException))
	report(nil, BackendName, "flush_time", flushTime)
	report(nil, BackendName, "flush_length", flushLength)
}

// normalizeMetricName will:
// - Replace:
// -- whitespace with "_"
// -- "/" with "-"
// - Delete:
// -- any character that is non alphanumeric, "_", ".", or "-"
func normalizeMetricName(s string) string {
	r1 := regWhitespace.ReplaceAllLiteral([]byte(s), []byte{'_'})
	r2 := bytes.Replace(r1, []byte{'/'}, []byte{'-'}, -1)
	return string(regNonAlphaNum.ReplaceAllLiteral(r2, nil))
}

// prepareName will create a metric name, handling correct prefix and suffixes.
func (client *Client) prepareName(namespace, name, suffix string) string {
	buf := bytes.Buffer{}
	if namespace != "" {
		buf.WriteString(namespace)
		buf.WriteByte('.')
	}
	buf.WriteString(normalizeMetricName(name))
	if suffix != "" {
		buf.WriteByte('.')
		buf.WriteString(suffix)
	}
	if client.globalSuffix != "" {
		buf.WriteByte('.')
		buf.WriteString(client.globalSuffix)
	}
	return buf.String()
}

func (client *Client) preparePayload(metrics *statsdaemon.MetricMap, now int64) *bytes.Buffer {
	buf := client.sender.GetBuffer()
	line := func(name string, value float64) {
		_, _ = fmt.Fprintf(buf, "%s %s %d\n", name, formatFloat(value), now)
	}

	for _, key := range sortedKeys(metrics.Counters) {
		value := metrics.Counters[key]
		rate := metrics.CounterRates[key]
		if client.legacyNamespace {
			line(client.prepareName(client.counterNamespace, key, ""), rate)
			if client.flushCounts {
				line(client.prepareName(client.countsNamespace, key, ""), value)
			}
		} else {
			line(client.prepareName(client.counterNamespace, key, "rate"), rate)
			if client.flushCounts {
				line(client.prepareName(client.counterNamespace, key, "count"), value)
			}
		}
	}

	timerKeys := make([]string, 0, len(metrics.TimerData))
	for key := range metrics.TimerData {
		timerKeys = append(timerKeys, key)
	}
	sort.Strings(timerKeys)
	for _, key := range timerKeys {
		td := metrics.TimerData[key]
		line(client.prepareName(client.timerNamespace, key, "lower"), td.Lower)
		line(client.prepareName(client.timerNamespace, key, "upper"), td.Upper)
		line(client.prepareName(client.timerNamespace, key, "count"), td.Count)
		line(client.prepareName(client.timerNamespace, key, "count_ps"), td.CountPS)
		line(client.prepareName(client.timerNamespace, key, "mean"), td.Mean)
		line(client.prepareName(client.timerNamespace, key, "median"), td.Median)
		line(client.prepareName(client.timerNamespace, key, "std"), td.Std)
		line(client.prepareName(client.timerNamespace, key, "sum"), td.Sum)
		line(client.prepareName(client.timerNamespace, key, "sum_squares"), td.SumSquares)
		for _, pct := range td.Percentiles {
			line(client.prepareName(client.timerNamespace, key, pct.Str), pct.Float)
		}
		bins := make([]string, 0, len(td.Histogram))
		for bin := range td.Histogram {
			bins = append(bins, bin)
		}
		sort.Strings(bins)
		for _, bin := range bins {
			line(client.prepareName(client.timerNamespace, key, "histogram."+bin), float64(td.Histogram[bin]))
		}
	}

	for _, key := range sortedKeys(metrics.Gauges) {
		line(client.prepareName(client.gaugesNamespace, key, ""), metrics.Gauges[key])
	}

	setKeys := make([]string, 0, len(metrics.Sets))
	for key := range metrics.Sets {
		setKeys = append(setKeys, key)
	}
	sort.Strings(setKeys)
	for _, key := range setKeys {
		line(client.prepareName(client.setsNamespace, key, "count"), float64(metrics.Sets[key].Len()))
	}

	numStats := client.statsNamespace
	if client.legacyNamespace {
		numStats = DefaultPrefixStats
	}
	line(client.prepareName(numStats, "numStats", ""), float64(metrics.NumStats()))
	for _, key := range sortedKeys(metrics.StatsdMetrics) {
		line(client.prepareName(client.statsNamespace, key, ""), metrics.StatsdMetrics[key])
	}
	return buf
}

// Name returns the name of the backend.
func (client *Client) Name() string {
	return BackendName
}

// NewClientFromViper constructs a Client object using configuration provided by Viper
func NewClientFromViper(v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	g := util.GetSubViper(v, BackendName)
	g.SetDefault("address", DefaultAddress)
	g.SetDefault("dial_timeout", DefaultDialTimeout)
	g.SetDefault("write_timeout", DefaultWriteTimeout)
	g.SetDefault("global_prefix", DefaultGlobalPrefix)
	g.SetDefault("prefix_counter", DefaultPrefixCounter)
	g.SetDefault("prefix_timer", DefaultPrefixTimer)
	g.SetDefault("prefix_gauge", DefaultPrefixGauge)
	g.SetDefault("prefix_set", DefaultPrefixSet)
	g.SetDefault("prefix_stats", DefaultPrefixStats)
	g.SetDefault("global_suffix", DefaultGlobalSuffix)
	g.SetDefault("mode", DefaultMode)
	g.SetDefault("flush_counts", DefaultFlushCounts)
	retry, err := util.GetRetryFromViper(g)
	if err != nil {
		return nil, fmt.Errorf("[%s] %v", BackendName, err)
	}
	return NewClient(Config{
		Address:       g.GetString("address"),
		DialTimeout:   g.GetDuration("dial_timeout"),
		WriteTimeout:  g.GetDuration("write_timeout"),
		GlobalPrefix:  g.GetString("global_prefix"),
		PrefixCounter: g.GetString("prefix_counter"),
		PrefixTimer:   g.GetString("prefix_timer"),
		PrefixGauge:   g.GetString("prefix_gauge"),
		PrefixSet:     g.GetString("prefix_set"),
		PrefixStats:   g.GetString("prefix_stats"),
		GlobalSuffix:  g.GetString("global_suffix"),
		Mode:          g.GetString("mode"),
		FlushCounts:   g.GetBool("flush_counts"),
		Retry:         retry,
	}, startup, logger.WithField("backend", BackendName))
}

// NewClient constructs a Graphite backend object.
func NewClient(config Config, startup time.Time, logger logrus.FieldLogger) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("[%s] address is required", BackendName)
	}
	if config.DialTimeout <= 0 {
		return nil, fmt.Errorf("[%s] dialTimeout should be positive", BackendName)
	}
	if config.WriteTimeout < 0 {
		return nil, fmt.Errorf("[%s] writeTimeout should be non-negative", BackendName)
	}

	var legacyNamespace bool
	switch config.Mode {
	case "legacy":
		legacyNamespace = true
	case "basic":
		legacyNamespace = false
	default:
		return nil, fmt.Errorf("[%s] mode must be one of 'legacy' or 'basic'", BackendName)
	}

	var counterNamespace, countsNamespace, timerNamespace, gaugesNamespace, setsNamespace, statsNamespace string

	if legacyNamespace {
		counterNamespace = DefaultGlobalPrefix
		countsNamespace = "stats_counts"
		timerNamespace = combine(DefaultGlobalPrefix, "timers")
		gaugesNamespace = combine(DefaultGlobalPrefix, "gauges")
		setsNamespace = combine(DefaultGlobalPrefix, "sets")
		statsNamespace = combine(DefaultGlobalPrefix, DefaultPrefixStats)
	} else {
		globalPrefix := config.GlobalPrefix
		counterNamespace = combine(globalPrefix, config.PrefixCounter)
		timerNamespace = combine(globalPrefix, config.PrefixTimer)
		gaugesNamespace = combine(globalPrefix, config.PrefixGauge)
		setsNamespace = combine(globalPrefix, config.PrefixSet)
		statsNamespace = combine(globalPrefix, config.PrefixStats)
	}

	counterNamespace = normalizeMetricName(counterNamespace)
	timerNamespace = normalizeMetricName(timerNamespace)
	gaugesNamespace = normalizeMetricName(gaugesNamespace)
	setsNamespace = normalizeMetricName(setsNamespace)
	statsNamespace = normalizeMetricName(statsNamespace)
	globalSuffix := normalizeMetricName(strings.Trim(config.GlobalSuffix, "."))

	logger.WithFields(logrus.Fields{
		"address":           config.Address,
		"dial-timeout":      config.DialTimeout,
		"write-timeout":     config.WriteTimeout,
		"counter-namespace": counterNamespace,
		"timer-namespace":   timerNamespace,
		"gauges-namespace":  gaugesNamespace,
		"sets-namespace":    setsNamespace,
		"stats-namespace":   statsNamespace,
		"global-suffix":     globalSuffix,
		"mode":              config.Mode,
	}).Info("created backend")

	address, dialTimeout := config.Address, config.DialTimeout
	return &Client{
		logger: logger,
		sender: sender.Sender{
			Logger: logger,
			ConnFactory: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
			Sink:         make(chan sender.Stream, maxConcurrentSends),
			BufPool:      pool.NewBytesBuffer(bufSize),
			WriteTimeout: config.WriteTimeout,
			Backoff:      config.Retry,
		},
		counterNamespace: counterNamespace,
		countsNamespace:  countsNamespace,
		timerNamespace:   timerNamespace,
		gaugesNamespace:  gaugesNamespace,
		setsNamespace:    setsNamespace,
		statsNamespace:   statsNamespace,
		globalSuffix:     globalSuffix,
		legacyNamespace:  legacyNamespace,
		flushCounts:      config.FlushCounts,
		lastFlush:        startup.Unix(),
		lastException:    startup.Unix(),
	}, nil
}

func combine(prefix, suffix string) string {
	prefix = strings.Trim(prefix, ".")
	suffix = strings.Trim(suffix, ".")
	if prefix != "" && suffix != "" {
		return prefix + "." + suffix
	}
	if prefix != "" {
		return prefix
	}
	return suffix
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
