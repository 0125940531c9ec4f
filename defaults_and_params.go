package statsdaemon

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultBackends is the list of default backends' names.
var DefaultBackends = []string{"graphite"}

// DefaultMaxReaders is the default number of socket reading goroutines.
var DefaultMaxReaders = runtime.NumCPU()

// DefaultPercentThreshold is the default list of applied percentiles.
var DefaultPercentThreshold = []float64{90}

const (
	// DefaultPort is the default UDP port on which to listen for metrics.
	DefaultPort = 8125
	// DefaultMgmtPort is the default TCP port of the management console.
	DefaultMgmtPort = 8126
	// DefaultFlushInterval is the default metrics flush interval.
	DefaultFlushInterval = 10 * time.Second
	// DefaultFlushOffset is the default offset of aligned flushes.
	DefaultFlushOffset = 0
	// DefaultFlushAligned is the default for aligning flushes to the interval.
	DefaultFlushAligned = false
	// DefaultKeyFlushInterval is the default key flush interval, 0 disables key flushing.
	DefaultKeyFlushInterval = 0
	// DefaultKeyFlushPercent is the default share of keys logged by the key flusher.
	DefaultKeyFlushPercent = 100
	// DefaultPrefixStats is the default prefix of the daemon's own counters.
	DefaultPrefixStats = "statsd"
	// DefaultHealthStatus is the default health status at startup.
	DefaultHealthStatus = "up"
	// DefaultStatusTimeout is the default time the console waits for backend status replies.
	DefaultStatusTimeout = 2 * time.Second
	// DefaultBadLinesPerMinute is the default number of bad lines to allow to log per minute.
	DefaultBadLinesPerMinute = 1000
	// DefaultMaxQueueSize is the default maximum number of buffered datagrams.
	DefaultMaxQueueSize = 10000 // arbitrary
)

const (
	// ParamPort is the name of parameter with the UDP port.
	ParamPort = "port"
	// ParamAddress is the name of parameter with the UDP bind address.
	ParamAddress = "address"
	// ParamAddressIPv6 is the name of parameter selecting an IPv6 UDP socket.
	ParamAddressIPv6 = "address-ipv6"
	// ParamReusePort is the name of parameter enabling SO_REUSEPORT on the UDP socket.
	ParamReusePort = "reuse-port"
	// ParamMgmtPort is the name of parameter with the management console port.
	ParamMgmtPort = "mgmt-port"
	// ParamMgmtAddress is the name of parameter with the management console bind address.
	ParamMgmtAddress = "mgmt-address"
	// ParamBackends is the name of parameter with backends.
	ParamBackends = "backends"
	// ParamFlushInterval is the name of parameter with metrics flush interval.
	ParamFlushInterval = "flush-interval"
	// ParamFlushOffset is the name of parameter with the offset of aligned flushes.
	ParamFlushOffset = "flush-offset"
	// ParamFlushAligned is the name of parameter aligning flushes to the interval.
	ParamFlushAligned = "flush-aligned"
	// ParamProcessTimeout is the name of parameter with the maximum time given to the Processor.
	ParamProcessTimeout = "process-timeout"
	// ParamPercentThreshold is the name of parameter with list of applied percentiles.
	ParamPercentThreshold = "percent-threshold"
	// ParamHistogram is the name of the config file section with histogram bins.
	ParamHistogram = "histogram"
	// ParamKeyFlushInterval is the name of parameter with the key flush interval.
	ParamKeyFlushInterval = "key-flush-interval"
	// ParamKeyFlushPercent is the name of parameter with the share of keys logged by the key flusher.
	ParamKeyFlushPercent = "key-flush-percent"
	// ParamKeyFlushLog is the name of parameter with the key flush log file.
	ParamKeyFlushLog = "key-flush-log"
	// ParamDeleteIdleStats is the name of parameter with the default of all delete-* parameters.
	ParamDeleteIdleStats = "delete-idle-stats"
	// ParamDeleteCounters is the name of parameter deleting counters on flush.
	ParamDeleteCounters = "delete-counters"
	// ParamDeleteTimers is the name of parameter deleting timers on flush.
	ParamDeleteTimers = "delete-timers"
	// ParamDeleteSets is the name of parameter deleting sets on flush.
	ParamDeleteSets = "delete-sets"
	// ParamDeleteGauges is the name of parameter deleting gauges on flush.
	ParamDeleteGauges = "delete-gauges"
	// ParamPrefixStats is the name of parameter with the prefix of the daemon's own counters.
	ParamPrefixStats = "prefix-stats"
	// ParamDumpMessages is the name of parameter logging every received line.
	ParamDumpMessages = "dump-messages"
	// ParamHealthStatus is the name of parameter with the health status at startup.
	ParamHealthStatus = "health-status"
	// ParamStatusTimeout is the name of parameter with the time to wait for backend status replies.
	ParamStatusTimeout = "status-timeout"
	// ParamBadLinesPerMinute is the name of parameter with the number of bad lines to allow to log per minute.
	ParamBadLinesPerMinute = "bad-lines-per-minute"
	// ParamMaxReaders is the name of parameter with number of socket readers.
	ParamMaxReaders = "max-readers"
	// ParamMaxQueueSize is the name of parameter with maximum number of buffered datagrams.
	ParamMaxQueueSize = "max-queue-size"
	// ParamWebAddr is the name of parameter with the address of the healthcheck and metrics server.
	ParamWebAddr = "web-addr"
)

// AddFlags adds flags to the specified FlagSet.
func AddFlags(fs *pflag.FlagSet) {
	fs.Int(ParamPort, DefaultPort, "UDP port on which to listen for metrics")
	fs.String(ParamAddress, "", "Address on which to listen for metrics")
	fs.Bool(ParamAddressIPv6, false, "Listen for metrics on an IPv6 socket")
	fs.Bool(ParamReusePort, false, "Enable SO_REUSEPORT on the metrics socket")
	fs.Int(ParamMgmtPort, DefaultMgmtPort, "TCP port of the management console")
	fs.String(ParamMgmtAddress, "", "Address of the management console")
	//TODO Remove workaround when https://github.com/spf13/viper/issues/112 is fixed
	fs.String(ParamBackends, strings.Join(DefaultBackends, ","), "Comma-separated list of backends")
	fs.Duration(ParamFlushInterval, DefaultFlushInterval, "How often to flush metrics to the backends")
	fs.Duration(ParamFlushOffset, DefaultFlushOffset, "Offset for flush interval when flush alignment is enabled")
	fs.Bool(ParamFlushAligned, DefaultFlushAligned, "Align flush to interval")
	fs.Duration(ParamProcessTimeout, 0, "Maximum time to compute statistics on flush (defaults to the flush interval)")
	fs.String(ParamPercentThreshold, strings.Join(toStringSlice(DefaultPercentThreshold), ","), "Comma-separated list of percentiles")
	fs.Duration(ParamKeyFlushInterval, DefaultKeyFlushInterval, "How often to log the most frequent keys (0 to disable)")
	fs.Int(ParamKeyFlushPercent, DefaultKeyFlushPercent, "Percentage of the most frequent keys to log")
	fs.String(ParamKeyFlushLog, "", "File to append the key flush log to (defaults to stdout)")
	fs.Bool(ParamDeleteIdleStats, false, "Delete all idle stats on flush, instead of zeroing them")
	fs.String(ParamDeleteCounters, "", "Delete idle counters on flush (defaults to "+ParamDeleteIdleStats+")")
	fs.String(ParamDeleteTimers, "", "Delete idle timers on flush (defaults to "+ParamDeleteIdleStats+")")
	fs.String(ParamDeleteSets, "", "Delete idle sets on flush (defaults to "+ParamDeleteIdleStats+")")
	fs.String(ParamDeleteGauges, "", "Delete gauges on flush (defaults to "+ParamDeleteIdleStats+")")
	fs.String(ParamPrefixStats, DefaultPrefixStats, "Prefix of the daemon's own counters")
	fs.Bool(ParamDumpMessages, false, "Log every received line")
	fs.String(ParamHealthStatus, DefaultHealthStatus, "Health status at startup, up or down")
	fs.Duration(ParamStatusTimeout, DefaultStatusTimeout, "How long the console waits for backend status replies")
	fs.Float64(ParamBadLinesPerMinute, DefaultBadLinesPerMinute, "Number of bad lines to allow to log per minute")
	fs.Int(ParamMaxReaders, DefaultMaxReaders, "Maximum number of socket readers")
	fs.Int(ParamMaxQueueSize, DefaultMaxQueueSize, "Maximum number of buffered datagrams")
	fs.String(ParamWebAddr, "", "If set, serve /healthcheck and /metrics on this address")
}

// OptionalBool reads a boolean parameter which falls back to def when it is not set.
func OptionalBool(v *viper.Viper, key string, def bool) (bool, error) {
	s := v.GetString(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s: %v", key, err)
	}
	return b, nil
}

type histogramEntry struct {
	Metric string   `mapstructure:"metric"`
	Bins   []string `mapstructure:"bins"`
}

// HistogramsFromViper reads the histogram section of the configuration:
//
//   histogram:
//     - metric: api.latency
//       bins: [10, 100, 1000, inf]
func HistogramsFromViper(v *viper.Viper) ([]HistogramConfig, error) {
	var entries []histogramEntry
	if err := v.UnmarshalKey(ParamHistogram, &entries); err != nil {
		return nil, fmt.Errorf("%s: %v", ParamHistogram, err)
	}
	histograms := make([]HistogramConfig, 0, len(entries))
	for _, e := range entries {
		h := HistogramConfig{Metric: e.Metric, Bins: make([]float64, 0, len(e.Bins))}
		for _, b := range e.Bins {
			bound, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
			if err != nil {
				return nil, fmt.Errorf("%s %q: invalid bin %q", ParamHistogram, e.Metric, b)
			}
			h.Bins = append(h.Bins, bound)
		}
		sort.Float64s(h.Bins)
		histograms = append(histograms, h)
	}
	return histograms, nil
}

func toStringSlice(fs []float64) []string {
	s := make([]string, len(fs))
	for i, f := range fs {
		s[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}
