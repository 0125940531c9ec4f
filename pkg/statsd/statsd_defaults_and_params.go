package statsd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/util"
)

// NewServer will create a new Server with the default configuration.
func NewServer() *Server {
	return &Server{
		FlusherConfig: FlusherConfig{
			FlushInterval:    statsdaemon.DefaultFlushInterval,
			FlushOffset:      statsdaemon.DefaultFlushOffset,
			FlushAligned:     statsdaemon.DefaultFlushAligned,
			PercentThreshold: statsdaemon.DefaultPercentThreshold,
		},
		Health:                    statsdaemon.NewHealth(statsdaemon.HealthUp),
		Logger:                    logrus.StandardLogger(),
		MetricsAddr:               net.JoinHostPort("", strconv.Itoa(statsdaemon.DefaultPort)),
		MgmtAddr:                  net.JoinHostPort("", strconv.Itoa(statsdaemon.DefaultMgmtPort)),
		KeyFlushPercent:           statsdaemon.DefaultKeyFlushPercent,
		PrefixStats:               statsdaemon.DefaultPrefixStats,
		BadLineRateLimitPerSecond: rate.Limit(statsdaemon.DefaultBadLinesPerMinute / 60.0),
		StatusTimeout:             statsdaemon.DefaultStatusTimeout,
		MaxReaders:                statsdaemon.DefaultMaxReaders,
		MaxQueueSize:              statsdaemon.DefaultMaxQueueSize,
		Startup:                   time.Now(),
	}
}

// NewServerFromViper creates a Server from the configuration in v. Backends, Registerer and
// Startup are left for the caller to fill in.
func NewServerFromViper(v *viper.Viper, logger logrus.FieldLogger) (*Server, error) {
	pt, err := ParsePercentiles(util.GetStringList(v, statsdaemon.ParamPercentThreshold))
	if err != nil {
		return nil, err
	}
	histograms, err := statsdaemon.HistogramsFromViper(v)
	if err != nil {
		return nil, err
	}
	resetPolicy, err := ResetPolicyFromViper(v)
	if err != nil {
		return nil, err
	}
	healthStatus, err := statsdaemon.ParseHealthStatus(v.GetString(statsdaemon.ParamHealthStatus))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", statsdaemon.ParamHealthStatus, err)
	}
	flushInterval := v.GetDuration(statsdaemon.ParamFlushInterval)
	if flushInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive", statsdaemon.ParamFlushInterval)
	}
	keyFlushPercent := v.GetFloat64(statsdaemon.ParamKeyFlushPercent)
	if keyFlushPercent <= 0 || keyFlushPercent > 100 {
		return nil, fmt.Errorf("%s must be in (0, 100]", statsdaemon.ParamKeyFlushPercent)
	}
	maxReaders := v.GetInt(statsdaemon.ParamMaxReaders)
	if maxReaders < 1 {
		maxReaders = 1
	}

	var mgmtAddr string
	if mgmtPort := v.GetInt(statsdaemon.ParamMgmtPort); mgmtPort > 0 {
		mgmtAddr = net.JoinHostPort(v.GetString(statsdaemon.ParamMgmtAddress), strconv.Itoa(mgmtPort))
	}

	return &Server{
		FlusherConfig: FlusherConfig{
			FlushInterval:    flushInterval,
			FlushOffset:      v.GetDuration(statsdaemon.ParamFlushOffset),
			FlushAligned:     v.GetBool(statsdaemon.ParamFlushAligned),
			ProcessTimeout:   v.GetDuration(statsdaemon.ParamProcessTimeout),
			ResetPolicy:      resetPolicy,
			PercentThreshold: pt,
			Histogram:        histograms,
		},
		Health:                    statsdaemon.NewHealth(healthStatus),
		Logger:                    logger,
		MetricsAddr:               net.JoinHostPort(v.GetString(statsdaemon.ParamAddress), strconv.Itoa(v.GetInt(statsdaemon.ParamPort))),
		MetricsIPv6:               v.GetBool(statsdaemon.ParamAddressIPv6),
		ReusePort:                 v.GetBool(statsdaemon.ParamReusePort),
		MgmtAddr:                  mgmtAddr,
		KeyFlushInterval:          v.GetDuration(statsdaemon.ParamKeyFlushInterval),
		KeyFlushPercent:           keyFlushPercent,
		KeyFlushLog:               v.GetString(statsdaemon.ParamKeyFlushLog),
		PrefixStats:               v.GetString(statsdaemon.ParamPrefixStats),
		DumpMessages:              v.GetBool(statsdaemon.ParamDumpMessages),
		BadLineRateLimitPerSecond: rate.Limit(v.GetFloat64(statsdaemon.ParamBadLinesPerMinute) / 60.0),
		StatusTimeout:             v.GetDuration(statsdaemon.ParamStatusTimeout),
		MaxReaders:                maxReaders,
		MaxQueueSize:              v.GetInt(statsdaemon.ParamMaxQueueSize),
		Startup:                   time.Now(),
	}, nil
}

// ParsePercentiles parses a list of percentile thresholds. Negative thresholds select the
// lowest values.
func ParsePercentiles(s []string) ([]float64, error) {
	percentThresholds := make([]float64, len(s))
	for i, sPercentThreshold := range s {
		pt, err := strconv.ParseFloat(sPercentThreshold, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", statsdaemon.ParamPercentThreshold, err)
		}
		if pt == 0 || pt > 100 || pt < -100 {
			return nil, fmt.Errorf("%s: %v out of range", statsdaemon.ParamPercentThreshold, pt)
		}
		percentThresholds[i] = pt
	}
	return percentThresholds, nil
}
