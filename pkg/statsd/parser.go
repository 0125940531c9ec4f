package statsd

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/atlassian/statsdaemon/internal/lexer"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

// DatagramParser splits datagrams into lines and applies the parsed metrics to a MetricAggregator.
// It is not safe for concurrent use, it runs on the goroutine which owns the aggregator.
type DatagramParser struct {
	logger         logrus.FieldLogger
	metrics        *stats.Metrics
	dumpMessages   bool
	badLineLimiter *rate.Limiter
	lexer          lexer.Lexer
}

// NewDatagramParser initialises a new DatagramParser. Bad lines are logged at no more than
// badLineRateLimitPerSecond, all of them are counted.
func NewDatagramParser(logger logrus.FieldLogger, metrics *stats.Metrics, dumpMessages bool, badLineRateLimitPerSecond rate.Limit) *DatagramParser {
	burst := 1
	if badLineRateLimitPerSecond <= 0 {
		burst = 0
	}
	return &DatagramParser{
		logger:         logger,
		metrics:        metrics,
		dumpMessages:   dumpMessages,
		badLineLimiter: rate.NewLimiter(badLineRateLimitPerSecond, burst),
	}
}

// HandleDatagram applies every line of dg to aggr.
func (dp *DatagramParser) HandleDatagram(aggr *MetricAggregator, dg *Datagram) {
	aggr.ReceivePacket()
	msg := dg.Msg
	for len(msg) > 0 {
		var line []byte
		// protocol does not require line to end in \n
		if idx := bytes.IndexByte(msg, '\n'); idx == -1 {
			line = msg
			msg = nil
		} else {
			line = msg[:idx]
			msg = msg[idx+1:]
		}
		if len(line) == 0 {
			continue
		}
		dp.handleLine(aggr, dg, line)
	}
	aggr.SeenMessage(dg.Timestamp)
}

func (dp *DatagramParser) handleLine(aggr *MetricAggregator, dg *Datagram, line []byte) {
	dp.metrics.LinesReceived.Inc()
	if dp.dumpMessages {
		dp.logger.Info(string(line))
	}
	key, metrics, errs := dp.lexer.Run(line)
	aggr.CountKey(key)
	for i := range metrics {
		aggr.Receive(&metrics[i])
	}
	for _, err := range errs {
		aggr.BadLine()
		dp.metrics.BadLines.Inc()
		if dp.badLineLimiter.Allow() {
			dp.logger.WithFields(logrus.Fields{
				"line":   string(line),
				"source": sourceIP(dg.Addr),
			}).WithError(err).Warn("Bad line")
		}
	}
}
