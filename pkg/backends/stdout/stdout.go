package stdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/backends/record"
	"github.com/atlassian/statsdaemon/pkg/stats"
	"github.com/atlassian/statsdaemon/pkg/util"
)

// BackendName is the name of this backend.
const BackendName = "stdout"

// Client prints every flush as JSON.
type Client struct {
	logger      logrus.FieldLogger
	prettyPrint bool

	mu            sync.Mutex // serialises writes to out and guards the status
	out           io.Writer
	lastFlush     int64
	lastException int64
}

// NewClientFromViper constructs a stdout backend.
func NewClientFromViper(v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	s := util.GetSubViper(v, BackendName)
	s.SetDefault("pretty_print", false)
	return NewClient(os.Stdout, s.GetBool("pretty_print"), startup, logger.WithField("backend", BackendName)), nil
}

// NewClient constructs a stdout backend which writes to out.
func NewClient(out io.Writer, prettyPrint bool, startup time.Time, logger logrus.FieldLogger) *Client {
	return &Client{
		logger:        logger,
		prettyPrint:   prettyPrint,
		out:           out,
		lastFlush:     startup.Unix(),
		lastException: startup.Unix(),
	}
}

// OnFlush writes the flush to out.
func (client *Client) OnFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {
	now := clock.FromContext(ctx).Now()
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "Flushing stats at %s\n", now.UTC().Format(record.DateTimeFormat))

	r := record.New(timestamp, metrics)
	var err error
	if client.prettyPrint {
		err = r.WritePretty(buf)
	} else {
		var b []byte
		if b, err = r.Marshal(); err == nil {
			buf.Write(b)
			buf.WriteByte('\n')
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if err == nil {
		_, err = buf.WriteTo(client.out)
	}
	if err != nil {
		stats.FromContext(ctx).BackendErrors.WithLabelValues(BackendName).Inc()
		client.logger.WithError(err).Error("Failed to print metrics")
		client.lastException = now.Unix()
		return
	}
	client.lastFlush = now.Unix()
}

// OnStatus reports the time of the last flush and of the last failure.
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
