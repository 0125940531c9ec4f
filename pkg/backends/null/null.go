package null

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/statsdaemon"
)

// BackendName is the name of this backend.
const BackendName = "null"

// client represents a discarding backend.
type client struct{}

// NewClientFromViper constructs a discarding backend.
func NewClientFromViper(v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	return NewClient(), nil
}

// NewClient constructs a client object.
func NewClient() statsdaemon.Backend {
	return client{}
}

// OnFlush discards the metrics.
func (client) OnFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {}

// Name returns the name of the backend.
func (client) Name() string {
	return BackendName
}
