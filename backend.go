package statsdaemon

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Backend represents a backend.
// A Backend receives events by implementing any of FlushHandler, StatusHandler and PacketHandler.
// If Backend implements the Runner interface, it's started in a new goroutine at creation.
type Backend interface {
	// Name returns the name of the backend.
	Name() string
}

// FlushHandler is implemented by backends which want the metrics of every closed interval.
type FlushHandler interface {
	// OnFlush receives the processed metrics. The same MetricMap is handed to every backend, so it
	// must be treated as read-only. OnFlush must not block, any I/O is done asynchronously.
	OnFlush(ctx context.Context, timestamp int64, metrics *MetricMap)
}

// StatusReporter is used by a StatusHandler to report one of its internal values.
type StatusReporter func(err error, backendName, statName string, value float64)

// StatusHandler is implemented by backends which expose internal values on the management console.
type StatusHandler interface {
	// OnStatus calls report for each value and returns when done. Calls to report after
	// OnStatus has returned, or after ctx is done, are discarded.
	OnStatus(ctx context.Context, report StatusReporter)
}

// PacketHandler is implemented by backends which want to see every received datagram before it is parsed.
type PacketHandler interface {
	// OnPacket must not modify or retain msg past the call.
	OnPacket(msg []byte, addr net.Addr)
}

// BackendFactory is a function that returns a Backend.
// A non-nil error is fatal to daemon startup.
type BackendFactory func(v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (Backend, error)
