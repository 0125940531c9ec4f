package statsd

import (
	"context"
	"net"
	"time"

	"github.com/ash2k/stager"
	reuseport "github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

// Server encapsulates all of the parameters necessary for starting up
// the statsd server. These can either be set via command line or directly.
type Server struct {
	FlusherConfig
	Backends                  []statsdaemon.Backend
	Processor                 statsdaemon.Processor // Defaults to the StatisticsProcessor
	Health                    *statsdaemon.Health
	Logger                    logrus.FieldLogger
	Registerer                prometheus.Registerer // Optional, exposes the queue length
	MetricsAddr               string
	MetricsIPv6               bool
	ReusePort                 bool
	MgmtAddr                  string        // Empty disables the management console
	KeyFlushInterval          time.Duration // Zero disables key flushing
	KeyFlushPercent           float64
	KeyFlushLog               string
	PrefixStats               string
	DumpMessages              bool
	BadLineRateLimitPerSecond rate.Limit
	StatusTimeout             time.Duration
	MaxReaders                int
	MaxQueueSize              int
	Startup                   time.Time
}

// Run runs the server until context signals done.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithCustomSocket(ctx, s.listenPacket)
}

// SocketFactory is an indirection layer over net.ListenPacket() to allow for different implementations.
type SocketFactory func() (net.PacketConn, error)

func (s *Server) listenPacket() (net.PacketConn, error) {
	network := "udp4"
	if s.MetricsIPv6 {
		network = "udp6"
	}
	if s.ReusePort {
		return reuseport.ListenPacket(network, s.MetricsAddr)
	}
	return net.ListenPacket(network, s.MetricsAddr)
}

// RunWithCustomSocket runs the server until context signals done.
// Listening socket is created using sf.
//
// Components are shut down in reverse start order: the receivers stop reading first, then the
// flusher performs its final flush while the worker still owns the aggregation state, then the
// worker and finally the backends stop.
func (s *Server) RunWithCustomSocket(ctx context.Context, sf SocketFactory) error {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	health := s.Health
	if health == nil {
		health = statsdaemon.NewHealth(statsdaemon.HealthUp)
	}
	processor := s.Processor
	if processor == nil {
		processor = &StatisticsProcessor{}
	}
	metrics := stats.FromContext(ctx)
	ctx = stats.NewContext(ctx, metrics)

	// Open sockets first so that a bad address fails the start up
	c, err := sf()
	if err != nil {
		return err
	}
	defer func() {
		// Usually closed by the receivers' stage already
		_ = c.Close()
	}()
	logger.WithField("address", c.LocalAddr().String()).Info("Listening for metrics")

	var mgmt net.Listener
	if s.MgmtAddr != "" {
		mgmt, err = net.Listen("tcp", s.MgmtAddr)
		if err != nil {
			return err
		}
		logger.WithField("address", mgmt.Addr().String()).Info("Management console listening")
	}

	backendHandler := NewBackendHandler(logger, s.Backends, s.StatusTimeout)
	aggregator := NewMetricAggregator(s.PrefixStats, s.KeyFlushInterval > 0, s.Startup)
	parser := NewDatagramParser(logger, metrics, s.DumpMessages, s.BadLineRateLimitPerSecond)
	worker := NewWorker(aggregator, parser, s.MaxQueueSize)
	flusher := NewMetricFlusher(s.FlusherConfig, logger, worker, processor, backendHandler)
	receiver := NewDatagramReceiver(logger, backendHandler, worker)

	if s.Registerer != nil {
		queueLength := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: stats.Namespace,
			Name:      "queue_length",
			Help:      "Number of datagrams waiting to be parsed.",
		}, func() float64 {
			return float64(worker.QueueLength())
		})
		if err := s.Registerer.Register(queueLength); err != nil {
			logger.WithError(err).Warn("Failed to register queue length gauge")
		} else {
			defer s.Registerer.Unregister(queueLength)
		}
	}

	stgr := stager.New()
	defer stgr.Shutdown()

	// 1. Backends
	stage := stgr.NextStage()
	stage.StartWithContext(withValuesOf(ctx, backendHandler.Run))

	// 2. The worker which owns the aggregation state
	stage = stgr.NextStage()
	stage.StartWithContext(withValuesOf(ctx, worker.Run))

	// 3. Everything that talks to the worker
	stage = stgr.NextStage()
	stage.StartWithContext(withValuesOf(ctx, flusher.Run))
	if s.KeyFlushInterval > 0 {
		kf := NewKeyFlusher(logger, worker, s.KeyFlushInterval, s.KeyFlushPercent, s.KeyFlushLog)
		stage.StartWithContext(withValuesOf(ctx, kf.Run))
	}
	if mgmt != nil {
		console := &ConsoleServer{
			Addr:       mgmt.Addr().String(),
			Logger:     logger,
			Aggregator: worker,
			Status:     backendHandler,
			Health:     health,
			Startup:    s.Startup,
		}
		stage.StartWithContext(withValuesOf(ctx, func(ctx context.Context) {
			if err := console.Serve(ctx, mgmt); err != nil {
				logger.WithError(err).Error("Management console stopped")
			}
		}))
	}

	// 4. Receivers
	stage = stgr.NextStage()
	stage.StartWithContext(func(ctx context.Context) {
		<-ctx.Done()
		_ = c.Close() // unblocks the readers
	})
	for r := 0; r < s.MaxReaders; r++ {
		stage.StartWithContext(withValuesOf(ctx, func(ctx context.Context) {
			receiver.Receive(ctx, c)
		}))
	}

	// Listen until done
	<-ctx.Done()
	return ctx.Err()
}

// withValuesOf runs f with the cancellation of its stage and the values (clock, metrics) of
// parent.
func withValuesOf(parent context.Context, f func(context.Context)) func(context.Context) {
	return func(stageCtx context.Context) {
		f(valueContext{Context: stageCtx, values: parent})
	}
}

type valueContext struct {
	context.Context
	values context.Context
}

func (c valueContext) Value(key interface{}) interface{} {
	if v := c.values.Value(key); v != nil {
		return v
	}
	return c.Context.Value(key)
}
