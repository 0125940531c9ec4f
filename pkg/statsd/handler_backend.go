package statsd

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

// StatusReply is one value reported by a backend during a status collection.
type StatusReply struct {
	Err     error
	Backend string
	Stat    string
	Value   float64
}

// BackendHandler delivers flushes, status requests and raw packets to the backends which
// implement the matching handler interface. Backends are always called in registration order.
type BackendHandler struct {
	logger        logrus.FieldLogger
	statusTimeout time.Duration
	backends      []statsdaemon.Backend
	flushers      []statsdaemon.FlushHandler
	statusers     []statsdaemon.StatusHandler
	packeters     []statsdaemon.PacketHandler
}

// NewBackendHandler initialises a new BackendHandler. Status collection ends after statusTimeout
// even if some backends have not returned yet.
func NewBackendHandler(logger logrus.FieldLogger, backends []statsdaemon.Backend, statusTimeout time.Duration) *BackendHandler {
	bh := &BackendHandler{
		logger:        logger,
		statusTimeout: statusTimeout,
		backends:      backends,
	}
	for _, b := range backends {
		if h, ok := b.(statsdaemon.FlushHandler); ok {
			bh.flushers = append(bh.flushers, h)
		}
		if h, ok := b.(statsdaemon.StatusHandler); ok {
			bh.statusers = append(bh.statusers, h)
		}
		if h, ok := b.(statsdaemon.PacketHandler); ok {
			bh.packeters = append(bh.packeters, h)
		}
	}
	return bh
}

// Run runs the backends which implement statsdaemon.Runner until ctx is done.
func (bh *BackendHandler) Run(ctx context.Context) {
	var runnables []statsdaemon.Runnable
	for _, b := range bh.backends {
		runnables = statsdaemon.MaybeAppendRunnable(runnables, b)
	}
	var wg wait.Group
	defer wg.Wait()
	for _, r := range runnables {
		wg.StartWithContext(ctx, r)
	}
	<-ctx.Done()
}

// DispatchFlush hands metrics to every FlushHandler.
func (bh *BackendHandler) DispatchFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {
	for _, h := range bh.flushers {
		h.OnFlush(ctx, timestamp, metrics)
	}
}

// DispatchPacket hands a raw datagram to every PacketHandler.
func (bh *BackendHandler) DispatchPacket(msg []byte, addr net.Addr) {
	for _, h := range bh.packeters {
		h.OnPacket(msg, addr)
	}
}

// CollectStatus asks every StatusHandler for its values concurrently. It returns once every
// handler has returned, or the status timeout or ctx expires, whichever is first. Values
// reported after that are discarded. Replies are grouped by backend in registration order.
func (bh *BackendHandler) CollectStatus(ctx context.Context) []StatusReply {
	ctx, cancel := clock.TimeoutContext(ctx, bh.statusTimeout)
	defer cancel()

	var mu sync.Mutex
	closed := false
	perHandler := make([][]StatusReply, len(bh.statusers))

	var wg sync.WaitGroup
	wg.Add(len(bh.statusers))
	for i, h := range bh.statusers {
		i, h := i, h
		go func() {
			defer wg.Done()
			h.OnStatus(ctx, func(err error, backendName, statName string, value float64) {
				mu.Lock()
				defer mu.Unlock()
				if closed {
					return
				}
				perHandler[i] = append(perHandler[i], StatusReply{
					Err:     err,
					Backend: backendName,
					Stat:    statName,
					Value:   value,
				})
			})
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
	case <-ctx.Done():
		stats.FromContext(ctx).StatusTimeouts.Inc()
		bh.logger.WithError(ctx.Err()).Warn("Status collection ended before every backend replied")
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	var replies []StatusReply
	for _, r := range perHandler {
		replies = append(replies, r...)
	}
	return replies
}
