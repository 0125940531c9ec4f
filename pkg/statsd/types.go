package statsd

import (
	"context"
	"net"
	"time"
)

// Datagram is a received UDP datagram that has not been parsed.
type Datagram struct {
	Msg       []byte
	Addr      net.Addr
	Timestamp time.Time
}

// ProcessFunc is a function that gets executed on the goroutine which owns the MetricAggregator,
// with the aggregator passed in.
type ProcessFunc func(*MetricAggregator)

// AggregateProcesser runs functions with exclusive access to the aggregation state.
type AggregateProcesser interface {
	// Process runs f on the owner goroutine and waits for it to complete. It returns ctx.Err()
	// if ctx is done before f was accepted, in which case f never runs.
	Process(ctx context.Context, f ProcessFunc) error
}

// DatagramDispatcher accepts datagrams for parsing.
type DatagramDispatcher interface {
	DispatchDatagram(ctx context.Context, dg *Datagram) error
}
