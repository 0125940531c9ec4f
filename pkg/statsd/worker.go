package statsd

import (
	"context"
)

type processCommand struct {
	f    ProcessFunc
	done chan struct{}
}

// Worker is the single goroutine which owns a MetricAggregator. Datagrams and process commands
// are applied one at a time. A process command sees every datagram queued before it.
type Worker struct {
	aggr        *MetricAggregator
	parser      *DatagramParser
	datagrams   chan *Datagram
	processChan chan *processCommand
}

// NewWorker creates a Worker which buffers up to queueSize datagrams.
func NewWorker(aggr *MetricAggregator, parser *DatagramParser, queueSize int) *Worker {
	return &Worker{
		aggr:        aggr,
		parser:      parser,
		datagrams:   make(chan *Datagram, queueSize),
		processChan: make(chan *processCommand),
	}
}

// Run applies datagrams and process commands until ctx is done. Datagrams still queued at that
// point are dropped.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-w.datagrams:
			w.parser.HandleDatagram(w.aggr, dg)
		case cmd := <-w.processChan:
			w.drain()
			w.executeProcess(cmd)
		}
	}
}

// drain applies the datagrams which are already queued.
func (w *Worker) drain() {
	for n := len(w.datagrams); n > 0; n-- {
		w.parser.HandleDatagram(w.aggr, <-w.datagrams)
	}
}

func (w *Worker) executeProcess(cmd *processCommand) {
	defer close(cmd.done) // Done with the process command
	cmd.f(w.aggr)
}

// DispatchDatagram queues dg, blocking while the queue is full.
func (w *Worker) DispatchDatagram(ctx context.Context, dg *Datagram) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.datagrams <- dg:
		return nil
	}
}

// Process runs f on the Worker goroutine and waits for it to complete.
func (w *Worker) Process(ctx context.Context, f ProcessFunc) error {
	cmd := &processCommand{
		f:    f,
		done: make(chan struct{}),
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.processChan <- cmd:
	}
	// Once accepted the command always runs, and it may touch the caller's state.
	<-cmd.done
	return nil
}

// QueueLength returns the number of datagrams waiting to be parsed.
func (w *Worker) QueueLength() int {
	return len(w.datagrams)
}
