package repeater

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/util"
)

const (
	// BackendName is the name of this backend.
	BackendName = "repeater"
	// DefaultProtocol is the default network used to reach the hosts.
	DefaultProtocol = "udp4"
	// DefaultQueueSize is the default number of datagrams waiting to be repeated.
	DefaultQueueSize = 1000
)

// Client repeats every received datagram, unparsed, to a list of statsd hosts.
type Client struct {
	sent    uint64 // accessed atomically, kept first for alignment
	dropped uint64

	logger  logrus.FieldLogger
	conns   []net.Conn
	packets chan []byte
}

// NewClientFromViper constructs a repeater backend.
func NewClientFromViper(v *viper.Viper, _ time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	r := util.GetSubViper(v, BackendName)
	r.SetDefault("protocol", DefaultProtocol)
	r.SetDefault("queue_size", DefaultQueueSize)
	return NewClient(
		r.GetString("protocol"),
		util.GetStringList(r, "hosts"),
		r.GetInt("queue_size"),
		logger.WithField("backend", BackendName),
	)
}

// NewClient dials every host. Datagrams are written as they are, one per host.
func NewClient(protocol string, hosts []string, queueSize int, logger logrus.FieldLogger) (*Client, error) {
	switch protocol {
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("[%s] protocol must be one of 'udp', 'udp4' or 'udp6'", BackendName)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("[%s] hosts are required", BackendName)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("[%s] queue_size should be positive", BackendName)
	}
	conns := make([]net.Conn, 0, len(hosts))
	for _, host := range hosts {
		conn, err := net.Dial(protocol, host)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("[%s] %v", BackendName, err)
		}
		conns = append(conns, conn)
	}
	logger.WithFields(logrus.Fields{
		"protocol": protocol,
		"hosts":    hosts,
	}).Info("created backend")
	return &Client{
		logger:  logger,
		conns:   conns,
		packets: make(chan []byte, queueSize),
	}, nil
}

// Name returns the name of the backend.
func (*Client) Name() string {
	return BackendName
}

// OnPacket queues a copy of msg. Datagrams are dropped while the queue is full.
func (c *Client) OnPacket(msg []byte, addr net.Addr) {
	m := make([]byte, len(msg))
	copy(m, msg)
	select {
	case c.packets <- m:
	default:
		atomic.AddUint64(&c.dropped, 1)
	}
}

// OnStatus reports the number of repeated and dropped datagrams.
func (c *Client) OnStatus(ctx context.Context, report statsdaemon.StatusReporter) {
	report(nil, BackendName, "packets_sent", float64(atomic.LoadUint64(&c.sent)))
	report(nil, BackendName, "packets_dropped", float64(atomic.LoadUint64(&c.dropped)))
}

// Run writes queued datagrams until ctx is done, then closes the connections.
func (c *Client) Run(ctx context.Context) {
	defer func() {
		for _, conn := range c.conns {
			if err := conn.Close(); err != nil {
				c.logger.WithError(err).Warn("Close failed")
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.packets:
			for _, conn := range c.conns {
				if _, err := conn.Write(msg); err != nil {
					c.logger.WithError(err).WithField("host", conn.RemoteAddr().String()).Warn("Failed to repeat datagram")
				}
			}
			atomic.AddUint64(&c.sent, 1)
		}
	}
}
