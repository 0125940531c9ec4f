package statsd

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon/pkg/stats"
)

// ip packet size is stored in two bytes and that is how big in theory the packet can be.
// In practice it is highly unlikely but still possible to get packets bigger than usual MTU of 1500.
const packetSizeUDP = 0xffff

// PacketDispatcher hands a raw datagram to the backends which asked to see them.
type PacketDispatcher interface {
	DispatchPacket(msg []byte, addr net.Addr)
}

// DatagramReceiver reads datagrams from a PacketConn, shows each one to the packet handlers and
// queues it for parsing.
type DatagramReceiver struct {
	logger  logrus.FieldLogger
	packets PacketDispatcher
	out     DatagramDispatcher
}

// NewDatagramReceiver initialises a new DatagramReceiver.
func NewDatagramReceiver(logger logrus.FieldLogger, packets PacketDispatcher, out DatagramDispatcher) *DatagramReceiver {
	return &DatagramReceiver{
		logger:  logger,
		packets: packets,
		out:     out,
	}
}

// Receive accepts incoming datagrams on c until ctx is done or c is closed. Several Receive
// calls may share one PacketConn.
func (dr *DatagramReceiver) Receive(ctx context.Context, c net.PacketConn) {
	clck := clock.FromContext(ctx)
	metrics := stats.FromContext(ctx)
	buf := make([]byte, packetSizeUDP)
	for {
		// This will error out when the socket is closed.
		nbytes, addr, err := c.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && !netErr.Temporary() {
				dr.logger.WithError(err).Error("Non-temporary error reading from socket")
				return
			}
			dr.logger.WithError(err).Warn("Error reading from socket")
			continue
		}
		metrics.PacketsReceived.Inc()
		msg := make([]byte, nbytes)
		copy(msg, buf[:nbytes])
		dr.packets.DispatchPacket(msg, addr)
		dg := &Datagram{
			Msg:       msg,
			Addr:      addr,
			Timestamp: clck.Now(),
		}
		if err := dr.out.DispatchDatagram(ctx, dg); err != nil {
			metrics.PacketsDropped.Inc()
			return
		}
	}
}

func sourceIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case nil:
		return "unknown"
	}
	return addr.String()
}
