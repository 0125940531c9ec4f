package statsd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/stats"
)

const (
	consoleHelp         = "Commands: stats, counters, timers, gauges, delcounters, deltimers, delgauges, health, quit\n\n"
	consoleEnd          = "END\n\n"
	consoleWriteTimeout = 5 * time.Second
)

// StatusCollector gathers the status values of the backends.
type StatusCollector interface {
	CollectStatus(ctx context.Context) []StatusReply
}

// ConsoleServer listens for telnet connections on a TCP address Addr and provides a line based
// console to inspect and manage the aggregation state.
type ConsoleServer struct {
	Addr       string
	Logger     logrus.FieldLogger
	Aggregator AggregateProcesser
	Status     StatusCollector
	Health     *statsdaemon.Health
	Startup    time.Time
}

// Run listens on Addr and serves connections until ctx is done.
func (s *ConsoleServer) Run(ctx context.Context) {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.WithError(err).Error("Management console failed to listen")
		return
	}
	s.Logger.WithField("address", l.Addr().String()).Info("Management console listening")
	if err := s.Serve(ctx, l); err != nil {
		s.Logger.WithError(err).Error("Management console stopped")
	}
}

// Serve accepts connections on l until ctx is done. l is closed on return, as are all open
// connections.
func (s *ConsoleServer) Serve(ctx context.Context, l net.Listener) error {
	var wg wait.Group
	defer wg.Wait()

	stop := make(chan struct{})
	defer close(stop)
	wg.Start(func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = l.Close() // unblocks Accept
	})

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		cc := &consoleConn{conn: c, server: s}
		wg.StartWithContext(ctx, cc.serve)
	}
}

// consoleConn represents a single ConsoleServer connection.
type consoleConn struct {
	conn   net.Conn
	server *ConsoleServer
}

type consoleCmd func(ctx context.Context, args []string) string

// serve reads commands from the connection, one per line, and writes the responses.
func (c *consoleConn) serve(ctx context.Context) {
	sessions := stats.FromContext(ctx).ConsoleSessions
	sessions.Inc()
	defer sessions.Dec()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = c.conn.Close()
	}()

	commands := map[string]consoleCmd{
		"help": func(ctx context.Context, args []string) string {
			return consoleHelp
		},
		"health":   c.health,
		"stats":    c.stats,
		"counters": c.dump(statsdaemon.COUNTER),
		"timers":   c.dump(statsdaemon.TIMER),
		"gauges":   c.dump(statsdaemon.GAUGE),

		"delcounters": c.delete(statsdaemon.COUNTER),
		"deltimers":   c.delete(statsdaemon.TIMER),
		"delgauges":   c.delete(statsdaemon.GAUGE),
	}

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		var response string
		if len(fields) == 0 {
			response = "ERROR\n"
		} else if fields[0] == "quit" {
			return
		} else if cmd, ok := commands[fields[0]]; ok {
			response = cmd(ctx, fields[1:])
		} else {
			response = "ERROR\n"
		}
		if !c.write(response) {
			return
		}
	}
}

func (c *consoleConn) write(s string) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(consoleWriteTimeout)); err != nil {
		return false
	}
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.server.Logger.WithError(err).Debug("Management console write failed")
		return false
	}
	return true
}

func (c *consoleConn) health(ctx context.Context, args []string) string {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "up":
			c.server.Health.Set(statsdaemon.HealthUp)
		case "down":
			c.server.Health.Set(statsdaemon.HealthDown)
		}
	}
	return "health: " + c.server.Health.Get().String() + "\n"
}

func (c *consoleConn) stats(ctx context.Context, args []string) string {
	var lastMsgSeen time.Time
	var badLinesSeen float64
	if err := c.server.Aggregator.Process(ctx, func(aggr *MetricAggregator) {
		lastMsgSeen, badLinesSeen = aggr.Stats()
	}); err != nil {
		return "ERROR\n"
	}
	now := clock.FromContext(ctx).Now().Unix()

	var sb strings.Builder
	fmt.Fprintf(&sb, "uptime: %d\n", now-c.server.Startup.Unix())
	fmt.Fprintf(&sb, "messages.last_msg_seen: %d\n", now-lastMsgSeen.Unix())
	fmt.Fprintf(&sb, "messages.bad_lines_seen: %s\n", formatValue(badLinesSeen))

	for _, reply := range c.server.Status.CollectStatus(ctx) {
		if reply.Err != nil {
			c.server.Logger.WithError(reply.Err).WithField("backend", reply.Backend).Warn("Failed to read stats for backend")
			continue
		}
		value := reply.Value
		if strings.HasPrefix(reply.Stat, "last_") {
			value = float64(now) - value
		}
		fmt.Fprintf(&sb, "%s.%s: %s\n", reply.Backend, reply.Stat, formatValue(value))
	}
	sb.WriteString(consoleEnd)
	return sb.String()
}

func (c *consoleConn) dump(t statsdaemon.MetricType) consoleCmd {
	return func(ctx context.Context, args []string) string {
		var s string
		if err := c.server.Aggregator.Process(ctx, func(aggr *MetricAggregator) {
			s = aggr.Dump(t)
		}); err != nil {
			return "ERROR\n"
		}
		return s + consoleEnd
	}
}

func (c *consoleConn) delete(t statsdaemon.MetricType) consoleCmd {
	return func(ctx context.Context, args []string) string {
		var lines []string
		if err := c.server.Aggregator.Process(ctx, func(aggr *MetricAggregator) {
			for _, bucket := range args {
				lines = append(lines, aggr.Delete(t, bucket)...)
			}
		}); err != nil {
			return "ERROR\n"
		}
		var sb strings.Builder
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		sb.WriteString(consoleEnd)
		return sb.String()
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
