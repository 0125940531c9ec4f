package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/backends/record"
	"github.com/atlassian/statsdaemon/pkg/stats"
	"github.com/atlassian/statsdaemon/pkg/util"
)

const (
	// BackendName is the name of this backend.
	BackendName = "redis"
	// DefaultAddress is the default address of the Redis server.
	DefaultAddress = "127.0.0.1:6379"
	// DefaultKey is the list every flush is pushed to.
	DefaultKey = "statsd:history"
	// DefaultHistoryDepth is the number of flushes kept in the list.
	DefaultHistoryDepth = 9600
	// DefaultQueueSize is the number of flushes which may wait for Redis.
	DefaultQueueSize = 10
)

var errQueueFull = errors.New("too many flushes waiting for redis")

// listClient is the subset of *redis.Client used by the backend.
type listClient interface {
	Ping() *redis.StatusCmd
	LPush(key string, values ...interface{}) *redis.IntCmd
	LTrim(key string, start, stop int64) *redis.StatusCmd
	Close() error
}

type payload struct {
	clck     clock.Clock
	failures prometheus.Counter
	data     []byte
}

// Client pushes every flush onto a capped Redis list, newest first.
type Client struct {
	logger       logrus.FieldLogger
	redis        listClient
	key          string
	historyDepth int64
	payloads     chan payload

	mu            sync.Mutex
	lastFlush     int64
	lastException int64
}

// NewClientFromViper constructs a Redis backend.
func NewClientFromViper(v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	r := util.GetSubViper(v, BackendName)
	r.SetDefault("address", DefaultAddress)
	r.SetDefault("password", "")
	r.SetDefault("db", 0)
	r.SetDefault("key", DefaultKey)
	r.SetDefault("history_depth", DefaultHistoryDepth)
	r.SetDefault("queue_size", DefaultQueueSize)

	if r.GetString("address") == "" {
		return nil, fmt.Errorf("[%s] address is required", BackendName)
	}
	rc := redis.NewClient(&redis.Options{
		Addr:     r.GetString("address"),
		Password: r.GetString("password"),
		DB:       r.GetInt("db"),
	})
	c, err := NewClient(rc, r.GetString("key"), r.GetInt64("history_depth"), r.GetInt("queue_size"), startup, logger.WithField("backend", BackendName))
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient constructs a Redis backend writing through rc.
func NewClient(rc listClient, key string, historyDepth int64, queueSize int, startup time.Time, logger logrus.FieldLogger) (*Client, error) {
	if key == "" {
		return nil, fmt.Errorf("[%s] key is required", BackendName)
	}
	if historyDepth <= 0 {
		return nil, fmt.Errorf("[%s] history_depth must be positive", BackendName)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("[%s] queue_size must be positive", BackendName)
	}
	return &Client{
		logger:        logger,
		redis:         rc,
		key:           key,
		historyDepth:  historyDepth,
		payloads:      make(chan payload, queueSize),
		lastFlush:     startup.Unix(),
		lastException: startup.Unix(),
	}, nil
}

// Run writes queued flushes until ctx is done, then closes the connection.
func (client *Client) Run(ctx context.Context) {
	defer func() {
		if err := client.redis.Close(); err != nil {
			client.logger.WithError(err).Warn("Failed to close redis client")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-client.payloads:
			client.done(p.clck, p.failures, client.write(p.data))
		}
	}
}

func (client *Client) write(data []byte) error {
	if err := client.redis.Ping().Err(); err != nil {
		return fmt.Errorf("redis went away: %v", err)
	}
	if err := client.redis.LPush(client.key, data).Err(); err != nil {
		return fmt.Errorf("lpush: %v", err)
	}
	if err := client.redis.LTrim(client.key, 0, client.historyDepth-1).Err(); err != nil {
		return fmt.Errorf("ltrim: %v", err)
	}
	return nil
}

// OnFlush encodes the flush and queues it for writing.
func (client *Client) OnFlush(ctx context.Context, timestamp int64, metrics *statsdaemon.MetricMap) {
	clck := clock.FromContext(ctx)
	failures := stats.FromContext(ctx).BackendErrors.WithLabelValues(BackendName)
	data, err := record.New(timestamp, metrics).Marshal()
	if err != nil {
		client.done(clck, failures, fmt.Errorf("marshal: %v", err))
		return
	}
	select {
	case client.payloads <- payload{clck: clck, failures: failures, data: data}:
	default:
		client.done(clck, failures, errQueueFull)
	}
}

func (client *Client) done(clck clock.Clock, failures prometheus.Counter, err error) {
	now := clck.Now().Unix()
	client.mu.Lock()
	defer client.mu.Unlock()
	if err != nil {
		failures.Inc()
		client.logger.WithError(err).Warn("Failed to write metrics")
		client.lastException = now
		return
	}
	client.lastFlush = now
}

// OnStatus reports the time of the last successful write and of the last failure.
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
