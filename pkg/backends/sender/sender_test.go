package sender

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/statsdaemon/internal/fixtures"
	"github.com/atlassian/statsdaemon/pkg/pool"
	"github.com/atlassian/statsdaemon/pkg/util"
)

func newSender(t *testing.T, cf ConnFactory) *Sender {
	return &Sender{
		Logger:      fixtures.NewTestLogger(t),
		ConnFactory: cf,
		Sink:        make(chan Stream),
		BufPool:     pool.NewBytesBuffer(0),
	}
}

func runSender(t *testing.T, s *Sender) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	var wg wait.Group
	wg.StartWithContext(ctx, s.Run)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

// send queues one stream of bufs and returns the errors it was completed with.
func send(s *Sender, bufs ...[]byte) []error {
	sink := make(chan *bytes.Buffer, len(bufs))
	for _, b := range bufs {
		sink <- bytes.NewBuffer(b)
	}
	close(sink)
	res := make(chan []error, 1)
	s.Sink <- Stream{
		Cb:  func(errs []error) { res <- errs },
		Buf: sink,
	}
	return <-res
}

func TestSend(t *testing.T) {
	t.Parallel()
	dc := &dummyConn{}
	s := newSender(t, func() (net.Conn, error) {
		return dc, nil
	})
	runSender(t, s)

	for i := 0; i <= 4; i++ {
		bufs := make([][]byte, 0, i)
		for x := 0; x < i; x++ {
			bufs = append(bufs, []byte{byte(x)})
		}
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			for _, e := range send(s, bufs...) {
				assert.NoError(t, e)
			}
		})
	}
	assert.Equal(t, []byte{0x0, 0x0, 0x1, 0x0, 0x1, 0x2, 0x0, 0x1, 0x2, 0x3}, dc.Bytes())
}

func TestSendReconnectsWithBackoff(t *testing.T) {
	t.Parallel()
	dc := &dummyConn{}
	var mu sync.Mutex
	attempts := 0
	s := newSender(t, func() (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return dc, nil
	})
	s.Backoff = util.NewBackoffFactory(1.0, 5*time.Second, time.Millisecond, 0)
	runSender(t, s)

	errs := send(s, []byte("a 1 1\n"))
	assert.Empty(t, errs)
	assert.Equal(t, "a 1 1\n", string(dc.Bytes()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestSendGivesUpWithoutRetries(t *testing.T) {
	t.Parallel()
	expected := errors.New("connection refused")
	s := newSender(t, func() (net.Conn, error) {
		return nil, expected
	})
	runSender(t, s)

	errs := send(s, []byte("a 1 1\n"), []byte("b 1 1\n"))
	require.Len(t, errs, 1)
	assert.Equal(t, expected, errs[0])

	// The sender keeps serving later streams.
	errs = send(s, []byte("c 1 1\n"))
	require.Len(t, errs, 1)
}

func TestSendResumesStreamAfterWriteError(t *testing.T) {
	t.Parallel()
	failing := &dummyConn{failWrites: true}
	good := &dummyConn{}
	var mu sync.Mutex
	conns := []*dummyConn{failing, good}
	s := newSender(t, func() (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := conns[0]
		if len(conns) > 1 {
			conns = conns[1:]
		}
		return c, nil
	})
	runSender(t, s)

	errs := send(s, []byte("lost\n"), []byte("kept\n"))
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "write failed")
	assert.Equal(t, "kept\n", string(good.Bytes()))
	assert.True(t, failing.Closed())
}

type dummyConn struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	isClosed   bool
	failWrites bool
}

func (c *dummyConn) Read(b []byte) (int, error) {
	return 0, errors.New("asdasd")
}

func (c *dummyConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		panic("closed")
	}
	if c.failWrites {
		return 0, errors.New("write failed")
	}
	return c.buf.Write(b)
}

func (c *dummyConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *dummyConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

func (c *dummyConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isClosed = true
	return nil
}

func (c *dummyConn) LocalAddr() net.Addr {
	return nil
}

func (c *dummyConn) RemoteAddr() net.Addr {
	return nil
}

func (c *dummyConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *dummyConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *dummyConn) SetWriteDeadline(t time.Time) error {
	return nil
}
