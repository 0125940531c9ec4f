package sender

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/statsdaemon/pkg/pool"
	"github.com/atlassian/statsdaemon/pkg/util"
)

const maxStreamsPerConnection = 100

// ConnFactory opens a new connection to the destination.
type ConnFactory func() (net.Conn, error)

// SendCallback is called once per Stream with the errors encountered while sending it.
type SendCallback func([]error)

// Stream is a sequence of buffers written to the same connection, followed by a call to Cb.
type Stream struct {
	Cb  SendCallback
	Buf <-chan *bytes.Buffer
}

// Sender writes streams to a connection, reconnecting with a backoff when it breaks.
type Sender struct {
	Logger       logrus.FieldLogger
	ConnFactory  ConnFactory
	Sink         chan Stream
	BufPool      *pool.BytesBuffer
	WriteTimeout time.Duration
	Backoff      util.BackoffFactory // Defaults to no retries
}

// Run sends streams until ctx is done. Every stream taken from Sink gets its callback called.
func (s *Sender) Run(ctx context.Context) {
	var stream *Stream
	var errs []error
	for {
		if stream == nil {
			select {
			case <-ctx.Done():
				return
			case st := <-s.Sink:
				stream = &st
			}
		}
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.discard(stream, append(errs, err))
			stream, errs = nil, nil
			if ctx.Err() != nil {
				return
			}
			continue
		}
		stream, errs, err = s.innerRun(ctx, conn, stream, errs)
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				if stream != nil {
					s.discard(stream, append(errs, err))
				}
				return
			}
			errs = append(errs, err)
		}
	}
}

func (s *Sender) connect(ctx context.Context) (net.Conn, error) {
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if s.Backoff != nil {
		bo = s.Backoff()
	}
	var conn net.Conn
	err := backoff.RetryNotify(func() error {
		c, err := s.ConnFactory()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		s.Logger.WithError(err).WithField("retry-in", d).Warn("Failed to connect")
	})
	if err != nil {
		s.Logger.WithError(err).Error("Failed to connect, giving up on the pending stream")
		return nil, err
	}
	return conn, nil
}

// discard returns the remaining buffers of stream to the pool and reports errs.
func (s *Sender) discard(stream *Stream, errs []error) {
	for buf := range stream.Buf {
		s.PutBuffer(buf)
	}
	stream.Cb(errs)
}

func (s *Sender) innerRun(ctx context.Context, conn net.Conn, stream *Stream, errs []error) (*Stream, []error, error) {
	defer func() {
		if err := conn.Close(); err != nil {
			s.Logger.WithError(err).Warn("Close failed")
		}
	}()
	var err error
loop:
	for streamCount := 0; streamCount < maxStreamsPerConnection; streamCount++ {
		if stream == nil {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break loop
			case st := <-s.Sink:
				stream = &st
			}
		}
		for buf := range stream.Buf {
			if s.WriteTimeout > 0 {
				if e := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); e != nil {
					s.Logger.WithError(e).Warn("Failed to set write deadline")
				}
			}
			_, err = conn.Write(buf.Bytes())
			s.PutBuffer(buf)
			if err != nil {
				break loop
			}
		}
		stream.Cb(errs)
		stream = nil
		errs = nil
	}
	return stream, errs, err
}

// GetBuffer takes an empty buffer from the pool.
func (s *Sender) GetBuffer() *bytes.Buffer {
	return s.BufPool.Get()
}

// PutBuffer returns buf to the pool.
func (s *Sender) PutBuffer(buf *bytes.Buffer) {
	s.BufPool.Put(buf)
}
