package util

import (
	"context"
	"sync"
	"time"

	"github.com/tilinna/clock"
)

// FlushTicker delivers flush ticks on C, using the clock attached to the context it was created with.
//
// Unaligned, it fires every interval counted from creation, like a clock.Ticker.
//
// Aligned, instead of firing at:
// [T+1*interval, T+2*interval, T+3*interval, ...]
//
// It will fire at:
// r = roundup(T, interval)+offset
// [r, r+1*interval, r+2*interval, ...]
//
// and the time.Time sent is r+n*interval rather than the actual time of firing. Ticks are dropped
// when the reader falls behind.
type FlushTicker struct {
	C        <-chan time.Time
	ch       chan time.Time
	chStop   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	offset   time.Duration
	aligned  bool
}

// NewFlushTicker starts a FlushTicker. The ticker stops when Stop is called or ctx is done.
func NewFlushTicker(ctx context.Context, interval, offset time.Duration, aligned bool) *FlushTicker {
	ch := make(chan time.Time, 1)
	ft := &FlushTicker{
		C:        ch,
		ch:       ch,
		chStop:   make(chan struct{}),
		interval: interval,
		offset:   offset,
		aligned:  aligned,
	}
	if aligned {
		go ft.runAligned(ctx)
	} else {
		go ft.run(ctx, clock.FromContext(ctx).NewTicker(interval))
	}
	return ft
}

func roundup(t time.Time, i time.Duration) time.Time {
	return t.Truncate(i).Add(i)
}

func (ft *FlushTicker) runAligned(ctx context.Context) {
	clck := clock.FromContext(ctx)
	now := clck.Now()
	tmr := clck.NewTimer(roundup(now.Add(-ft.offset), ft.interval).Add(ft.offset).Sub(now))
	defer tmr.Stop()

	select {
	case now := <-tmr.C:
		// Start the repeating ticker before anything else so it stays on the boundary.
		tckr := clck.NewTicker(ft.interval)
		if !ft.send(now) {
			tckr.Stop()
			return
		}
		ft.run(ctx, tckr)
	case <-ft.chStop:
	case <-ctx.Done():
	}
}

func (ft *FlushTicker) run(ctx context.Context, tckr *clock.Ticker) {
	defer tckr.Stop()
	for {
		select {
		case now := <-tckr.C:
			if !ft.send(now) {
				return
			}
		case <-ft.chStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ft *FlushTicker) send(t time.Time) bool {
	if ft.aligned {
		t = t.Add(-ft.offset).Truncate(ft.interval).Add(ft.offset)
	}
	select {
	case ft.ch <- t:
		return true
	case <-ft.chStop:
		return false
	default:
		return true
	}
}

// Stop turns off the ticker. It is safe to call more than once.
func (ft *FlushTicker) Stop() {
	ft.stopOnce.Do(func() {
		close(ft.chStop)
	})
}
