package transfer

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// throttle lets one event through per interval.
type throttle struct {
	interval time.Duration
	last     int64
}

func (t *throttle) allow() bool {
	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&t.last)
	if now-prev < int64(t.interval) {
		return false
	}
	return atomic.CompareAndSwapInt64(&t.last, prev, now)
}

// uploadReader feeds a file to the store. It reports every chunk read and
// stops with ErrInterrupted as soon as ctx is done.
type uploadReader struct {
	ctx    context.Context
	r      io.Reader
	onRead func(n int)
}

func (u *uploadReader) Read(p []byte) (int, error) {
	if u.ctx.Err() != nil {
		return 0, ErrInterrupted
	}
	n, err := u.r.Read(p)
	if n > 0 && u.onRead != nil {
		u.onRead(n)
	}
	return n, err
}

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
