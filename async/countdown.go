package async

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// CountDown resolves its event after a fixed number of participants have
// counted down. The first error reported wins; later errors are dropped.
type CountDown struct {
	remaining atomic.Int64
	event     *Event

	errOnce sync.Once
	err     error
}

// NewCountDown returns a CountDown waiting for n participants. n must be positive.
func NewCountDown(n int64) *CountDown {
	if n <= 0 {
		exceptions.Panicf("async: count down must start positive, got %d", n)
	}
	c := &CountDown{event: NewEvent()}
	c.remaining.Store(n)
	return c
}

// Event returns the event resolved when the count reaches zero.
func (c *CountDown) Event() *Event { return c.event }

// Error records err if it is the first non-nil error reported. It does not
// count down.
func (c *CountDown) Error(err error) {
	if err == nil {
		return
	}
	c.errOnce.Do(func() { c.err = err })
}

// CountDown decrements the count by n and reports whether it reached zero. The
// participant that brings the count to zero resolves the event.
func (c *CountDown) CountDown(n int64) bool {
	left := c.remaining.Add(-n)
	if left < 0 {
		exceptions.Panicf("async: count down below zero (%d)", left)
	}
	if left > 0 {
		return false
	}
	// All participants are done; no writer can race with this read of err.
	if c.err != nil {
		c.event.SetError(c.err)
	} else {
		c.event.SetAvailable()
	}
	return true
}
