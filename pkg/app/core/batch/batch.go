// Package batch derives auction batch ids from wall-clock time.
package batch

import (
	"time"

	"github.com/uhyunpark/batchex/pkg/util"
)

// ID is floor(unix seconds / batch length). It is never stored as "current";
// it is always recomputed from the clock.
type ID uint32

// Clock maps wall-clock time onto batches.
type Clock struct {
	clock  util.Clock
	length int64 // seconds
}

func NewClock(c util.Clock, length time.Duration) *Clock {
	secs := int64(length / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return &Clock{clock: c, length: secs}
}

// Current returns the batch currently collecting orders.
func (c *Clock) Current() ID {
	return ID(c.clock.Now().Unix() / c.length)
}

// Elapsed returns how far into the current batch we are.
func (c *Clock) Elapsed() time.Duration {
	return time.Duration(c.clock.Now().Unix()%c.length) * time.Second
}

// Remaining returns the time left before the current batch closes.
func (c *Clock) Remaining() time.Duration {
	return time.Duration(c.length)*time.Second - c.Elapsed()
}

// Start returns the wall-clock start of batch id.
func (c *Clock) Start(id ID) time.Time {
	return time.Unix(int64(id)*c.length, 0)
}

func (c *Clock) Length() time.Duration {
	return time.Duration(c.length) * time.Second
}
