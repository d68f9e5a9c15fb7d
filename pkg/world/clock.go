// Package world provides the kernel's time and identity primitives: the
// monotonic event clock and the artifact/principal ID registry.
package world

import (
	"sync"
	"time"
)

// Clock issues strictly increasing event numbers and wall-clock timestamps.
// Event numbers are the canonical ordering reference for the whole world;
// nothing else may assign them.
type Clock struct {
	mu      sync.Mutex
	eventNo uint64
	now     func() time.Time
}

// NewClock creates a clock starting at event number zero.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// WithNow overrides the wall-clock source for testing.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// NextEventNumber reserves and returns the next event number.
func (c *Clock) NextEventNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventNo++
	return c.eventNo
}

// CurrentEventNumber returns the last issued event number without advancing.
func (c *Clock) CurrentEventNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventNo
}

// Now returns the current wall-clock time in UTC.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	now := c.now
	c.mu.Unlock()
	return now().UTC()
}

// Restore sets the event counter after a checkpoint load. It refuses to move
// the counter backwards.
func (c *Clock) Restore(eventNo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eventNo > c.eventNo {
		c.eventNo = eventNo
	}
}
