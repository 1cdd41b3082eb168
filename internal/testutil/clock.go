// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync/atomic"
	"time"
)

// FakeClock is a manually advanced clock. Its Now method satisfies the
// clock hooks taken by the catalog cache and the reservation engine.
type FakeClock struct {
	nanos atomic.Int64
}

// NewFakeClock starts the clock at start, or at a fixed instant when start is zero.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	}
	c := &FakeClock{}
	c.nanos.Store(start.UnixNano())
	return c
}

// Now returns the current fake time in UTC.
func (c *FakeClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

// Advance moves the clock forward by delta.
func (c *FakeClock) Advance(delta time.Duration) {
	c.nanos.Add(int64(delta))
}
