package util

import "time"

// Clock abstracts wall clock reads so queue deadlines and monitor sample
// caching can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// DummyClock reports a fixed instant until advanced.
type DummyClock struct {
	T time.Time
}

func (c *DummyClock) Now() time.Time {
	return c.T
}

func (c *DummyClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
