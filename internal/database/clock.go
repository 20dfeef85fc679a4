package database

import (
	"time"

	"github.com/npezzotti/chat-relay/internal/types"
)

// monotonicClock hands out timestamps that never go backwards, even if the
// wall clock does. Callers hold the store's write lock.
type monotonicClock struct {
	last time.Time
	now  func() time.Time
}

func (c *monotonicClock) next() time.Time {
	now := types.Now
	if c.now != nil {
		now = c.now
	}

	ts := now()
	if ts.Before(c.last) {
		ts = c.last
	}
	c.last = ts
	return ts
}
