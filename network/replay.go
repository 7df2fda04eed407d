package network

import (
	"sync"
	"time"
)

// replayCache remembers request ids for a fixed window.
type replayCache struct {
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// check records id and reports whether it is new. Empty ids are not
// tracked, and a window <= 0 disables tracking.
func (c *replayCache) check(id string) bool {
	if id == "" || c.window <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, seen := c.seen[id]; seen && now.Sub(ts) < c.window {
		return false
	}
	c.seen[id] = now
	return true
}

// clean drops entries older than the window.
func (c *replayCache) clean() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.window)
	for id, ts := range c.seen {
		if ts.Before(cutoff) {
			delete(c.seen, id)
		}
	}
}

func (c *replayCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
