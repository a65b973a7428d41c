package comms

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// NetworkClock keeps the time reported by the network as an offset from the
// local clock, along with the reported zone.
type NetworkClock struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	offset time.Duration
	zone   *time.Location
	synced bool
}

func NewNetworkClock(clock clockwork.Clock) *NetworkClock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NetworkClock{clock: clock, zone: time.Local}
}

func (c *NetworkClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.clock.Now())
	c.zone = t.Location()
	c.synced = true
}

// Now returns network time, or local time until the first Set.
func (c *NetworkClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Now().Add(c.offset).In(c.zone)
}

func (c *NetworkClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}
