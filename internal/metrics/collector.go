// Package metrics provides in-memory runtime counters for the engine.
package metrics

import (
	"sync"
	"time"
)

// Counter names used across the engine.
const (
	MessagesReceived  = "messages_received"
	MessagesAccepted  = "messages_accepted"
	MessagesStale     = "messages_stale"
	MessagesMalformed = "messages_malformed"
	ChannelsOpened    = "channels_opened"
	ChannelsClosed    = "channels_closed"
)

// Snapshot is the full counter state at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Counters      map[string]int64
}

// Collector aggregates in-memory runtime counters.
// All methods are thread-safe.
type Collector struct {
	mu        sync.Mutex
	startTime time.Time
	counters  map[string]int64
}

// NewCollector creates a new counter collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		counters:  make(map[string]int64),
	}
}

// Inc increments a counter by one.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add increments a counter by n.
func (c *Collector) Add(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Get returns the current value of a counter.
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Snapshot returns a copy of all counters plus uptime.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]int64, len(c.counters))
	for name, v := range c.counters {
		counters[name] = v
	}
	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Counters:      counters,
	}
}
