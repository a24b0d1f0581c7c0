package httpclient

import (
	"net/http"
	"sync"
	"time"
)

// ClockSync estimates the offset between the local clock and the server
// clock using HTTP Date response headers. Live playlists anchor their
// availability windows on the server's notion of "now", so drift between
// the two clocks shifts segment availability.
type ClockSync struct {
	mu       sync.RWMutex
	offset   time.Duration
	samples  int64
	lastSeen time.Time
}

// NewClockSync creates an unsynchronised clock.
func NewClockSync() *ClockSync {
	return &ClockSync{}
}

// Observe records a Date header value. Invalid or empty values are ignored.
// The Date header only carries second resolution, so the offset is smoothed
// across samples rather than trusted outright.
func (c *ClockSync) Observe(dateHeader string) {
	if dateHeader == "" {
		return
	}
	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return
	}

	sample := time.Until(serverTime)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples++
	c.lastSeen = time.Now()
	if c.samples == 1 {
		c.offset = sample
		return
	}
	// Exponential smoothing, weighted toward recent samples.
	c.offset = (c.offset*3 + sample) / 4
}

// Offset returns the estimated server minus local clock offset.
func (c *ClockSync) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Synchronized reports whether at least one Date header has been observed.
func (c *ClockSync) Synchronized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.samples > 0
}

// Now returns the current time adjusted to the server clock.
func (c *ClockSync) Now() time.Time {
	return time.Now().Add(c.Offset())
}
