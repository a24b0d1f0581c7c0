package httpclient

import (
	"sync"
	"time"
)

// Stats tracks request counters for a client.
type Stats struct {
	mu             sync.RWMutex
	requests       int64
	success2xx     int64
	clientError4xx int64
	serverError5xx int64
	failures       int64
	bytesRead      int64
	lastRequest    time.Time
}

// NewStats creates an empty stats tracker.
func NewStats() *Stats {
	return &Stats{}
}

// RecordResponse records a completed request by status class.
func (s *Stats) RecordResponse(statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.lastRequest = time.Now()
	switch {
	case statusCode >= 200 && statusCode < 300:
		s.success2xx++
	case statusCode >= 400 && statusCode < 500:
		s.clientError4xx++
	case statusCode >= 500:
		s.serverError5xx++
	}
}

// RecordFailure records a transport-level failure.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.failures++
	s.lastRequest = time.Now()
}

// RecordBytes records bytes read from a response body.
func (s *Stats) RecordBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytesRead += n
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Requests       int64     `json:"requests"`
	Success2xx     int64     `json:"success_2xx"`
	ClientError4xx int64     `json:"client_error_4xx"`
	ServerError5xx int64     `json:"server_error_5xx"`
	Failures       int64     `json:"failures"`
	BytesRead      int64     `json:"bytes_read"`
	LastRequest    time.Time `json:"last_request,omitempty"`
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatsSnapshot{
		Requests:       s.requests,
		Success2xx:     s.success2xx,
		ClientError4xx: s.clientError4xx,
		ServerError5xx: s.serverError5xx,
		Failures:       s.failures,
		BytesRead:      s.bytesRead,
		LastRequest:    s.lastRequest,
	}
}
