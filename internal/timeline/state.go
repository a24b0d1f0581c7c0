// Package timeline tracks loaded media playlists over time and maps
// between presentation time and segments. It owns the live reload
// schedule, the static/live transition, and segment search including
// the DRM material each segment needs.
package timeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/manifold/internal/manifest"
)

// PlaylistState is the load state of one media playlist URL.
type PlaylistState int

const (
	PlaylistNotLoaded PlaylistState = iota
	PlaylistRequested
	PlaylistLoaded
	PlaylistInvalid
)

func (s PlaylistState) String() string {
	switch s {
	case PlaylistRequested:
		return "requested"
	case PlaylistLoaded:
		return "loaded"
	case PlaylistInvalid:
		return "invalid"
	default:
		return "not-loaded"
	}
}

// LiveUpdateState describes whether a live playlist is still being
// refreshed.
type LiveUpdateState int

const (
	// LiveUpdating means reloads are scheduled as normal.
	LiveUpdating LiveUpdateState = iota
	// LiveNotUpdating means the server stopped producing new segments
	// and reloads were abandoned.
	LiveNotUpdating
	// LiveReachedEnd means playback consumed every segment the stalled
	// playlist will ever have.
	LiveReachedEnd
	// LiveStopped means the reached end has been acted upon and the
	// playlist needs no further attention.
	LiveStopped
)

// MediaPlaylistAndState pairs a media playlist URL with its most recent
// loaded instance and the reload bookkeeping for live streams.
type MediaPlaylistAndState struct {
	mu  sync.Mutex
	log *slog.Logger

	url       string
	pathwayID string

	state       PlaylistState
	updateState LiveUpdateState
	pl          *manifest.MediaPlaylist
	lastErr     error

	// loadedAt is the time of the last load that brought new content.
	// Adopting an unchanged reload does not move it, so the staleness
	// checks below measure real server-side silence.
	loadedAt    time.Time
	reloadAt    time.Time
	reloadCount int
}

// NewMediaPlaylistAndState returns an empty state for a playlist URL.
// The pathway ID records which CDN the URL was selected from.
func NewMediaPlaylistAndState(url, pathwayID string, logger *slog.Logger) *MediaPlaylistAndState {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaPlaylistAndState{log: logger, url: url, pathwayID: pathwayID}
}

// URL returns the playlist URL this state tracks.
func (s *MediaPlaylistAndState) URL() string { return s.url }

// PathwayID returns the content steering pathway the URL came from.
func (s *MediaPlaylistAndState) PathwayID() string { return s.pathwayID }

// State returns the current load state.
func (s *MediaPlaylistAndState) State() PlaylistState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdateState returns the live refresh state.
func (s *MediaPlaylistAndState) UpdateState() LiveUpdateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateState
}

// Playlist returns the most recently adopted playlist instance, or nil.
func (s *MediaPlaylistAndState) Playlist() *manifest.MediaPlaylist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pl
}

// LastError returns the error recorded by MarkInvalid.
func (s *MediaPlaylistAndState) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// TimeWhenLoaded returns when the playlist last gained new content.
func (s *MediaPlaylistAndState) TimeWhenLoaded() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

// MarkRequested records that a load request is in flight.
func (s *MediaPlaylistAndState) MarkRequested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = PlaylistRequested
}

// MarkInvalid records a permanent load failure.
func (s *MediaPlaylistAndState) MarkInvalid(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = PlaylistInvalid
	s.lastErr = err
}

// NeedsReloadAt returns the time the playlist should be refetched, and
// whether a refetch is scheduled at all.
func (s *MediaPlaylistAndState) NeedsReloadAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadAt, s.state == PlaylistLoaded && !s.reloadAt.IsZero()
}

// NeedsReloadNow reports whether a scheduled refetch is due.
func (s *MediaPlaylistAndState) NeedsReloadNow(now time.Time) bool {
	at, ok := s.NeedsReloadAt()
	return ok && !now.Before(at)
}

// SetPlaylist adopts a freshly loaded playlist instance and schedules
// the next reload for live streams.
//
// An unchanged reload is still adopted, but the reload schedule tightens
// to half the target duration, and a stream that fails to update for
// three target durations is declared stalled and never polled again.
func (s *MediaPlaylistAndState) SetPlaylist(pl *manifest.MediaPlaylist, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.pl
	s.pl = pl
	s.state = PlaylistLoaded
	s.lastErr = nil

	if prev == nil {
		s.loadedAt = now
		if pl.IsLive() {
			s.reloadAt = s.calcReloadTime(now)
		} else {
			s.reloadAt = time.Time{}
		}
		return
	}

	if !pl.IsLive() {
		// The presentation is ending. One final adoption, no reload.
		s.loadedAt = now
		s.reloadAt = time.Time{}
		s.reloadCount = 0
		return
	}

	prevNext := prev.MediaSequence + int64(len(prev.Segments))
	if pl.MediaSequence+int64(len(pl.Segments)) > prevNext {
		s.loadedAt = now
		s.reloadAt = s.calcReloadTime(now)
		s.reloadCount = 0
		return
	}

	// No new content. Poll again sooner, but give up on a stream that
	// stays silent past three target durations.
	s.reloadCount++
	target := pl.TargetDuration
	if target <= 0 {
		target = pl.EffectiveTargetDuration
	}
	required := target * 3 / 2
	switch {
	case now.Before(s.loadedAt.Add(required)):
		s.reloadAt = now.Add(target / 2)
	case now.After(s.loadedAt.Add(3 * target)):
		s.log.Warn("live playlist still did not update, giving up",
			slog.String("url", s.url),
			slog.Duration("since_update", now.Sub(s.loadedAt)),
			slog.Duration("required_every", required))
		s.loadedAt = now
		s.reloadAt = time.Time{}
		s.reloadCount = 0
		s.updateState = LiveNotUpdating
	default:
		s.log.Warn(fmt.Sprintf("live playlist did not update after %.3fs but must update every %.3fs",
			now.Sub(s.loadedAt).Seconds(), required.Seconds()),
			slog.String("url", s.url))
		s.reloadAt = now.Add(target / 2)
	}
}

// MarkReloadRequested clears the reload timer while a reload is in
// flight so the same reload is not issued twice. SetPlaylist arms it
// again when the reload lands.
func (s *MediaPlaylistAndState) MarkReloadRequested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadAt = time.Time{}
}

// RescheduleReload re-arms the reload timer after a failed update of a
// still-live playlist.
func (s *MediaPlaylistAndState) RescheduleReload(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pl != nil && s.pl.IsLive() {
		s.reloadAt = at
	}
}

// MarkStopped acknowledges a reached end so it is acted on only once.
func (s *MediaPlaylistAndState) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateState == LiveReachedEnd {
		s.updateState = LiveStopped
	}
}

// calcReloadTime returns when the playlist should next be fetched after
// gaining new content. The last segment's duration is the expected
// server-side cadence; an empty playlist falls back to the target
// duration.
func (s *MediaPlaylistAndState) calcReloadTime(now time.Time) time.Time {
	d := s.pl.TargetDuration
	if n := len(s.pl.Segments); n > 0 {
		d = s.pl.Segments[n-1].Duration
	}
	if d <= 0 {
		d = s.pl.EffectiveTargetDuration
	}
	return now.Add(d)
}

// markReachedEnd flips a stalled playlist to its terminal state once
// playback has consumed every segment it will ever have.
func (s *MediaPlaylistAndState) markReachedEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateState == LiveNotUpdating {
		s.updateState = LiveReachedEnd
	}
}
