package timeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/manifold/internal/config"
	"github.com/jmylchreest/manifold/internal/drm"
	"github.com/jmylchreest/manifold/internal/manifest"
)

// TimeRange is a half-open [Start, End) span on the asset timeline.
// For playlists without program date time the timeline anchors at the
// zero time, matching the synthetic program dates the builder
// accumulates from zero.
type TimeRange struct {
	Start time.Time
	End   time.Time
	Valid bool
}

// Duration returns the span length, or zero for an invalid range.
func (r TimeRange) Duration() time.Duration {
	if !r.Valid {
		return 0
	}
	return r.End.Sub(r.Start)
}

// internalTimeline anchors a non-PDT live timeline on media timestamps
// reported back from decoded segments. All values are offsets in the
// media timestamp domain.
type internalTimeline struct {
	// lockInitial is true until the first decoded timestamp arrives,
	// and again after a reset, so the initial anchor re-latches.
	lockInitial bool
	needResync  bool

	base       time.Duration
	availToEnd time.Duration
	whenLoaded time.Time

	initialBase       time.Duration
	initialAvailToEnd time.Duration
	initialWhenLoaded time.Time

	// offsetBase and offsetWhenLoaded freeze the mapping from wall
	// clock to timeline end. Once computed they are never adjusted, so
	// the reported range cannot jump under the player.
	offsetValid      bool
	offsetBase       time.Duration
	offsetWhenLoaded time.Time
}

func newInternalTimeline() internalTimeline {
	return internalTimeline{lockInitial: true, needResync: true}
}

// Asset is the timeline view of one presentation. The primary media
// playlist drives its latched properties; every playlist the asset has
// seen is registered for cross-playlist segment searches.
type Asset struct {
	mu  sync.Mutex
	log *slog.Logger
	now func() time.Time

	drmCache *drm.ClientCache
	tryLater time.Duration

	latched bool

	// Latched once from the first primary playlist load.
	serverControl     manifest.ServerControl
	initialType       manifest.PlaylistType
	initialHasEndList bool
	initialFirstPDT   time.Time
	usesPDT           bool
	targetDuration    time.Duration
	baseTimeOffset    time.Duration
	preferredStart    time.Time
	hasPreferredStart bool

	// Refreshed on every primary playlist update.
	playlistType manifest.PlaylistType
	hasEndList   bool
	firstPDT     time.Time
	duration     time.Duration

	// staticTransitionAt is set once, when a live playlist gains its
	// end list or turns VOD.
	staticTransitionAt time.Time
	lastKnownRange     TimeRange

	itl internalTimeline

	playlists []*MediaPlaylistAndState

	lastErr error
}

// AssetOption configures an Asset.
type AssetOption func(*Asset)

// WithAssetClock overrides the wall clock, for tests.
func WithAssetClock(now func() time.Time) AssetOption {
	return func(a *Asset) { a.now = now }
}

// WithDRMCache attaches the client cache used to resolve segment keys.
func WithDRMCache(c *drm.ClientCache) AssetOption {
	return func(a *Asset) { a.drmCache = c }
}

// NewAsset returns an empty asset timeline.
func NewAsset(cfg config.PlaylistConfig, logger *slog.Logger, opts ...AssetOption) *Asset {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Asset{
		log:      logger,
		now:      time.Now,
		tryLater: cfg.SegmentTryLater,
		itl:      newInternalTimeline(),
	}
	if a.tryLater <= 0 {
		a.tryLater = 100 * time.Millisecond
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// LastError returns the most recent segment resolution error.
func (a *Asset) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// UpdateWithMediaPlaylist registers a loaded playlist with the asset.
// The first primary load latches the properties that must not drift as
// the live playlist rolls; later primary loads refresh the mutable ones
// and detect the transition to a static presentation.
func (a *Asset) UpdateWithMediaPlaylist(st *MediaPlaylistAndState, isPrimary bool) {
	pl := st.Playlist()
	if pl == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if isPrimary {
		if !a.latched {
			a.latchLocked(pl)
		} else {
			a.refreshLocked(pl)
		}
	}

	for i, p := range a.playlists {
		if p.URL() == st.URL() {
			a.playlists[i] = st
			return
		}
	}
	a.playlists = append(a.playlists, st)
}

func (a *Asset) latchLocked(pl *manifest.MediaPlaylist) {
	a.latched = true
	if pl.ServerControl != nil {
		a.serverControl = *pl.ServerControl
	}
	a.initialType = pl.Type
	a.playlistType = pl.Type
	a.initialHasEndList = pl.HasEndList
	a.hasEndList = pl.HasEndList
	a.usesPDT = pl.UsesProgramDateTime
	a.targetDuration = pl.TargetDuration
	a.duration = pl.TotalDuration
	if len(pl.Segments) > 0 {
		a.initialFirstPDT = pl.Segments[0].ProgramDateTime
		a.firstPDT = a.initialFirstPDT
	}
	a.baseTimeOffset = a.calcBaseTimeOffsetLocked(pl)
	if t, ok := a.calcStartTimeLocked(pl); ok {
		a.preferredStart = t
		a.hasPreferredStart = true
	}
}

func (a *Asset) refreshLocked(pl *manifest.MediaPlaylist) {
	if len(pl.Segments) > 0 {
		a.firstPDT = pl.Segments[0].ProgramDateTime
	}
	a.duration = pl.TotalDuration
	wasLive := !a.hasEndList && a.playlistType != manifest.PlaylistTypeVOD
	a.playlistType = pl.Type
	a.hasEndList = pl.HasEndList
	nowStatic := pl.HasEndList || pl.Type == manifest.PlaylistTypeVOD
	if wasLive && nowStatic && a.staticTransitionAt.IsZero() {
		a.staticTransitionAt = a.now()
		a.log.Info("live playlist transitioned to static",
			slog.String("url", pl.URL),
			slog.String("type", pl.Type.String()),
			slog.Bool("end_list", pl.HasEndList))
	}
}

// PlaylistForURL returns the registered state for a media playlist URL.
func (a *Asset) PlaylistForURL(url string) *MediaPlaylistAndState {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.playlists {
		if p.URL() == url {
			return p
		}
	}
	return nil
}

// Playlists returns every registered playlist state.
func (a *Asset) Playlists() []*MediaPlaylistAndState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*MediaPlaylistAndState, len(a.playlists))
	copy(out, a.playlists)
	return out
}

// PreferredStartTime returns the start position derived from
// EXT-X-START or a #t= URL fragment, if either was present.
func (a *Asset) PreferredStartTime() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.preferredStart, a.hasPreferredStart
}

// calcBaseTimeOffsetLocked maps the playlist's internal time axis onto
// the wall clock. Static presentations stay on their own axis. A live
// playlist with program date time is pinned so its newest segment sits
// at now; without program date time there is nothing to pin until the
// first decoded timestamp arrives.
func (a *Asset) calcBaseTimeOffsetLocked(pl *manifest.MediaPlaylist) time.Duration {
	if !pl.IsLive() || !pl.UsesProgramDateTime {
		return 0
	}
	if n := len(pl.Segments); n > 0 {
		return a.now().Sub(pl.Segments[n-1].ProgramDateTime)
	}
	if !a.initialFirstPDT.IsZero() {
		return a.now().Sub(a.initialFirstPDT)
	}
	return 0
}

// calcStartTimeLocked resolves EXT-X-START (or the #t= fragment the
// builder folded into it) to an absolute timeline position.
func (a *Asset) calcStartTimeLocked(pl *manifest.MediaPlaylist) (time.Time, bool) {
	if !pl.Start.Set || len(pl.Segments) == 0 {
		return time.Time{}, false
	}
	offset := time.Duration(pl.Start.Offset * float64(time.Second))
	first := pl.Segments[0].ProgramDateTime
	last := pl.Segments[len(pl.Segments)-1].EndTime()

	if pl.Start.Precise {
		var t time.Time
		if offset >= 0 {
			t = first.Add(offset)
		} else {
			t = last.Add(offset)
		}
		if t.Before(first) {
			t = first
		}
		if t.After(last) {
			t = last
		}
		return t.Add(a.baseTimeOffset), true
	}

	// Imprecise offsets snap to a segment boundary.
	if offset >= 0 {
		want := first.Add(offset)
		for _, seg := range pl.Segments {
			if !want.After(seg.EndTime()) {
				return seg.ProgramDateTime.Add(a.baseTimeOffset), true
			}
		}
		return last.Add(a.baseTimeOffset), true
	}
	want := last.Add(offset)
	for i := len(pl.Segments) - 1; i >= 0; i-- {
		if !pl.Segments[i].ProgramDateTime.After(want) {
			return pl.Segments[i].ProgramDateTime.Add(a.baseTimeOffset), true
		}
	}
	return first.Add(a.baseTimeOffset), true
}

// DesiredLiveLatency returns the distance from the live edge at which
// playback should run. HOLD-BACK from EXT-X-SERVER-CONTROL wins when
// declared, otherwise three target durations apply, pulled in when the
// playlist is too short to honor them.
func (a *Asset) DesiredLiveLatency() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.playlistType == manifest.PlaylistTypeVOD || a.hasEndList {
		return 0
	}
	ll := a.serverControl.HoldBack
	if ll <= 0 {
		ll = 3 * a.targetDuration
	}
	// Keep enough distance that the first segment cannot fall off the
	// timeline right away.
	if a.duration-ll < a.targetDuration*3/2 {
		ll = 2 * a.targetDuration
	}
	if ll >= a.duration {
		ll = a.duration / 2
	}
	return ll
}

// GetTimeRange returns the currently seekable span of the asset.
//
// Static presentations report a fixed span. A live presentation with
// program date time reports a window ending at now. A live presentation
// without program date time cannot report anything meaningful until the
// first decoded media timestamp anchors it; after that the window end
// advances with the wall clock from the frozen anchor.
func (a *Asset) GetTimeRange() TimeRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()

	// Static from the start.
	if a.initialType == manifest.PlaylistTypeVOD || a.initialHasEndList {
		if a.usesPDT {
			start := a.initialFirstPDT.Add(a.baseTimeOffset)
			return TimeRange{Start: start, End: start.Add(a.duration), Valid: true}
		}
		return TimeRange{Start: time.Time{}, End: time.Time{}.Add(a.duration), Valid: true}
	}

	// Live that has since become static.
	if !a.staticTransitionAt.IsZero() {
		if a.usesPDT {
			start := a.firstPDT.Add(a.baseTimeOffset)
			return TimeRange{Start: start, End: start.Add(a.duration), Valid: true}
		}
		if !a.lastKnownRange.Valid {
			a.lastKnownRange = a.refreshNonPDTRangeLocked(now)
		}
		return a.lastKnownRange
	}

	// Ongoing live.
	if a.usesPDT {
		return TimeRange{Start: now.Add(-a.duration), End: now, Valid: true}
	}
	return a.refreshNonPDTRangeLocked(now)
}

func (a *Asset) refreshNonPDTRangeLocked(now time.Time) TimeRange {
	itl := &a.itl
	if itl.needResync && !itl.lockInitial && !itl.initialWhenLoaded.IsZero() {
		itl.needResync = false
		itl.offsetValid = true
		itl.offsetBase = itl.initialBase + itl.initialAvailToEnd
		itl.offsetWhenLoaded = itl.initialWhenLoaded
	}
	if !itl.offsetValid {
		return TimeRange{Start: time.Time{}, End: time.Time{}.Add(a.duration), Valid: true}
	}
	end := time.Time{}.Add(itl.offsetBase + now.Sub(itl.offsetWhenLoaded))
	return TimeRange{Start: end.Add(-a.duration), End: end, Valid: true}
}

// ReportFirstDecodedTimestamp anchors the internal timeline on the
// first media timestamp decoded from a segment. Only segments lacking a
// program date time mapping feed the anchor.
func (a *Asset) ReportFirstDecodedTimestamp(req *SegmentRequest, pts time.Duration) {
	if req == nil {
		return
	}
	req.FirstPTS = pts
	req.FirstPTSValid = true
	if !req.NoPDTMapping {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	itl := &a.itl
	itl.base = pts
	itl.availToEnd = req.DurationDistanceToEnd
	itl.whenLoaded = req.TimeWhenLoaded
	if itl.lockInitial {
		itl.lockInitial = false
		itl.initialBase = itl.base
		itl.initialAvailToEnd = itl.availToEnd
		itl.initialWhenLoaded = itl.whenLoaded
	}
}

// ResetInternalTimeline forgets the decoded-timestamp anchor so the
// next decoded segment re-establishes it. Called after seeks that
// change the playhead discontinuously.
func (a *Asset) ResetInternalTimeline() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.itl.needResync = true
	a.itl.lockInitial = true
}
