package timeline

import (
	"time"

	"github.com/jmylchreest/manifold/internal/drm"
	"github.com/jmylchreest/manifold/internal/manifest"
	"github.com/jmylchreest/manifold/internal/playlist"
)

// SearchType selects how a time-based segment search treats the probe
// time relative to segment start times.
type SearchType int

const (
	// SearchAfter finds the first segment starting at or after the time.
	SearchAfter SearchType = iota
	// SearchStrictlyAfter finds the first segment starting after the time.
	SearchStrictlyAfter
	// SearchBefore finds the last segment starting at or before the time.
	SearchBefore
	// SearchStrictlyBefore finds the last segment starting before the time.
	SearchStrictlyBefore
	// SearchClosest finds the segment whose start time is nearest,
	// preferring the earlier one on a tie.
	SearchClosest
	// SearchSame finds the segment starting exactly at the time, or the
	// nearest one when no exact match exists.
	SearchSame
)

// SegSearchResult is the outcome of a segment search.
type SegSearchResult int

const (
	SegFound SegSearchResult = iota
	// SegNotReady means the playlist to search is still loading.
	SegNotReady
	// SegPastEndOfStream means the time lies beyond the last segment of
	// a live playlist that may still grow.
	SegPastEndOfStream
	// SegEnded means no further segment will ever exist.
	SegEnded
	// SegBeforeStart means the time lies before the first segment.
	SegBeforeStart
	// SegUnsupportedDRM means the segment exists but its key cannot be
	// used.
	SegUnsupportedDRM
	SegFailed
)

func (r SegSearchResult) String() string {
	switch r {
	case SegFound:
		return "found"
	case SegNotReady:
		return "not-ready"
	case SegPastEndOfStream:
		return "past-eos"
	case SegEnded:
		return "ended"
	case SegBeforeStart:
		return "before-start"
	case SegUnsupportedDRM:
		return "unsupported-drm"
	default:
		return "failed"
	}
}

// SegSearchParam describes one segment search. Exactly one of the three
// dimensions applies: media sequence when MediaSequence >= 0, local
// index when LocalIndex >= 0, otherwise Time with SearchType.
type SegSearchParam struct {
	Time       time.Time
	SearchType SearchType

	MediaSequence int64
	LocalIndex    int

	QualityIndex    int
	MaxQualityIndex int

	// LastPTS bounds the playback range; a segment starting at or past
	// it is past the end of stream. The zero time means unbounded.
	LastPTS time.Time
}

// SearchByTime returns a search over segment start times.
func SearchByTime(t time.Time, st SearchType) SegSearchParam {
	return SegSearchParam{Time: t, SearchType: st, MediaSequence: -1, LocalIndex: -1}
}

// SearchBySequence returns a search for an exact media sequence number.
func SearchBySequence(seq int64) SegSearchParam {
	return SegSearchParam{MediaSequence: seq, LocalIndex: -1}
}

// SearchByLocalIndex returns a search by position within the playlist
// instance.
func SearchByLocalIndex(idx int) SegSearchParam {
	return SegSearchParam{MediaSequence: -1, LocalIndex: idx}
}

// SegmentRequest is a fully resolved segment download request.
type SegmentRequest struct {
	Playlist *MediaPlaylistAndState

	URL       string
	ByteRange *manifest.ByteRange
	Init      *manifest.InitSegment

	MediaSequence         int64
	DiscontinuitySequence int64
	HasDiscontinuity      bool
	LocalIndex            int

	// Time is the segment start on the asset timeline, Duration its
	// declared length.
	Time     time.Time
	Duration time.Duration

	QualityIndex    int
	MaxQualityIndex int

	// IsFalloff marks a synthesized stand-in for a segment that already
	// fell off the front of a live playlist. It carries the first still
	// available segment's media.
	IsFalloff      bool
	IsGap          bool
	IsLastInPeriod bool

	// NoPDTMapping is set when the presentation has no program date
	// time anchor; decoded timestamps from such segments feed the
	// internal timeline.
	NoPDTMapping          bool
	DurationDistanceToEnd time.Duration
	TimeWhenLoaded        time.Time

	// MediaDRM and InitDRM carry the resolved decryption material, when
	// the segment or its init section is encrypted.
	MediaDRM *drm.Entry
	InitDRM  *drm.Entry

	// Decoded timestamp feedback. FirstPTS is reported back after the
	// segment decodes; NextExpectedPTS guards live playlists whose
	// sequence numbering cannot be trusted across reloads.
	FirstPTS        time.Duration
	FirstPTSValid   bool
	NextExpectedPTS time.Duration
	CheckPTS        bool
	PTSCheckFailed  bool
}

// CheckDecodedTimestamp validates the first decoded timestamp against
// the expected lower bound from the previous segment. A failure marks
// the request so the next search carries the old bound forward.
func (r *SegmentRequest) CheckDecodedTimestamp(pts time.Duration) bool {
	if !r.CheckPTS {
		return true
	}
	if pts <= r.NextExpectedPTS {
		r.PTSCheckFailed = true
		return false
	}
	return true
}

// FindSegment locates a segment in the given playlist. On SegFound the
// returned request is complete, including DRM material when a client
// cache is attached. On SegPastEndOfStream the returned delay advises
// when to try again.
func (a *Asset) FindSegment(st *MediaPlaylistAndState, p SegSearchParam) (*SegmentRequest, time.Duration, SegSearchResult) {
	pl := st.Playlist()
	if pl == nil {
		return nil, 0, SegNotReady
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	segs := pl.Segments
	if len(segs) == 0 {
		return nil, 0, SegEnded
	}
	searchTime := p.Time.Add(-a.baseTimeOffset)

	idx := -1
	isFalloff := false
	switch {
	case p.MediaSequence < 0 && p.LocalIndex < 0:
		var res SegSearchResult
		idx, res = searchByTime(segs, searchTime, p.SearchType)
		if res != SegFound && res != SegPastEndOfStream {
			return nil, 0, res
		}
	case p.MediaSequence >= 0:
		if segs[0].MediaSequence > p.MediaSequence {
			// The wanted segment fell off the front of the live window.
			// Hand out the oldest remaining one as a stand-in so
			// playback resumes at the live window edge.
			idx = 0
			isFalloff = true
		} else if seg := pl.SegmentBySequence(p.MediaSequence); seg != nil {
			idx = seg.LocalIndex
		}
	default:
		idx = p.LocalIndex
		if idx >= len(segs) {
			idx = len(segs) - 1
		}
	}

	if idx < 0 {
		if pl.IsLive() {
			switch st.UpdateState() {
			case LiveReachedEnd:
				return nil, 0, SegEnded
			case LiveNotUpdating:
				st.markReachedEnd()
			}
			return nil, a.tryLater, SegPastEndOfStream
		}
		return nil, 0, SegEnded
	}

	seg := segs[idx]
	segTime := seg.ProgramDateTime.Add(a.baseTimeOffset)
	if !p.LastPTS.IsZero() && !segTime.Before(p.LastPTS) {
		return nil, 0, SegPastEndOfStream
	}

	req := &SegmentRequest{
		Playlist:              st,
		URL:                   seg.URI,
		ByteRange:             seg.ByteRange,
		Init:                  seg.Init,
		MediaSequence:         seg.MediaSequence,
		DiscontinuitySequence: seg.DiscontinuitySequence,
		HasDiscontinuity:      seg.Discontinuity,
		LocalIndex:            idx,
		Time:                  segTime,
		Duration:              seg.Duration,
		QualityIndex:          p.QualityIndex,
		MaxQualityIndex:       p.MaxQualityIndex,
		IsFalloff:             isFalloff,
		IsGap:                 seg.Gap,
		IsLastInPeriod:        !pl.IsLive() && idx == len(segs)-1,
		TimeWhenLoaded:        st.TimeWhenLoaded(),
	}
	req.NoPDTMapping = !a.usesPDT && !a.initialHasEndList &&
		a.initialType != manifest.PlaylistTypeVOD
	for _, s := range segs[idx:] {
		req.DurationDistanceToEnd += s.Duration
	}
	if isFalloff {
		req.LocalIndex = 0
		req.DurationDistanceToEnd = pl.TotalDuration
	}

	if err := a.resolveDRMLocked(req, seg); err != nil {
		a.lastErr = err
		return nil, 0, SegUnsupportedDRM
	}
	return req, 0, SegFound
}

// searchByTime scans the program date time ordered segments for the
// probe time. Times are in the playlist's own domain.
func searchByTime(segs []*manifest.MediaSegment, t time.Time, st SearchType) (int, SegSearchResult) {
	switch st {
	case SearchAfter, SearchStrictlyAfter:
		for i, seg := range segs {
			if !seg.ProgramDateTime.Before(t) {
				if st == SearchStrictlyAfter && seg.ProgramDateTime.Equal(t) {
					continue
				}
				return i, SegFound
			}
		}
		return -1, SegPastEndOfStream

	case SearchBefore:
		for i, seg := range segs {
			if seg.ProgramDateTime.After(t) {
				if i > 0 {
					return i - 1, SegFound
				}
				return 0, SegFound
			}
		}
		return lastSegmentIfContains(segs, t)

	case SearchStrictlyBefore:
		for i, seg := range segs {
			if !seg.ProgramDateTime.Before(t) {
				if i == 0 {
					return -1, SegBeforeStart
				}
				return i - 1, SegFound
			}
		}
		return lastSegmentIfContains(segs, t)

	default: // SearchClosest, SearchSame
		for i, seg := range segs {
			if seg.ProgramDateTime.Before(t) {
				continue
			}
			if seg.ProgramDateTime.Equal(t) || i == 0 {
				return i, SegFound
			}
			diffBefore := t.Sub(segs[i-1].ProgramDateTime)
			diffHere := seg.ProgramDateTime.Sub(t)
			if diffBefore <= diffHere {
				return i - 1, SegFound
			}
			return i, SegFound
		}
		if st == SearchClosest {
			return lastSegmentIfContains(segs, t)
		}
		return -1, SegPastEndOfStream
	}
}

// lastSegmentIfContains resolves a probe time past every segment start
// to the last segment when the time still falls inside its duration.
func lastSegmentIfContains(segs []*manifest.MediaSegment, t time.Time) (int, SegSearchResult) {
	last := segs[len(segs)-1]
	if !t.Before(last.ProgramDateTime) && t.Before(last.EndTime()) {
		return len(segs) - 1, SegFound
	}
	return -1, SegPastEndOfStream
}

// resolveDRMLocked attaches decryption material to the request. An
// encrypted init section must carry an explicit IV; a media segment
// without one derives it from the media sequence number.
func (a *Asset) resolveDRMLocked(req *SegmentRequest, seg *manifest.MediaSegment) error {
	if a.drmCache == nil {
		return nil
	}
	if seg.Init != nil && seg.Init.Key != nil && seg.Init.Key.Method != manifest.EncryptionNone {
		if len(seg.Init.Key.IV) == 0 {
			return playlist.NewError(playlist.FacilityDRM, playlist.CodeDRMUnsupported,
				"encrypted initialization segment requires an IV")
		}
		entry, err := a.drmCache.GetClient(seg.Init.Key)
		if err != nil {
			return err
		}
		req.InitDRM = &entry
	}
	if seg.Key != nil && seg.Key.Method != manifest.EncryptionNone {
		entry, err := a.drmCache.GetClient(seg.Key)
		if err != nil {
			return err
		}
		if len(entry.IV) == 0 {
			entry.IV = drm.PaddedIV(seg.MediaSequence)
		}
		req.MediaDRM = &entry
	}
	return nil
}

// NextType selects how the search for a follow-up segment relates to
// the current one.
type NextType int

const (
	// NextTypeNext continues with the segment after the current one.
	NextTypeNext NextType = iota
	// NextTypeStartOver restarts at the current segment's time, used
	// after a quality or pathway change.
	NextTypeStartOver
	// NextTypeRetry refetches the same segment, typically from another
	// playlist.
	NextTypeRetry
)

// NextSegment resolves the follow-up to a finished segment in the given
// playlist, which may differ from the one the current segment came
// from after a quality switch or pathway change.
// The zero lastPTS means the playback range is unbounded.
func (a *Asset) NextSegment(st *MediaPlaylistAndState, current *SegmentRequest, nt NextType, lastPTS time.Time) (*SegmentRequest, time.Duration, SegSearchResult) {
	if st.State() == PlaylistRequested {
		return nil, 50 * time.Millisecond, SegNotReady
	}
	if st.State() != PlaylistLoaded {
		return nil, 0, SegFailed
	}

	p := SegSearchParam{
		MediaSequence:   -1,
		LocalIndex:      -1,
		QualityIndex:    current.QualityIndex,
		MaxQualityIndex: current.MaxQualityIndex,
		LastPTS:         lastPTS,
	}
	setNextExpected := false

	a.mu.Lock()
	samePlaylist := st == current.Playlist
	crossByTime := a.usesPDT || a.initialHasEndList || a.initialType != manifest.PlaylistTypeLive
	a.mu.Unlock()

	switch {
	case samePlaylist:
		p.MediaSequence = current.MediaSequence
		p.Time = current.Time.Add(current.Duration)
		if nt == NextTypeNext {
			p.MediaSequence++
		}
		setNextExpected = current.PTSCheckFailed

	case crossByTime:
		// Another playlist with a shared time axis. Probing three
		// quarters into the current segment tolerates small start time
		// drift between renditions.
		switch nt {
		case NextTypeNext:
			p.SearchType = SearchStrictlyAfter
			p.Time = current.Time.Add(current.Duration * 3 / 4)
		case NextTypeStartOver:
			p.SearchType = SearchBefore
			p.Time = current.Time
		default:
			p.SearchType = SearchSame
			p.Time = current.Time
		}

	default:
		// Live without any shared time axis. Positions only line up
		// approximately across playlists, so step back one to avoid
		// skipping media, and let the decoded timestamp check drop the
		// overlap.
		li := current.LocalIndex
		if li > 0 {
			li--
		}
		p.LocalIndex = li
		p.Time = current.Time.Add(current.Duration)
		setNextExpected = true
	}

	req, later, res := a.FindSegment(st, p)
	if res != SegFound {
		return req, later, res
	}
	if !req.HasDiscontinuity && setNextExpected {
		if current.PTSCheckFailed {
			req.NextExpectedPTS = current.NextExpectedPTS
		} else if current.FirstPTSValid {
			req.NextExpectedPTS = current.FirstPTS + current.Duration/2
		}
		req.CheckPTS = true
	}
	return req, later, res
}
