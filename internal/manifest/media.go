package manifest

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/urlutil"
)

// PlaylistType is the EXT-X-PLAYLIST-TYPE value, with Live meaning the
// tag was absent.
type PlaylistType int

const (
	PlaylistTypeLive PlaylistType = iota
	PlaylistTypeEvent
	PlaylistTypeVOD
)

func (t PlaylistType) String() string {
	switch t {
	case PlaylistTypeEvent:
		return "EVENT"
	case PlaylistTypeVOD:
		return "VOD"
	default:
		return "LIVE"
	}
}

// EncryptionMethod is the EXT-X-KEY METHOD value.
type EncryptionMethod string

const (
	EncryptionNone         EncryptionMethod = "NONE"
	EncryptionAES128       EncryptionMethod = "AES-128"
	EncryptionSampleAES    EncryptionMethod = "SAMPLE-AES"
	EncryptionSampleAESCTR EncryptionMethod = "SAMPLE-AES-CTR"
)

// EncryptionKey describes the key in effect for a run of segments.
type EncryptionKey struct {
	Method EncryptionMethod `json:"method"`

	// URI is the resolved absolute license or key URL.
	URI string `json:"uri,omitempty"`

	// IV is the decoded initialization vector; nil when the tag carries
	// none, in which case it derives from the media sequence number.
	IV []byte `json:"iv,omitempty"`

	KeyFormat         string `json:"key_format,omitempty"`
	KeyFormatVersions string `json:"key_format_versions,omitempty"`
}

// ByteRange is a resolved sub-range with an absolute offset.
type ByteRange struct {
	Length int64 `json:"length"`
	Offset int64 `json:"offset"`
}

// InitSegment references the media initialization section.
type InitSegment struct {
	URI       string         `json:"uri"`
	ByteRange *ByteRange     `json:"byte_range,omitempty"`
	Key       *EncryptionKey `json:"key,omitempty"`
}

// MediaSegment is one fully resolved segment. Segments are append-only
// within one playlist value; a reload produces a new MediaPlaylist and
// never mutates segments in place.
type MediaSegment struct {
	// URI is the resolved absolute segment URL.
	URI string `json:"uri"`

	Duration time.Duration `json:"duration"`
	Title    string        `json:"title,omitempty"`

	MediaSequence         int64 `json:"media_sequence"`
	DiscontinuitySequence int64 `json:"discontinuity_sequence"`

	// ProgramDateTime is the declared wall-clock time, or a synthetic
	// value accumulated from the last declared one. Synthetic values
	// anchor at the zero time when the playlist never declares any.
	ProgramDateTime time.Time `json:"program_date_time"`

	// HasRealProgramDateTime marks segments whose time came from an
	// actual EXT-X-PROGRAM-DATE-TIME tag.
	HasRealProgramDateTime bool `json:"has_real_program_date_time"`

	Discontinuity bool `json:"discontinuity"`
	Gap           bool `json:"gap"`

	ByteRange *ByteRange     `json:"byte_range,omitempty"`
	Init      *InitSegment   `json:"init,omitempty"`
	Key       *EncryptionKey `json:"key,omitempty"`

	// LocalIndex is the position within this playlist instance. It is
	// only meaningful against the instance it came from; reloads shift
	// it as segments fall off the front.
	LocalIndex int `json:"local_index"`
}

// EndTime returns the segment's program date time plus its duration.
func (s *MediaSegment) EndTime() time.Time {
	return s.ProgramDateTime.Add(s.Duration)
}

// ServerControl carries the EXT-X-SERVER-CONTROL delivery directives.
type ServerControl struct {
	CanSkipUntil      time.Duration `json:"can_skip_until,omitempty"`
	CanSkipDateRanges bool          `json:"can_skip_date_ranges"`
	HoldBack          time.Duration `json:"hold_back,omitempty"`
	PartHoldBack      time.Duration `json:"part_hold_back,omitempty"`
	CanBlockReload    bool          `json:"can_block_reload"`
}

// MediaPlaylist is one immutable loaded media playlist instance.
type MediaPlaylist struct {
	// URL is the effective URL the playlist was fetched from.
	URL string `json:"url"`

	Version             int  `json:"version"`
	IndependentSegments bool `json:"independent_segments"`

	Type       PlaylistType `json:"type"`
	HasEndList bool         `json:"has_end_list"`

	// TargetDuration is the declared value; EffectiveTargetDuration is
	// raised to the longest actual segment when the playlist violates
	// its own declaration.
	TargetDuration          time.Duration `json:"target_duration"`
	EffectiveTargetDuration time.Duration `json:"effective_target_duration"`

	MediaSequence         int64 `json:"media_sequence"`
	DiscontinuitySequence int64 `json:"discontinuity_sequence"`

	ServerControl *ServerControl `json:"server_control,omitempty"`
	Start         StartTime      `json:"start,omitempty"`

	Segments []*MediaSegment `json:"segments"`

	// UsesProgramDateTime is set when at least one segment carries a
	// declared wall-clock time.
	UsesProgramDateTime bool `json:"uses_program_date_time"`

	TotalDuration time.Duration `json:"total_duration"`

	Variables *playlist.Variables `json:"-"`

	Warnings []string `json:"warnings,omitempty"`
}

// IsLive reports whether the playlist is still expected to grow.
func (m *MediaPlaylist) IsLive() bool {
	return !m.HasEndList && m.Type != PlaylistTypeVOD
}

// LastMediaSequence returns the media sequence of the final segment,
// or MediaSequence-1 for an empty playlist.
func (m *MediaPlaylist) LastMediaSequence() int64 {
	if len(m.Segments) == 0 {
		return m.MediaSequence - 1
	}
	return m.Segments[len(m.Segments)-1].MediaSequence
}

// SegmentBySequence returns the segment with the given media sequence
// number, or nil.
func (m *MediaPlaylist) SegmentBySequence(seq int64) *MediaSegment {
	idx := seq - m.MediaSequence
	if idx < 0 || idx >= int64(len(m.Segments)) {
		return nil
	}
	return m.Segments[idx]
}

type mediaBuilder struct {
	log *slog.Logger
	pl  *playlist.Playlist
	mp  *MediaPlaylist
}

// BuildMedia turns a parsed media playlist into the segment model. The
// parent multivariant playlist's variable table seeds this playlist's
// own table so EXT-X-DEFINE:IMPORT resolves.
func BuildMedia(pl *playlist.Playlist, parentVars *playlist.Variables, logger *slog.Logger) (*MediaPlaylist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pl.Kind != playlist.KindMedia {
		return nil, playlist.NewError(playlist.FacilityBuilder, playlist.CodeBadValue,
			"not a media playlist")
	}

	b := &mediaBuilder{
		log: logger,
		pl:  pl,
		mp:  &MediaPlaylist{URL: pl.EffectiveURL},
	}

	vars, err := pl.ResolveVariables(parentVars)
	if err != nil {
		return nil, err
	}
	b.mp.Variables = vars

	if err := b.parseHeader(); err != nil {
		return nil, err
	}
	if err := b.buildSegments(); err != nil {
		return nil, err
	}
	return b.mp, nil
}

func (b *mediaBuilder) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	b.mp.Warnings = append(b.mp.Warnings, msg)
	b.log.Warn(msg, slog.String("playlist", b.mp.URL))
}

func (b *mediaBuilder) parseHeader() error {
	if e := b.pl.FirstElement(playlist.TagVersion); e != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(e.Value.Value)); err == nil {
			b.mp.Version = v
		}
	}
	b.mp.IndependentSegments = b.pl.FirstElement(playlist.TagIndependentSegments) != nil

	e := b.pl.FirstElement(playlist.TagTargetDuration)
	if e == nil {
		return playlist.NewError(playlist.FacilityBuilder, playlist.CodeMissingAttr,
			"media playlist has no EXT-X-TARGETDURATION")
	}
	td, err := parseDigits(strings.TrimSpace(e.Value.Value))
	if err != nil || td <= 0 {
		return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
			"invalid EXT-X-TARGETDURATION %q", e.Value.Value)
	}
	b.mp.TargetDuration = time.Duration(td) * time.Second
	b.mp.EffectiveTargetDuration = b.mp.TargetDuration

	if e := b.pl.FirstElement(playlist.TagMediaSequence); e != nil {
		n, err := strconv.ParseInt(strings.TrimSpace(e.Value.Value), 10, 64)
		if err != nil {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid EXT-X-MEDIA-SEQUENCE %q", e.Value.Value)
		}
		b.mp.MediaSequence = n
	}
	if e := b.pl.FirstElement(playlist.TagDiscontinuitySequence); e != nil {
		n, err := strconv.ParseInt(strings.TrimSpace(e.Value.Value), 10, 64)
		if err != nil {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid EXT-X-DISCONTINUITY-SEQUENCE %q", e.Value.Value)
		}
		b.mp.DiscontinuitySequence = n
	}

	if e := b.pl.FirstElement(playlist.TagPlaylistType); e != nil {
		switch strings.TrimSpace(e.Value.Value) {
		case "VOD":
			b.mp.Type = PlaylistTypeVOD
		case "EVENT":
			b.mp.Type = PlaylistTypeEvent
		default:
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"unknown EXT-X-PLAYLIST-TYPE %q", e.Value.Value)
		}
	}
	b.mp.HasEndList = b.pl.FirstElement(playlist.TagEndList) != nil

	if e := b.pl.FirstElement(playlist.TagServerControl); e != nil {
		sc := &ServerControl{
			CanSkipDateRanges: e.AttrBool("CAN-SKIP-DATERANGES"),
			CanBlockReload:    e.AttrBool("CAN-BLOCK-RELOAD"),
		}
		if v, ok := e.AttrFloat("CAN-SKIP-UNTIL"); ok {
			sc.CanSkipUntil = secondsToDuration(v)
		}
		if v, ok := e.AttrFloat("HOLD-BACK"); ok {
			sc.HoldBack = secondsToDuration(v)
		}
		if v, ok := e.AttrFloat("PART-HOLD-BACK"); ok {
			sc.PartHoldBack = secondsToDuration(v)
		}
		b.mp.ServerControl = sc
	}

	if e := b.pl.FirstElement(playlist.TagStart); e != nil {
		off, ok := e.AttrFloat("TIME-OFFSET")
		if !ok {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-START requires TIME-OFFSET")
		}
		b.mp.Start = StartTime{Offset: off, Precise: e.AttrBool("PRECISE"), Set: true}
	}
	if _, frag := urlutil.StripFragment(b.pl.EffectiveURL); frag != "" {
		if t, ok := urlutil.ParseTimeFragment(frag); ok {
			b.mp.Start = StartTime{Offset: t, Precise: true, Set: true}
		}
	}
	return nil
}

func (b *mediaBuilder) buildSegments() error {
	var (
		currentKey    *EncryptionKey
		currentInit   *InitSegment
		pendingRange  *ByteRange
		pendingPDT    time.Time
		hasPendingPDT bool
		discontinuity bool
		gap           bool

		nextPDT      time.Time
		mediaSeq     = b.mp.MediaSequence
		discoSeq     = b.mp.DiscontinuitySequence
		lastRangeEnd int64
	)

	for _, e := range b.pl.Elements {
		switch e.Tag {
		case playlist.TagKey:
			key, err := b.parseKey(e)
			if err != nil {
				return err
			}
			currentKey = key

		case playlist.TagMap:
			uri, ok := e.AttrValue("URI")
			if !ok || uri == "" {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
					"EXT-X-MAP requires URI")
			}
			resolved, err := urlutil.Resolve(b.pl.EffectiveURL, uri)
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid EXT-X-MAP URI %q: %v", uri, err)
			}
			init := &InitSegment{URI: resolved, Key: currentKey}
			if br, ok := e.AttrValue("BYTERANGE"); ok {
				r, err := parseByteRange(br, 0)
				if err != nil {
					return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
						"invalid EXT-X-MAP BYTERANGE %q: %v", br, err)
				}
				init.ByteRange = r
			}
			currentInit = init

		case playlist.TagByteRange:
			r, err := parseByteRange(strings.TrimSpace(e.Value.Value), lastRangeEnd)
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid EXT-X-BYTERANGE %q: %v", e.Value.Value, err)
			}
			pendingRange = r

		case playlist.TagProgramDateTime:
			t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(e.Value.Value))
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid EXT-X-PROGRAM-DATE-TIME %q", e.Value.Value)
			}
			pendingPDT = t
			hasPendingPDT = true

		case playlist.TagDiscontinuity:
			discontinuity = true

		case playlist.TagGap:
			gap = true

		case playlist.TagExtInf:
			seg, err := b.parseSegment(e)
			if err != nil {
				return err
			}
			if discontinuity {
				discoSeq++
			}
			seg.Discontinuity = discontinuity
			seg.Gap = gap
			seg.Key = currentKey
			seg.Init = currentInit
			seg.ByteRange = pendingRange
			seg.MediaSequence = mediaSeq
			seg.DiscontinuitySequence = discoSeq
			seg.LocalIndex = len(b.mp.Segments)

			if hasPendingPDT {
				seg.ProgramDateTime = pendingPDT
				seg.HasRealProgramDateTime = true
				b.mp.UsesProgramDateTime = true
			} else {
				seg.ProgramDateTime = nextPDT
			}
			nextPDT = seg.EndTime()

			if seg.Duration > b.mp.EffectiveTargetDuration {
				b.warnf("segment duration %.3fs exceeds the declared target duration of %s, raising it",
					seg.Duration.Seconds(), b.mp.TargetDuration)
				b.mp.EffectiveTargetDuration = seg.Duration
			}
			b.mp.TotalDuration += seg.Duration
			b.mp.Segments = append(b.mp.Segments, seg)

			if pendingRange != nil {
				lastRangeEnd = pendingRange.Offset + pendingRange.Length
			}
			pendingRange = nil
			hasPendingPDT = false
			discontinuity = false
			gap = false
			mediaSeq++
		}
	}
	return nil
}

func (b *mediaBuilder) parseSegment(e *playlist.ParsedElement) (*MediaSegment, error) {
	if !e.HasURI {
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
			"segment has no URI")
	}
	durStr, title, _ := strings.Cut(e.Value.Value, ",")
	dur, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
	if err != nil || dur < 0 {
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
			"invalid EXTINF duration %q", durStr)
	}
	resolved, err := urlutil.Resolve(b.pl.EffectiveURL, e.URI.Value)
	if err != nil {
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
			"invalid segment URI %q: %v", e.URI.Value, err)
	}
	return &MediaSegment{
		URI:      resolved,
		Duration: secondsToDuration(dur),
		Title:    strings.TrimSpace(title),
	}, nil
}

func (b *mediaBuilder) parseKey(e *playlist.ParsedElement) (*EncryptionKey, error) {
	method, ok := e.AttrValue("METHOD")
	if !ok {
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
			"EXT-X-KEY requires METHOD")
	}
	switch EncryptionMethod(method) {
	case EncryptionNone:
		return nil, nil
	case EncryptionAES128, EncryptionSampleAES, EncryptionSampleAESCTR:
	default:
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
			"unknown EXT-X-KEY METHOD %q", method)
	}

	uri, ok := e.AttrValue("URI")
	if !ok || uri == "" {
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
			"EXT-X-KEY with METHOD %s requires URI", method)
	}
	resolved, err := urlutil.Resolve(b.pl.EffectiveURL, uri)
	if err != nil {
		return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
			"invalid key URI %q: %v", uri, err)
	}

	key := &EncryptionKey{
		Method:            EncryptionMethod(method),
		URI:               resolved,
		KeyFormat:         e.AttrOr("KEYFORMAT", "identity"),
		KeyFormatVersions: e.AttrOr("KEYFORMATVERSIONS", ""),
	}
	if iv, ok := e.AttrValue("IV"); ok {
		hexStr := strings.TrimPrefix(strings.TrimPrefix(iv, "0x"), "0X")
		raw, err := hex.DecodeString(hexStr)
		if err != nil || len(raw) != 16 {
			return nil, playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid EXT-X-KEY IV %q", iv)
		}
		key.IV = raw
	}
	return key, nil
}

// parseByteRange parses "length[@offset]". A missing offset continues
// at the end of the previous range.
func parseByteRange(s string, prevEnd int64) (*ByteRange, error) {
	lenStr, offStr, hasOffset := strings.Cut(s, "@")
	length, err := strconv.ParseInt(lenStr, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid length %q", lenStr)
	}
	offset := prevEnd
	if hasOffset {
		offset, err = strconv.ParseInt(offStr, 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid offset %q", offStr)
		}
	}
	return &ByteRange{Length: length, Offset: offset}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
