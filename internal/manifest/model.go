package manifest

import (
	"github.com/jmylchreest/manifold/internal/playlist"
)

// GroupType identifies the media type of a rendition group.
type GroupType int

const (
	GroupTypeVideo GroupType = iota
	GroupTypeAudio
	GroupTypeSubtitles
	GroupTypeClosedCaptions
	numGroupTypes
)

func (t GroupType) String() string {
	switch t {
	case GroupTypeVideo:
		return "VIDEO"
	case GroupTypeAudio:
		return "AUDIO"
	case GroupTypeSubtitles:
		return "SUBTITLES"
	case GroupTypeClosedCaptions:
		return "CLOSED-CAPTIONS"
	default:
		return "UNKNOWN"
	}
}

// Rendition is one alternative track inside a rendition group. It is
// created once per multivariant parse and never mutated afterwards,
// except when pathway cloning duplicates the owning group with
// rewritten URIs.
type Rendition struct {
	// Name is the required NAME attribute, unique within the group.
	Name string `json:"name"`

	// URI is the resolved absolute media playlist URL. Empty means the
	// rendition is carried inside the variant stream itself.
	URI string `json:"uri,omitempty"`

	// Language is the normalized RFC 5646 language tag.
	Language string `json:"language,omitempty"`

	// AssocLanguage is the associated language, if declared.
	AssocLanguage string `json:"assoc_language,omitempty"`

	// StableRenditionID survives multivariant playlist reloads.
	StableRenditionID string `json:"stable_rendition_id,omitempty"`

	Default    bool `json:"default"`
	Autoselect bool `json:"autoselect"`
	Forced     bool `json:"forced"`

	// InstreamID carries the CC1..CC4 / SERVICE1..SERVICE63 identifier
	// for closed-caption renditions.
	InstreamID string `json:"instream_id,omitempty"`

	Characteristics []string `json:"characteristics,omitempty"`

	Channels   int `json:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`
	BitDepth   int `json:"bit_depth,omitempty"`

	// Codec is inferred from the variants referencing the owning group;
	// EXT-X-MEDIA itself carries no codec information.
	Codec Codec `json:"codec,omitempty"`
}

// RenditionGroup is a named collection of renditions of one type plus
// the codecs inferred for it from the referencing variant streams.
type RenditionGroup struct {
	Type GroupType `json:"type"`
	ID   string    `json:"id"`

	Renditions []Rendition `json:"renditions"`

	// Codecs is assigned during rendition-codec assignment. The first
	// variant to write wins; later mismatches only warn.
	Codecs []Codec `json:"codecs,omitempty"`

	// Referenced is set once any variant names this group.
	Referenced bool `json:"referenced"`
}

// RenditionByName returns the rendition with the given NAME, or nil.
func (g *RenditionGroup) RenditionByName(name string) *Rendition {
	for i := range g.Renditions {
		if g.Renditions[i].Name == name {
			return &g.Renditions[i]
		}
	}
	return nil
}

// StreamInf is one EXT-X-STREAM-INF variant. It is owned by exactly
// one pathway after grouping.
type StreamInf struct {
	// ID is the per-pathway identifier, assigned after pathway grouping.
	ID string `json:"id"`

	// URI is the resolved absolute media playlist URL.
	URI string `json:"uri"`

	Bandwidth        int `json:"bandwidth"`
	AverageBandwidth int `json:"average_bandwidth,omitempty"`

	// Codecs is the raw CODECS list; ParsedCodecs the classified form
	// carrying the resolution and frame rate fill-ins.
	Codecs             []string `json:"codecs,omitempty"`
	SupplementalCodecs []string `json:"supplemental_codecs,omitempty"`
	ParsedCodecs       []Codec  `json:"parsed_codecs,omitempty"`

	VideoRange string `json:"video_range,omitempty"`

	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`

	// Score is the EXT-X-STREAM-INF SCORE, or -1 when unset.
	Score float64 `json:"score"`

	PathwayID       string `json:"pathway_id,omitempty"`
	StableVariantID string `json:"stable_variant_id,omitempty"`

	VideoGroup         string `json:"video_group,omitempty"`
	AudioGroup         string `json:"audio_group,omitempty"`
	SubtitleGroup      string `json:"subtitle_group,omitempty"`
	ClosedCaptionGroup string `json:"closed_caption_group,omitempty"`

	// QualityIndex ranks the variant within its variant group by
	// ascending distinct bandwidth, 0 being the lowest.
	QualityIndex int `json:"quality_index"`

	// Index is the position within the owning pathway's variant list.
	Index int `json:"-"`

	// referencesAudioWithoutCodec marks a variant whose audio group got
	// no codec from the variant's own CODECS list. Such groups are
	// reconciled later against audio-only variants that do carry one.
	referencesAudioWithoutCodec bool
}

// EffectivePathwayID returns the pathway the variant is grouped under.
// Variants that declare no PATHWAY-ID live on the default pathway.
func (s *StreamInf) EffectivePathwayID() string {
	if s.PathwayID == "" {
		return defaultPathwayID
	}
	return s.PathwayID
}

// NumCodecsOfType counts the parsed codecs matching the given type.
func (s *StreamInf) NumCodecsOfType(t CodecType) int {
	n := 0
	for _, c := range s.ParsedCodecs {
		if c.Type == t {
			n++
		}
	}
	return n
}

// FirstCodecOfType returns the first parsed codec of the given type.
func (s *StreamInf) FirstCodecOfType(t CodecType) (Codec, bool) {
	for _, c := range s.ParsedCodecs {
		if c.Type == t {
			return c, true
		}
	}
	return Codec{}, false
}

// Associated-audio classification for the variants of one video
// variant group.
const (
	audioNone   = -1 // variant carries no audio at all
	audioInband = -2 // variant includes an audio codec of its own
)

// VariantGroup clusters variants of one pathway that share a content
// signature, i.e. encodings of the same content at different bitrates.
type VariantGroup struct {
	// Hash is the content signature the group was clustered by.
	Hash string `json:"hash"`

	// StreamInfIndices index into the owning pathway's variant list.
	StreamInfIndices []int `json:"stream_inf_indices"`

	// ParsedCodecs is the codec set shared by the group members.
	ParsedCodecs []Codec `json:"parsed_codecs,omitempty"`

	// SameAsVariantGroupIndex is >= 0 when another video variant group
	// of the same pathway references the identical media URLs, meaning
	// this group only differs in its audio or subtitle pairing.
	SameAsVariantGroupIndex int `json:"same_as_variant_group_index"`

	// AssociatedAudio holds, per member variant, either audioInband,
	// audioNone, or the index of the audio-only variant group serving
	// as that member's audio. Only populated for video variant groups.
	AssociatedAudio []int `json:"-"`
}

// StreamDetail is one quality level inside a track.
type StreamDetail struct {
	// ID is the variant's per-pathway ID, or empty when the quality
	// level comes from a rendition rather than a variant.
	ID string `json:"id,omitempty"`

	Bandwidth    int   `json:"bandwidth"`
	QualityIndex int   `json:"quality_index"`
	Codec        Codec `json:"codec"`
}

// Track is one selectable "angle" or language, with one StreamDetail
// per quality level.
type Track struct {
	// ID is "vid:<name>", "aud:<group>:<name>", "sub:<group>:<name>",
	// or the bare type prefix for variant-backed tracks.
	ID string `json:"id"`

	// Label is the rendition NAME, empty for variant-backed tracks.
	Label string `json:"label,omitempty"`

	Language string `json:"language,omitempty"`

	// Kind is "main", "alternative", "translation" or "subtitles".
	Kind string `json:"kind"`

	// IsVariant is set when the track is backed by the variant streams
	// directly instead of a rendition group.
	IsVariant bool `json:"is_variant"`

	// Rendition is the backing rendition for rendition-backed tracks.
	Rendition *Rendition `json:"-"`

	// VariantIDs lists the variants this rendition-backed track rides on.
	VariantIDs []string `json:"variant_ids,omitempty"`

	HighestBandwidth      int   `json:"highest_bandwidth"`
	HighestBandwidthCodec Codec `json:"highest_bandwidth_codec"`

	Streams []StreamDetail `json:"streams"`
}

// Representation is one quality level of an adaptation set.
type Representation struct {
	ID           string `json:"id"`
	Bandwidth    int    `json:"bandwidth"`
	QualityIndex int    `json:"quality_index"`
	Codec        Codec  `json:"codec"`
}

// AdaptationSet is the stream-selection view of a track.
type AdaptationSet struct {
	ID              string            `json:"id"`
	Codecs          string            `json:"codecs"`
	Language        string            `json:"language,omitempty"`
	Representations []*Representation `json:"representations"`
}

// Pathway is a named bucket of variants plus the variant groups and
// track metadata derived from them. Content steering switches between
// pathways; cloning deep-copies one with rewritten URLs.
type Pathway struct {
	ID string `json:"id"`

	StreamInfs []*StreamInf `json:"stream_infs"`

	VideoVariantGroups     []VariantGroup `json:"video_variant_groups,omitempty"`
	AudioOnlyVariantGroups []VariantGroup `json:"audio_only_variant_groups,omitempty"`

	VideoTracks    []Track `json:"video_tracks,omitempty"`
	AudioTracks    []Track `json:"audio_tracks,omitempty"`
	SubtitleTracks []Track `json:"subtitle_tracks,omitempty"`

	VideoAdaptationSets    []*AdaptationSet `json:"video_adaptation_sets,omitempty"`
	AudioAdaptationSets    []*AdaptationSet `json:"audio_adaptation_sets,omitempty"`
	SubtitleAdaptationSets []*AdaptationSet `json:"subtitle_adaptation_sets,omitempty"`
}

// StreamInfByID returns the variant with the given per-pathway ID.
func (p *Pathway) StreamInfByID(id string) *StreamInf {
	for _, si := range p.StreamInfs {
		if si.ID == id {
			return si
		}
	}
	return nil
}

// ContentSteering carries the EXT-X-CONTENT-STEERING parameters.
type ContentSteering struct {
	// ServerURI is resolved absolute against the playlist URL.
	ServerURI string `json:"server_uri"`

	// InitialPathwayID is the PATHWAY-ID to prefer before the first
	// steering manifest arrives.
	InitialPathwayID string `json:"initial_pathway_id,omitempty"`
}

// SessionData is one EXT-X-SESSION-DATA entry. Exactly one of Value
// and URI is set; URI-form entries are not fetched or resolved here.
type SessionData struct {
	DataID   string `json:"data_id"`
	Value    string `json:"value,omitempty"`
	URI      string `json:"uri,omitempty"`
	Language string `json:"language,omitempty"`
}

// StartTime is the EXT-X-START preferred start point, or the #t= URL
// fragment override. A negative offset is relative to the live edge.
type StartTime struct {
	Offset  float64 `json:"offset"`
	Precise bool    `json:"precise"`
	Set     bool    `json:"set"`
}

// MultivariantPlaylist is the fully built multivariant playlist.
type MultivariantPlaylist struct {
	// URL is the effective URL the playlist was fetched from.
	URL string `json:"url"`

	Version             int  `json:"version"`
	IndependentSegments bool `json:"independent_segments"`

	Start StartTime `json:"start,omitempty"`

	// Variables is the resolved substitution table; media playlist
	// builds seed their own table from it.
	Variables *playlist.Variables `json:"-"`

	// RenditionGroupsOfType holds the declared groups per media type.
	RenditionGroupsOfType [numGroupTypes][]*RenditionGroup `json:"rendition_groups"`

	Pathways []*Pathway `json:"pathways"`

	ContentSteering *ContentSteering `json:"content_steering,omitempty"`

	SessionData []SessionData `json:"session_data,omitempty"`

	// Warnings collects the non-fatal oddities found while building,
	// in the order encountered. They are also logged.
	Warnings []string `json:"warnings,omitempty"`
}

// RenditionGroupByID returns the group of the given type and GROUP-ID.
func (m *MultivariantPlaylist) RenditionGroupByID(t GroupType, id string) *RenditionGroup {
	for _, g := range m.RenditionGroupsOfType[t] {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// PathwayByID returns the pathway with the given ID, or nil.
func (m *MultivariantPlaylist) PathwayByID(id string) *Pathway {
	for _, pw := range m.Pathways {
		if pw.ID == id {
			return pw
		}
	}
	return nil
}

// HasContentSteering reports whether the playlist declares a steering
// server.
func (m *MultivariantPlaylist) HasContentSteering() bool {
	return m.ContentSteering != nil && m.ContentSteering.ServerURI != ""
}
