package manifest

import (
	"strconv"
	"strings"
)

// CodecType classifies an RFC 6381 codec specifier by media type.
type CodecType int

const (
	CodecTypeUnknown CodecType = iota
	CodecTypeVideo
	CodecTypeAudio
	CodecTypeSubtitle
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeVideo:
		return "video"
	case CodecTypeAudio:
		return "audio"
	case CodecTypeSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Codec is a parsed RFC 6381 codec specifier plus the stream properties
// that get attached to it from the surrounding variant attributes.
type Codec struct {
	// RFC6381 is the full specifier as it appeared, e.g. "avc1.640028".
	RFC6381 string `json:"rfc6381"`

	// Type is the media type derived from the specifier prefix.
	Type CodecType `json:"type"`

	// Width and Height are filled in from the variant's RESOLUTION.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// FrameRate is filled in from the variant's FRAME-RATE.
	FrameRate float64 `json:"frame_rate,omitempty"`

	// Channels and SampleRate are filled in from the rendition's
	// CHANNELS and SAMPLE-RATE attributes.
	Channels   int `json:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`
}

// Base returns the specifier prefix before the first dot, e.g. "avc1".
func (c Codec) Base() string {
	if i := strings.IndexByte(c.RFC6381, '.'); i >= 0 {
		return c.RFC6381[:i]
	}
	return c.RFC6381
}

// IsVideo reports whether the codec describes a video stream.
func (c Codec) IsVideo() bool { return c.Type == CodecTypeVideo }

// IsAudio reports whether the codec describes an audio stream.
func (c Codec) IsAudio() bool { return c.Type == CodecTypeAudio }

// IsSubtitle reports whether the codec describes a subtitle stream.
func (c Codec) IsSubtitle() bool { return c.Type == CodecTypeSubtitle }

var codecPrefixTypes = map[string]CodecType{
	"avc1": CodecTypeVideo,
	"avc3": CodecTypeVideo,
	"hvc1": CodecTypeVideo,
	"hev1": CodecTypeVideo,
	"dvh1": CodecTypeVideo,
	"dvhe": CodecTypeVideo,
	"vp08": CodecTypeVideo,
	"vp09": CodecTypeVideo,
	"av01": CodecTypeVideo,
	"mp4v": CodecTypeVideo,

	"mp4a": CodecTypeAudio,
	"ac-3": CodecTypeAudio,
	"ec-3": CodecTypeAudio,
	"ac-4": CodecTypeAudio,
	"opus": CodecTypeAudio,
	"flac": CodecTypeAudio,
	"alac": CodecTypeAudio,
	"mhm1": CodecTypeAudio,
	"mhm2": CodecTypeAudio,

	"wvtt": CodecTypeSubtitle,
	"stpp": CodecTypeSubtitle,
}

// ParseCodec classifies a single RFC 6381 specifier. Unknown prefixes
// yield CodecTypeUnknown rather than an error; the caller decides how
// tolerant to be.
func ParseCodec(spec string) Codec {
	c := Codec{RFC6381: strings.TrimSpace(spec)}
	c.Type = codecPrefixTypes[strings.ToLower(c.Base())]
	return c
}

// ParseCodecList classifies every specifier in a pre-split codec list.
func ParseCodecList(specs []string) []Codec {
	out := make([]Codec, 0, len(specs))
	for _, s := range specs {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, ParseCodec(s))
		}
	}
	return out
}

// formatFrameRate renders a frame rate the way it participates in
// content hashes, trimming a trailing ".000" style mantissa.
func formatFrameRate(fr float64) string {
	return strconv.FormatFloat(fr, 'f', -1, 64)
}
