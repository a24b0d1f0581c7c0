package playlist

// Tag is an M3U8 tag name including the leading "#".
type Tag string

// Tags understood by the parser. Unknown tags are skipped without error.
const (
	TagExtM3U                Tag = "#EXTM3U"
	TagVersion               Tag = "#EXT-X-VERSION"
	TagExtInf                Tag = "#EXTINF"
	TagPlaylistType          Tag = "#EXT-X-PLAYLIST-TYPE"
	TagEndList               Tag = "#EXT-X-ENDLIST"
	TagMedia                 Tag = "#EXT-X-MEDIA"
	TagTargetDuration        Tag = "#EXT-X-TARGETDURATION"
	TagMediaSequence         Tag = "#EXT-X-MEDIA-SEQUENCE"
	TagDiscontinuitySequence Tag = "#EXT-X-DISCONTINUITY-SEQUENCE"
	TagMap                   Tag = "#EXT-X-MAP"
	TagProgramDateTime       Tag = "#EXT-X-PROGRAM-DATE-TIME"
	TagStreamInf             Tag = "#EXT-X-STREAM-INF"
	TagIFrameStreamInf       Tag = "#EXT-X-I-FRAME-STREAM-INF"
	TagDiscontinuity         Tag = "#EXT-X-DISCONTINUITY"
	TagByteRange             Tag = "#EXT-X-BYTERANGE"
	TagKey                   Tag = "#EXT-X-KEY"
	TagStart                 Tag = "#EXT-X-START"
	TagDefine                Tag = "#EXT-X-DEFINE"
	TagGap                   Tag = "#EXT-X-GAP"
	TagSessionKey            Tag = "#EXT-X-SESSION-KEY"
	TagContentSteering       Tag = "#EXT-X-CONTENT-STEERING"
	TagServerControl         Tag = "#EXT-X-SERVER-CONTROL"
	TagSessionData           Tag = "#EXT-X-SESSION-DATA"
	TagIndependentSegments   Tag = "#EXT-X-INDEPENDENT-SEGMENTS"
)

// tagScope restricts a tag to one playlist kind.
type tagScope int

const (
	scopeEither tagScope = iota
	scopeMultivariant
	scopeMedia
)

// valueKind describes what follows the tag's colon.
type valueKind int

const (
	valueNone valueKind = iota
	valueRaw
	valueAttrList
)

type tagInfo struct {
	scope      tagScope
	value      valueKind
	expectsURI bool
}

// knownTags is the dispatch table for line classification.
var knownTags = map[Tag]tagInfo{
	TagExtM3U:                {scope: scopeEither, value: valueNone},
	TagVersion:               {scope: scopeEither, value: valueRaw},
	TagExtInf:                {scope: scopeMedia, value: valueRaw, expectsURI: true},
	TagPlaylistType:          {scope: scopeMedia, value: valueRaw},
	TagEndList:               {scope: scopeMedia, value: valueNone},
	TagMedia:                 {scope: scopeMultivariant, value: valueAttrList},
	TagTargetDuration:        {scope: scopeMedia, value: valueRaw},
	TagMediaSequence:         {scope: scopeMedia, value: valueRaw},
	TagDiscontinuitySequence: {scope: scopeMedia, value: valueRaw},
	TagMap:                   {scope: scopeMedia, value: valueAttrList},
	TagProgramDateTime:       {scope: scopeMedia, value: valueRaw},
	TagStreamInf:             {scope: scopeMultivariant, value: valueAttrList, expectsURI: true},
	TagIFrameStreamInf:       {scope: scopeMultivariant, value: valueAttrList},
	TagDiscontinuity:         {scope: scopeMedia, value: valueNone},
	TagByteRange:             {scope: scopeMedia, value: valueRaw},
	TagKey:                   {scope: scopeMedia, value: valueAttrList},
	TagStart:                 {scope: scopeEither, value: valueAttrList},
	TagDefine:                {scope: scopeEither, value: valueAttrList},
	TagGap:                   {scope: scopeMedia, value: valueNone},
	TagSessionKey:            {scope: scopeMultivariant, value: valueAttrList},
	TagContentSteering:       {scope: scopeMultivariant, value: valueAttrList},
	TagServerControl:         {scope: scopeMedia, value: valueAttrList},
	TagSessionData:           {scope: scopeMultivariant, value: valueAttrList},
	TagIndependentSegments:   {scope: scopeEither, value: valueNone},
}
