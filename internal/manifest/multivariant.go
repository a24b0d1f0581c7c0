package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/urlutil"
)

// Bandwidth values assumed for streams that carry none of their own.
const (
	assumedAudioBandwidth    = 128000
	assumedSubtitleBandwidth = 8000
)

// Codecs assumed when a variant omits CODECS entirely. Historically the
// only codecs in broad HLS use, so the guess tends to hold.
const (
	defaultVideoCodec    = "avc1.640028"
	defaultAudioCodec    = "mp4a.40.2"
	defaultSubtitleCodec = "wvtt"
)

// defaultPathwayID buckets variants that declare no PATHWAY-ID.
const defaultPathwayID = "."

// commonHeights is the canonical 16:9 ladder used to synthesize a
// RESOLUTION for video variants that omit it, indexed by descending
// bandwidth rank and clamped to the last entry.
var commonHeights = []int{1080, 960, 720, 648, 540, 480, 360, 270}

type multivariantBuilder struct {
	log  *slog.Logger
	pl   *playlist.Playlist
	mvp  *MultivariantPlaylist
	infs []*StreamInf
}

// BuildMultivariant turns a parsed multivariant playlist into the full
// pathway/rendition-group/track model, filling in the information the
// playlist is allowed to omit. Any structural violation aborts the
// build; no partial playlist is ever returned.
func BuildMultivariant(pl *playlist.Playlist, logger *slog.Logger) (*MultivariantPlaylist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pl.Kind != playlist.KindMultivariant {
		return nil, playlist.NewError(playlist.FacilityBuilder, playlist.CodeBadValue,
			"not a multivariant playlist")
	}

	b := &multivariantBuilder{
		log: logger,
		pl:  pl,
		mvp: &MultivariantPlaylist{URL: pl.EffectiveURL},
	}

	vars, err := pl.ResolveVariables(nil)
	if err != nil {
		return nil, err
	}
	b.mvp.Variables = vars

	if err := b.parseHeader(); err != nil {
		return nil, err
	}
	if err := b.buildRenditionGroups(); err != nil {
		return nil, err
	}
	if err := b.buildStreamInfs(); err != nil {
		return nil, err
	}

	b.detectFallbackCDNs()
	b.fillMissingCodecs()
	b.fillMissingResolution()
	b.assignResolutionToCodecs()
	b.assignCodecsToRenditions()
	b.checkScores()

	b.groupByPathways()
	for _, pw := range b.mvp.Pathways {
		b.buildVariantGroups(pw)
		if err := b.associateAudio(pw); err != nil {
			return nil, err
		}
		if err := b.buildTracks(pw); err != nil {
			return nil, err
		}
	}
	return b.mvp, nil
}

func (b *multivariantBuilder) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	b.mvp.Warnings = append(b.mvp.Warnings, msg)
	b.log.Warn(msg, slog.String("playlist", b.mvp.URL))
}

func (b *multivariantBuilder) parseHeader() error {
	if e := b.pl.FirstElement(playlist.TagVersion); e != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(e.Value.Value)); err == nil {
			b.mvp.Version = v
		}
	}
	b.mvp.IndependentSegments = b.pl.FirstElement(playlist.TagIndependentSegments) != nil

	if e := b.pl.FirstElement(playlist.TagStart); e != nil {
		off, ok := e.AttrFloat("TIME-OFFSET")
		if !ok {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-START requires TIME-OFFSET")
		}
		b.mvp.Start = StartTime{Offset: off, Precise: e.AttrBool("PRECISE"), Set: true}
	}
	// A #t= URL fragment overrides the playlist's own start point.
	if _, frag := urlutil.StripFragment(b.pl.EffectiveURL); frag != "" {
		if t, ok := urlutil.ParseTimeFragment(frag); ok {
			b.mvp.Start = StartTime{Offset: t, Precise: true, Set: true}
		}
	}

	for _, e := range b.pl.ElementsByTag(playlist.TagSessionData) {
		dataID, ok := e.AttrValue("DATA-ID")
		if !ok || dataID == "" {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-SESSION-DATA requires DATA-ID")
		}
		value, hasValue := e.AttrValue("VALUE")
		uri, hasURI := e.AttrValue("URI")
		if hasValue == hasURI {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"EXT-X-SESSION-DATA requires exactly one of VALUE and URI")
		}
		b.mvp.SessionData = append(b.mvp.SessionData, SessionData{
			DataID:   dataID,
			Value:    value,
			URI:      uri,
			Language: e.AttrOr("LANGUAGE", ""),
		})
	}

	if e := b.pl.FirstElement(playlist.TagContentSteering); e != nil {
		serverURI, ok := e.AttrValue("SERVER-URI")
		if !ok || serverURI == "" {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-CONTENT-STEERING requires SERVER-URI")
		}
		resolved, err := urlutil.Resolve(b.pl.EffectiveURL, serverURI)
		if err != nil {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid SERVER-URI %q: %v", serverURI, err)
		}
		b.mvp.ContentSteering = &ContentSteering{
			ServerURI:        resolved,
			InitialPathwayID: e.AttrOr("PATHWAY-ID", ""),
		}
	}
	return nil
}

func groupTypeFromString(s string) (GroupType, bool) {
	switch s {
	case "VIDEO":
		return GroupTypeVideo, true
	case "AUDIO":
		return GroupTypeAudio, true
	case "SUBTITLES":
		return GroupTypeSubtitles, true
	case "CLOSED-CAPTIONS":
		return GroupTypeClosedCaptions, true
	default:
		return 0, false
	}
}

func (b *multivariantBuilder) buildRenditionGroups() error {
	for _, e := range b.pl.ElementsByTag(playlist.TagMedia) {
		typeStr, ok := e.AttrValue("TYPE")
		if !ok {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-MEDIA requires TYPE")
		}
		gt, ok := groupTypeFromString(typeStr)
		if !ok {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"unknown EXT-X-MEDIA TYPE %q", typeStr)
		}
		groupID, ok := e.AttrValue("GROUP-ID")
		if !ok || groupID == "" {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-MEDIA requires GROUP-ID")
		}
		name, ok := e.AttrValue("NAME")
		if !ok || name == "" {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-MEDIA requires NAME")
		}

		r := Rendition{
			Name:              name,
			Language:          normalizeLanguage(e.AttrOr("LANGUAGE", "")),
			AssocLanguage:     e.AttrOr("ASSOC-LANGUAGE", ""),
			StableRenditionID: e.AttrOr("STABLE-RENDITION-ID", ""),
			Default:           e.AttrBool("DEFAULT"),
			Autoselect:        e.AttrBool("AUTOSELECT"),
			Forced:            e.AttrBool("FORCED"),
		}
		if r.StableRenditionID != "" && !isValidStableID(r.StableRenditionID) {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid STABLE-RENDITION-ID %q", r.StableRenditionID)
		}

		if uri, ok := e.AttrValue("URI"); ok && uri != "" {
			resolved, err := urlutil.Resolve(b.pl.EffectiveURL, uri)
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid rendition URI %q: %v", uri, err)
			}
			r.URI = resolved
		}

		if gt == GroupTypeClosedCaptions {
			id, ok := e.AttrValue("INSTREAM-ID")
			if !ok || !isValidInstreamID(id) {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"closed-caption rendition %q has a missing or invalid INSTREAM-ID", name)
			}
			r.InstreamID = id
		}

		if ch, ok := e.AttrValue("CHANNELS"); ok {
			// Only the leading channel count matters; the remaining
			// slash-separated parameters are coding specific.
			count, _, _ := strings.Cut(ch, "/")
			n, err := strconv.Atoi(count)
			if err != nil || n < 1 || n > 32 {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid CHANNELS %q", ch)
			}
			r.Channels = n
		}
		if sr, ok := e.AttrValue("SAMPLE-RATE"); ok {
			n, err := parseDigits(sr)
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid SAMPLE-RATE %q", sr)
			}
			r.SampleRate = n
		}
		if bd, ok := e.AttrValue("BIT-DEPTH"); ok {
			n, err := parseDigits(bd)
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid BIT-DEPTH %q", bd)
			}
			r.BitDepth = n
		}
		if cs, ok := e.AttrValue("CHARACTERISTICS"); ok {
			for _, c := range strings.Split(cs, ",") {
				if c = strings.TrimSpace(c); c != "" {
					r.Characteristics = append(r.Characteristics, c)
				}
			}
		}

		g := b.mvp.RenditionGroupByID(gt, groupID)
		if g == nil {
			g = &RenditionGroup{Type: gt, ID: groupID}
			b.mvp.RenditionGroupsOfType[gt] = append(b.mvp.RenditionGroupsOfType[gt], g)
		}
		if g.RenditionByName(name) != nil {
			b.warnf("rendition %q appears more than once in %s group %q, ignoring the duplicate", name, gt, groupID)
			continue
		}
		g.Renditions = append(g.Renditions, r)
	}
	return nil
}

func (b *multivariantBuilder) buildStreamInfs() error {
	for _, e := range b.pl.ElementsByTag(playlist.TagStreamInf) {
		si := &StreamInf{Score: -1}

		bw, ok := e.AttrValue("BANDWIDTH")
		if !ok {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"EXT-X-STREAM-INF requires BANDWIDTH")
		}
		n, err := parseDigits(bw)
		if err != nil || n <= 0 {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid BANDWIDTH %q", bw)
		}
		si.Bandwidth = n
		if avg, ok := e.AttrInt("AVERAGE-BANDWIDTH"); ok {
			si.AverageBandwidth = int(avg)
		}

		if codecs, ok := e.AttrValue("CODECS"); ok {
			for _, c := range strings.Split(codecs, ",") {
				if c = strings.TrimSpace(c); c != "" {
					si.Codecs = append(si.Codecs, c)
				}
			}
			si.ParsedCodecs = ParseCodecList(si.Codecs)
		}
		if supp, ok := e.AttrValue("SUPPLEMENTAL-CODECS"); ok {
			for _, c := range strings.Split(supp, ",") {
				if c = strings.TrimSpace(c); c != "" {
					si.SupplementalCodecs = append(si.SupplementalCodecs, c)
				}
			}
		}

		if res, ok := e.AttrValue("RESOLUTION"); ok {
			w, h, err := parseResolution(res)
			if err != nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid RESOLUTION %q", res)
			}
			si.Width, si.Height = w, h
		}
		if fr, ok := e.AttrFloat("FRAME-RATE"); ok {
			if fr <= 0 {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"FRAME-RATE must be positive")
			}
			si.FrameRate = fr
		}
		if score, ok := e.AttrFloat("SCORE"); ok && score >= 0 {
			si.Score = score
		}
		si.VideoRange = e.AttrOr("VIDEO-RANGE", "")

		if pw, ok := e.AttrValue("PATHWAY-ID"); ok {
			if !isValidPathwayID(pw) {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid PATHWAY-ID %q", pw)
			}
			si.PathwayID = pw
		}
		if sid, ok := e.AttrValue("STABLE-VARIANT-ID"); ok {
			if !isValidStableID(sid) {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
					"invalid STABLE-VARIANT-ID %q", sid)
			}
			si.StableVariantID = sid
		}

		groupRefs := []struct {
			attr string
			typ  GroupType
			dst  *string
		}{
			{"VIDEO", GroupTypeVideo, &si.VideoGroup},
			{"AUDIO", GroupTypeAudio, &si.AudioGroup},
			{"SUBTITLES", GroupTypeSubtitles, &si.SubtitleGroup},
		}
		for _, ref := range groupRefs {
			name, ok := e.AttrValue(ref.attr)
			if !ok || name == "" {
				continue
			}
			g := b.mvp.RenditionGroupByID(ref.typ, name)
			if g == nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeUnknownGroup, e.Line,
					"variant stream references undeclared %s group %q", ref.typ, name)
			}
			g.Referenced = true
			*ref.dst = name
		}
		// A bare CLOSED-CAPTIONS=NONE is not a group reference.
		if a := e.Attr("CLOSED-CAPTIONS"); a != nil && a.Quoted {
			g := b.mvp.RenditionGroupByID(GroupTypeClosedCaptions, a.Value)
			if g == nil {
				return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeUnknownGroup, e.Line,
					"variant stream references undeclared CLOSED-CAPTIONS group %q", a.Value)
			}
			g.Referenced = true
			si.ClosedCaptionGroup = a.Value
		}

		if !e.HasURI {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeMissingAttr, e.Line,
				"variant stream has no URI")
		}
		resolved, err := urlutil.Resolve(b.pl.EffectiveURL, e.URI.Value)
		if err != nil {
			return playlist.NewErrorAt(playlist.FacilityBuilder, playlist.CodeBadValue, e.Line,
				"invalid variant URI %q: %v", e.URI.Value, err)
		}
		si.URI = resolved

		b.infs = append(b.infs, si)
	}

	if len(b.infs) == 0 {
		return playlist.NewError(playlist.FacilityBuilder, playlist.CodeBadValue,
			"multivariant playlist declares no variant streams")
	}
	return nil
}

// contentHash produces the signature used to detect variants that are
// the same content behind different URLs. Rendition group references
// are deliberately excluded: fallback copies of one variant may pair
// with different groups.
func (b *multivariantBuilder) contentHash(si *StreamInf) string {
	sorted := append([]string(nil), si.Codecs...)
	sort.Strings(sorted)
	fields := append(sorted,
		si.PathwayID,
		formatFrameRate(si.FrameRate),
		strconv.Itoa(si.Bandwidth),
		strconv.Itoa(si.Width),
		strconv.Itoa(si.Height),
	)
	return hashFields(fields...)
}

// detectFallbackCDNs clusters variants by content hash. Identical
// variants on different URLs are assumed to be CDN fallbacks and get a
// synthetic bracketed PATHWAY-ID; identical variants on the same URL
// with the same group references are plain duplicates and are dropped.
func (b *multivariantBuilder) detectFallbackCDNs() {
	byHash := make(map[string][]int)
	var order []string
	for i, si := range b.infs {
		h := b.contentHash(si)
		if _, seen := byHash[h]; !seen {
			order = append(order, h)
		}
		byHash[h] = append(byHash[h], i)
	}
	if len(byHash) == len(b.infs) {
		return
	}

	counts := make(map[int]bool)
	for _, members := range byHash {
		counts[len(members)] = true
	}
	if len(counts) > 1 {
		b.warnf("some variant streams appear to have CDN fallbacks, but not all of them")
	}
	if b.mvp.HasContentSteering() {
		b.warnf("assigning generated PATHWAY-ID to like variants in a playlist that uses content steering, this may have undesirable effects")
	}

	removed := make(map[int]bool)
	for _, h := range order {
		members := byHash[h]
		dup := make(map[int]bool)
		for i := 1; i < len(members); i++ {
			prev, cur := b.infs[members[i-1]], b.infs[members[i]]
			if cur.URI == prev.URI &&
				cur.VideoGroup == prev.VideoGroup &&
				cur.AudioGroup == prev.AudioGroup &&
				cur.SubtitleGroup == prev.SubtitleGroup {
				dup[i] = true
				removed[members[i]] = true
			}
		}
		// Brackets are invalid PATHWAY-ID characters, marking the id as
		// generated rather than declared.
		cdn := 0
		for i, idx := range members {
			if dup[i] {
				continue
			}
			cdn++
			b.infs[idx].PathwayID = fmt.Sprintf("[CDN-%02d]", cdn)
		}
	}
	if len(removed) > 0 {
		kept := b.infs[:0]
		for i, si := range b.infs {
			if !removed[i] {
				kept = append(kept, si)
			}
		}
		b.infs = kept
	}
}

func (b *multivariantBuilder) fillMissingCodecs() {
	missing := 0
	for _, si := range b.infs {
		if len(si.Codecs) == 0 {
			si.Codecs = []string{defaultVideoCodec, defaultAudioCodec}
			si.ParsedCodecs = ParseCodecList(si.Codecs)
			missing++
		}
	}
	if missing > 0 {
		b.warnf("%d variant stream(s) declare no CODECS, assuming H.264 and AAC-LC", missing)
	}
}

func (b *multivariantBuilder) fillMissingResolution() {
	var bandwidths []int
	seen := make(map[int]bool)
	for _, si := range b.infs {
		if si.NumCodecsOfType(CodecTypeVideo) > 0 && si.Height == 0 && !seen[si.Bandwidth] {
			seen[si.Bandwidth] = true
			bandwidths = append(bandwidths, si.Bandwidth)
		}
	}
	if len(bandwidths) == 0 {
		return
	}
	sort.Sort(sort.Reverse(sort.IntSlice(bandwidths)))

	heightFor := make(map[int]int, len(bandwidths))
	for rank, bw := range bandwidths {
		if rank >= len(commonHeights) {
			rank = len(commonHeights) - 1
		}
		heightFor[bw] = commonHeights[rank]
	}
	for _, si := range b.infs {
		if si.NumCodecsOfType(CodecTypeVideo) > 0 && si.Height == 0 {
			si.Height = heightFor[si.Bandwidth]
			si.Width = align2(si.Height * 16 / 9)
		}
	}
}

func (b *multivariantBuilder) assignResolutionToCodecs() {
	for _, si := range b.infs {
		if si.NumCodecsOfType(CodecTypeVideo) == 0 {
			continue
		}
		for i := range si.ParsedCodecs {
			if si.ParsedCodecs[i].IsVideo() {
				si.ParsedCodecs[i].Width = si.Width
				si.ParsedCodecs[i].Height = si.Height
				si.ParsedCodecs[i].FrameRate = si.FrameRate
			}
		}
	}
}

// assignCodecsToRenditions projects each variant's codec list onto the
// rendition groups it references. EXT-X-MEDIA has no CODECS attribute,
// so the variants are the only codec source for renditions. The first
// variant to write a group's codecs wins; later mismatches only warn.
func (b *multivariantBuilder) assignCodecsToRenditions() {
	assign := func(si *StreamInf, gt GroupType, groupID string) {
		if groupID == "" {
			return
		}
		g := b.mvp.RenditionGroupByID(gt, groupID)
		if g == nil {
			return
		}
		var sub []Codec
		want := map[GroupType]CodecType{
			GroupTypeVideo:     CodecTypeVideo,
			GroupTypeAudio:     CodecTypeAudio,
			GroupTypeSubtitles: CodecTypeSubtitle,
		}[gt]
		for _, c := range si.ParsedCodecs {
			if c.Type == want {
				sub = append(sub, c)
			}
		}
		if len(sub) == 0 {
			switch gt {
			case GroupTypeAudio:
				// Reconciled later against audio-only variants that do
				// carry the codec for this group.
				si.referencesAudioWithoutCodec = true
				return
			case GroupTypeSubtitles:
				// A codec is only listed for IMSC/TTML subtitles; the
				// only other HLS subtitle format is WebVTT.
				sub = []Codec{ParseCodec(defaultSubtitleCodec)}
			default:
				return
			}
		}
		b.applyGroupCodecs(g, sub)
	}

	for _, si := range b.infs {
		assign(si, GroupTypeVideo, si.VideoGroup)
		assign(si, GroupTypeAudio, si.AudioGroup)
		assign(si, GroupTypeSubtitles, si.SubtitleGroup)
	}
}

func (b *multivariantBuilder) applyGroupCodecs(g *RenditionGroup, codecs []Codec) {
	if len(g.Codecs) > 0 {
		if !codecListsEqual(g.Codecs, codecs) {
			b.warnf("variant streams assign mismatching codecs to %s group %q, keeping the first assignment", g.Type, g.ID)
		}
		return
	}
	g.Codecs = codecs
	for i := range g.Renditions {
		idx := i
		if idx >= len(codecs) {
			idx = len(codecs) - 1
		}
		c := codecs[idx]
		r := &g.Renditions[i]
		if g.Type == GroupTypeAudio {
			c.Channels = r.Channels
			c.SampleRate = r.SampleRate
		}
		r.Codec = c
	}
}

// checkScores enforces the all-or-nothing SCORE rule: partial presence
// clears the attribute everywhere.
func (b *multivariantBuilder) checkScores() {
	scored := 0
	for _, si := range b.infs {
		if si.Score >= 0 {
			scored++
		}
	}
	if scored > 0 && scored < len(b.infs) {
		b.warnf("SCORE is not set on all variant streams, ignoring it entirely")
		for _, si := range b.infs {
			si.Score = -1
		}
	}
}

func (b *multivariantBuilder) groupByPathways() {
	for _, si := range b.infs {
		id := si.EffectivePathwayID()
		pw := b.mvp.PathwayByID(id)
		if pw == nil {
			pw = &Pathway{ID: id}
			b.mvp.Pathways = append(b.mvp.Pathways, pw)
		}
		si.Index = len(pw.StreamInfs)
		si.ID = strconv.Itoa(si.Index)
		pw.StreamInfs = append(pw.StreamInfs, si)
	}
}

// variantGroupHash is the signature clustering one pathway's variants
// into encodings of the same content. Group references are excluded
// again: one encoding may back several audio/subtitle pairings.
func variantGroupHash(si *StreamInf) string {
	var bases []string
	seen := make(map[string]bool)
	for _, c := range si.ParsedCodecs {
		base := c.Base()
		if !seen[base] {
			seen[base] = true
			bases = append(bases, base)
		}
	}
	sort.Strings(bases)
	supp := ""
	if len(si.SupplementalCodecs) > 0 {
		supp, _, _ = strings.Cut(si.SupplementalCodecs[0], "/")
		if i := strings.IndexByte(supp, '.'); i >= 0 {
			supp = supp[:i]
		}
	}
	return hashFields(append(bases, supp, si.VideoRange)...)
}

func audioOnlyGroupHash(si *StreamInf) string {
	var bases []string
	for _, c := range si.ParsedCodecs {
		if c.IsAudio() {
			bases = append(bases, c.Base())
		}
	}
	sort.Strings(bases)
	return hashFields(append(bases, si.SubtitleGroup)...)
}

func (b *multivariantBuilder) buildVariantGroups(pw *Pathway) {
	findGroup := func(groups []VariantGroup, hash string) int {
		for i := range groups {
			if groups[i].Hash == hash {
				return i
			}
		}
		return -1
	}

	for i, si := range pw.StreamInfs {
		numVideo := si.NumCodecsOfType(CodecTypeVideo)
		if numVideo > 1 {
			b.warnf("variant stream with more than one video codec is not supported, ignoring it")
			continue
		}
		if numVideo == 1 {
			h := variantGroupHash(si)
			gi := findGroup(pw.VideoVariantGroups, h)
			if gi < 0 {
				pw.VideoVariantGroups = append(pw.VideoVariantGroups, VariantGroup{
					Hash:                    h,
					ParsedCodecs:            si.ParsedCodecs,
					SameAsVariantGroupIndex: -1,
				})
				gi = len(pw.VideoVariantGroups) - 1
			}
			pw.VideoVariantGroups[gi].StreamInfIndices = append(pw.VideoVariantGroups[gi].StreamInfIndices, i)
			continue
		}
		if si.NumCodecsOfType(CodecTypeAudio) == 0 {
			continue
		}
		h := audioOnlyGroupHash(si)
		gi := findGroup(pw.AudioOnlyVariantGroups, h)
		if gi < 0 {
			pw.AudioOnlyVariantGroups = append(pw.AudioOnlyVariantGroups, VariantGroup{
				Hash:                    h,
				ParsedCodecs:            si.ParsedCodecs,
				SameAsVariantGroupIndex: -1,
			})
			gi = len(pw.AudioOnlyVariantGroups) - 1
		}
		pw.AudioOnlyVariantGroups[gi].StreamInfIndices = append(pw.AudioOnlyVariantGroups[gi].StreamInfIndices, i)
	}

	assignQualityIndices(pw, pw.VideoVariantGroups)
	assignQualityIndices(pw, pw.AudioOnlyVariantGroups)

	// Groups referencing the identical media URLs only differ in their
	// audio or subtitle pairing and share segments.
	urlHashes := make([]string, len(pw.VideoVariantGroups))
	for i := range pw.VideoVariantGroups {
		urlHashes[i] = groupURLHash(pw, &pw.VideoVariantGroups[i])
	}
	for i := range pw.VideoVariantGroups {
		for j := 0; j < i; j++ {
			if urlHashes[i] == urlHashes[j] {
				pw.VideoVariantGroups[i].SameAsVariantGroupIndex = j
				break
			}
		}
	}

	// Audio-only variants can supply the codec for audio groups that
	// video-only variants referenced without one.
	for _, g := range pw.AudioOnlyVariantGroups {
		for _, idx := range g.StreamInfIndices {
			si := pw.StreamInfs[idx]
			if si.AudioGroup == "" {
				continue
			}
			rg := b.mvp.RenditionGroupByID(GroupTypeAudio, si.AudioGroup)
			if rg == nil || len(rg.Codecs) > 0 {
				continue
			}
			for _, other := range pw.StreamInfs {
				if other.referencesAudioWithoutCodec && other.AudioGroup == si.AudioGroup {
					var audio []Codec
					for _, c := range si.ParsedCodecs {
						if c.IsAudio() {
							audio = append(audio, c)
						}
					}
					b.applyGroupCodecs(rg, audio)
					break
				}
			}
		}
	}
}

// assignQualityIndices ranks every group member by its position in the
// group's ascending distinct bandwidth list.
func assignQualityIndices(pw *Pathway, groups []VariantGroup) {
	for gi := range groups {
		var bandwidths []int
		seen := make(map[int]bool)
		for _, idx := range groups[gi].StreamInfIndices {
			bw := pw.StreamInfs[idx].Bandwidth
			if !seen[bw] {
				seen[bw] = true
				bandwidths = append(bandwidths, bw)
			}
		}
		sort.Ints(bandwidths)
		for _, idx := range groups[gi].StreamInfIndices {
			si := pw.StreamInfs[idx]
			for rank, bw := range bandwidths {
				if bw == si.Bandwidth {
					si.QualityIndex = rank
					break
				}
			}
		}
	}
}

func groupURLHash(pw *Pathway, g *VariantGroup) string {
	indices := append([]int(nil), g.StreamInfIndices...)
	sort.Slice(indices, func(a, b int) bool {
		return pw.StreamInfs[indices[a]].Bandwidth < pw.StreamInfs[indices[b]].Bandwidth
	})
	uris := make([]string, len(indices))
	for i, idx := range indices {
		uris[i] = pw.StreamInfs[idx].URI
	}
	return hashFields(uris...)
}

// associateAudio determines, per video variant group member, where its
// audio comes from: an inband codec, an audio-only variant group, or
// nowhere. Audio rendition groups referenced by members of one group
// must have the same number of renditions; only the count is checked,
// not the individual properties.
func (b *multivariantBuilder) associateAudio(pw *Pathway) error {
	for gi := range pw.VideoVariantGroups {
		vg := &pw.VideoVariantGroups[gi]
		vg.AssociatedAudio = make([]int, len(vg.StreamInfIndices))
		var audioGroups []string
		for k, idx := range vg.StreamInfIndices {
			si := pw.StreamInfs[idx]
			if si.NumCodecsOfType(CodecTypeAudio) > 0 {
				if si.AudioGroup != "" {
					if !containsString(audioGroups, si.AudioGroup) && len(audioGroups) > 0 {
						rg1 := b.mvp.RenditionGroupByID(GroupTypeAudio, audioGroups[len(audioGroups)-1])
						rg2 := b.mvp.RenditionGroupByID(GroupTypeAudio, si.AudioGroup)
						if len(rg1.Renditions) != len(rg2.Renditions) {
							return playlist.NewError(playlist.FacilityBuilder, playlist.CodeGroupMismatch,
								"audio rendition groups %q and %q referenced by grouped variant streams are mismatching",
								audioGroups[len(audioGroups)-1], si.AudioGroup)
						}
						audioGroups = append(audioGroups, si.AudioGroup)
					} else if !containsString(audioGroups, si.AudioGroup) {
						audioGroups = append(audioGroups, si.AudioGroup)
					}
				}
				vg.AssociatedAudio[k] = audioInband
			} else if len(pw.AudioOnlyVariantGroups) > 0 {
				vg.AssociatedAudio[k] = 0
			} else {
				vg.AssociatedAudio[k] = audioNone
			}
		}
	}
	return nil
}

// buildTracks creates the track and adaptation-set metadata consumed
// by stream selection: one track per rendition "angle" or language,
// one stream detail per quality level within it.
func (b *multivariantBuilder) buildTracks(pw *Pathway) error {
	selVideo, selAudio := -1, -1
	if len(pw.VideoVariantGroups) > 0 {
		selVideo = 0
	} else if len(pw.AudioOnlyVariantGroups) > 0 {
		selAudio = 0
	} else {
		return playlist.NewError(playlist.FacilityBuilder, playlist.CodeBadValue,
			"pathway %q contains no playable content", pw.ID)
	}

	var groupStreamInfs []*StreamInf
	if selVideo >= 0 {
		for _, idx := range pw.VideoVariantGroups[selVideo].StreamInfIndices {
			groupStreamInfs = append(groupStreamInfs, pw.StreamInfs[idx])
		}
	} else {
		for _, idx := range pw.AudioOnlyVariantGroups[selAudio].StreamInfIndices {
			groupStreamInfs = append(groupStreamInfs, pw.StreamInfs[idx])
		}
	}

	// Collect the rendition groups referenced by the selected variant
	// group, enforcing matching rendition counts across them.
	var videoGroups, audioGroups, subtitleGroups []string
	collect := func(gt GroupType, name string, into *[]string) error {
		if name == "" || containsString(*into, name) {
			return nil
		}
		if len(*into) > 0 {
			rg1 := b.mvp.RenditionGroupByID(gt, (*into)[len(*into)-1])
			rg2 := b.mvp.RenditionGroupByID(gt, name)
			if len(rg1.Renditions) != len(rg2.Renditions) {
				return playlist.NewError(playlist.FacilityBuilder, playlist.CodeGroupMismatch,
					"%s rendition groups %q and %q referenced by grouped variant streams are mismatching",
					gt, (*into)[len(*into)-1], name)
			}
		}
		*into = append(*into, name)
		return nil
	}
	for _, si := range groupStreamInfs {
		if err := collect(GroupTypeVideo, si.VideoGroup, &videoGroups); err != nil {
			return err
		}
		if si.AudioGroup != "" && !containsString(audioGroups, si.AudioGroup) {
			audioGroups = append(audioGroups, si.AudioGroup)
		}
		if err := collect(GroupTypeSubtitles, si.SubtitleGroup, &subtitleGroups); err != nil {
			return err
		}
	}

	assignStreams := func(want CodecType, tm *Track) {
		for _, si := range groupStreamInfs {
			sm := StreamDetail{
				ID:           si.ID,
				Bandwidth:    si.Bandwidth,
				QualityIndex: si.QualityIndex,
			}
			if c, ok := si.FirstCodecOfType(want); ok {
				sm.Codec = c
			}
			if sm.Bandwidth > tm.HighestBandwidth {
				tm.HighestBandwidth = sm.Bandwidth
				tm.HighestBandwidthCodec = sm.Codec
			}
			tm.Streams = append(tm.Streams, sm)
		}
	}

	if err := b.buildVideoTracks(pw, selVideo, videoGroups, groupStreamInfs, assignStreams); err != nil {
		return err
	}
	if err := b.buildAudioTracks(pw, selVideo, selAudio, audioGroups, groupStreamInfs, assignStreams); err != nil {
		return err
	}
	b.buildSubtitleTracks(pw, subtitleGroups, groupStreamInfs)

	pw.VideoAdaptationSets = buildAdaptationSets(pw.VideoTracks)
	pw.AudioAdaptationSets = buildAdaptationSets(pw.AudioTracks)
	pw.SubtitleAdaptationSets = buildAdaptationSets(pw.SubtitleTracks)
	return nil
}

func (b *multivariantBuilder) buildVideoTracks(pw *Pathway, selVideo int, videoGroups []string, groupStreamInfs []*StreamInf, assignStreams func(CodecType, *Track)) error {
	if len(videoGroups) > 0 {
		// The renditions are the different "angles"; every referenced
		// group must carry the same name-matched set of them. Any of
		// the groups can seed the track list.
		rg := b.mvp.RenditionGroupByID(GroupTypeVideo, videoGroups[0])
		for i := range rg.Renditions {
			r := &rg.Renditions[i]
			kind := "alternative"
			if i == 0 {
				kind = "main"
			}
			pw.VideoTracks = append(pw.VideoTracks, Track{
				ID:        "vid:" + r.Name,
				Label:     r.Name,
				Language:  r.Language,
				Kind:      kind,
				Rendition: r,
			})
		}
		for ti := range pw.VideoTracks {
			tm := &pw.VideoTracks[ti]
			for _, groupName := range videoGroups {
				rg = b.mvp.RenditionGroupByID(GroupTypeVideo, groupName)
				for _, si := range groupStreamInfs {
					if si.VideoGroup != groupName {
						continue
					}
					r := rg.RenditionByName(tm.Label)
					if r == nil {
						return playlist.NewError(playlist.FacilityBuilder, playlist.CodeGroupMismatch,
							"alternative rendition %q is not present in all rendition groups", tm.Label)
					}
					tm.VariantIDs = append(tm.VariantIDs, si.ID)
					sm := StreamDetail{
						Bandwidth:    si.Bandwidth,
						QualityIndex: si.QualityIndex,
						Codec:        r.Codec,
					}
					if sm.Bandwidth > tm.HighestBandwidth {
						tm.HighestBandwidth = sm.Bandwidth
						tm.HighestBandwidthCodec = sm.Codec
					}
					tm.Streams = append(tm.Streams, sm)
				}
			}
		}
		return nil
	}
	if selVideo >= 0 {
		tm := Track{ID: "vid:", Kind: "main", IsVariant: true}
		assignStreams(CodecTypeVideo, &tm)
		pw.VideoTracks = append(pw.VideoTracks, tm)
	}
	return nil
}

func (b *multivariantBuilder) buildAudioTracks(pw *Pathway, selVideo, selAudio int, audioGroups []string, groupStreamInfs []*StreamInf, assignStreams func(CodecType, *Track)) error {
	variantIDs := func() []string {
		ids := make([]string, len(groupStreamInfs))
		for i, si := range groupStreamInfs {
			ids[i] = si.ID
		}
		return ids
	}

	if len(audioGroups) > 0 {
		rg := b.mvp.RenditionGroupByID(GroupTypeAudio, audioGroups[0])
		for i := range rg.Renditions {
			r := &rg.Renditions[i]
			kind := "translation"
			if i == 0 {
				kind = "main"
			}
			tm := Track{
				ID:         fmt.Sprintf("aud:%s:%s", audioGroups[0], r.Name),
				Label:      r.Name,
				Language:   r.Language,
				Kind:       kind,
				Rendition:  r,
				VariantIDs: variantIDs(),
			}
			if selAudio >= 0 {
				assignStreams(CodecTypeAudio, &tm)
			} else {
				tm.HighestBandwidth = assumedAudioBandwidth
				tm.HighestBandwidthCodec = r.Codec
				tm.Streams = append(tm.Streams, StreamDetail{
					Bandwidth: assumedAudioBandwidth,
					Codec:     r.Codec,
				})
			}
			pw.AudioTracks = append(pw.AudioTracks, tm)
		}
		return nil
	}
	if selAudio >= 0 {
		tm := Track{ID: "aud:", Kind: "main", IsVariant: true}
		assignStreams(CodecTypeAudio, &tm)
		pw.AudioTracks = append(pw.AudioTracks, tm)
		return nil
	}

	// No audio groups, but the selected video variants may carry inband
	// audio or lean on an audio-only variant group.
	if selVideo < 0 {
		return nil
	}
	va := pw.VideoVariantGroups[selVideo].AssociatedAudio
	if len(va) == 0 {
		return nil
	}
	for _, v := range va {
		if v != va[0] {
			return playlist.NewError(playlist.FacilityBuilder, playlist.CodeGroupMismatch,
				"variant streams have inconsistent audio")
		}
	}
	switch {
	case va[0] == audioNone:
		return nil
	case va[0] == audioInband:
		tm := Track{ID: "aud:", Kind: "main", IsVariant: true}
		highest := 0
		for _, si := range groupStreamInfs {
			if si.Bandwidth <= highest {
				continue
			}
			if c, ok := si.FirstCodecOfType(CodecTypeAudio); ok {
				highest = si.Bandwidth
				tm.HighestBandwidthCodec = c
			}
		}
		// The variant bandwidth covers video too; report a value one
		// would see for plain audio.
		tm.HighestBandwidth = assumedAudioBandwidth
		tm.Streams = append(tm.Streams, StreamDetail{
			Bandwidth: assumedAudioBandwidth,
			Codec:     tm.HighestBandwidthCodec,
		})
		pw.AudioTracks = append(pw.AudioTracks, tm)
	default:
		ag := &pw.AudioOnlyVariantGroups[va[0]]
		tm := Track{ID: "aud:", Kind: "main", IsVariant: true}
		for _, idx := range ag.StreamInfIndices {
			si := pw.StreamInfs[idx]
			sm := StreamDetail{
				ID:           si.ID,
				Bandwidth:    si.Bandwidth,
				QualityIndex: si.QualityIndex,
			}
			if c, ok := si.FirstCodecOfType(CodecTypeAudio); ok {
				sm.Codec = c
			}
			if sm.Bandwidth > tm.HighestBandwidth {
				tm.HighestBandwidth = sm.Bandwidth
				tm.HighestBandwidthCodec = sm.Codec
			}
			tm.Streams = append(tm.Streams, sm)
		}
		pw.AudioTracks = append(pw.AudioTracks, tm)
	}
	return nil
}

func (b *multivariantBuilder) buildSubtitleTracks(pw *Pathway, subtitleGroups []string, groupStreamInfs []*StreamInf) {
	if len(subtitleGroups) == 0 {
		return
	}
	variantIDs := make([]string, len(groupStreamInfs))
	for i, si := range groupStreamInfs {
		variantIDs[i] = si.ID
	}
	rg := b.mvp.RenditionGroupByID(GroupTypeSubtitles, subtitleGroups[0])
	for i := range rg.Renditions {
		r := &rg.Renditions[i]
		tm := Track{
			ID:                    fmt.Sprintf("sub:%s:%s", subtitleGroups[0], r.Name),
			Label:                 r.Name,
			Language:              r.Language,
			Kind:                  "subtitles",
			Rendition:             r,
			VariantIDs:            variantIDs,
			HighestBandwidth:      assumedSubtitleBandwidth,
			HighestBandwidthCodec: r.Codec,
		}
		tm.Streams = append(tm.Streams, StreamDetail{
			Bandwidth: assumedSubtitleBandwidth,
			Codec:     r.Codec,
		})
		pw.SubtitleTracks = append(pw.SubtitleTracks, tm)
	}
}

func buildAdaptationSets(tracks []Track) []*AdaptationSet {
	var out []*AdaptationSet
	for i := range tracks {
		tm := &tracks[i]
		as := &AdaptationSet{
			ID:       tm.ID,
			Codecs:   tm.HighestBandwidthCodec.RFC6381,
			Language: tm.Language,
		}
		for si, sm := range tm.Streams {
			id := sm.ID
			if id == "" {
				id = "/" + strconv.Itoa(si)
			}
			as.Representations = append(as.Representations, &Representation{
				ID:           id,
				Bandwidth:    sm.Bandwidth,
				QualityIndex: sm.QualityIndex,
				Codec:        sm.Codec,
			})
		}
		out = append(out, as)
	}
	return out
}

func hashFields(fields ...string) string {
	h := sha1.New()
	for _, f := range fields {
		io.WriteString(h, f)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func codecListsEqual(a, b []Codec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].RFC6381 != b[i].RFC6381 {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parseDigits(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("non-digit character in %q", s)
		}
	}
	return strconv.Atoi(s)
}

func parseResolution(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("missing separator in %q", s)
	}
	w, err := parseDigits(ws)
	if err != nil {
		return 0, 0, err
	}
	h, err := parseDigits(hs)
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

func align2(v int) int {
	return (v + 1) &^ 1
}

func isValidPathwayID(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func isValidStableID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '+' || c == '/' || c == '=' || c == '.' || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func isValidInstreamID(s string) bool {
	if rest, ok := strings.CutPrefix(s, "CC"); ok {
		n, err := parseDigits(rest)
		return err == nil && n >= 1 && n <= 4
	}
	if rest, ok := strings.CutPrefix(s, "SERVICE"); ok {
		n, err := parseDigits(rest)
		return err == nil && n >= 1 && n <= 63
	}
	return false
}

func normalizeLanguage(s string) string {
	if s == "" {
		return ""
	}
	tag, err := language.Parse(s)
	if err != nil {
		return s
	}
	return tag.String()
}
