package manifest

import (
	"log/slog"
	"net/url"

	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/urlutil"
)

// cloneSuffix marks rendition groups and group references duplicated
// for a cloned pathway.
const cloneSuffix = "@clone"

// PathwayCloneParams is one PATHWAY-CLONES entry of a content steering
// manifest, reduced to the fields pathway cloning needs.
type PathwayCloneParams struct {
	// BaseID is the PATHWAY-ID of the pathway to duplicate.
	BaseID string

	// ID is the PATHWAY-ID of the clone.
	ID string

	// Host replaces the hostname of every cloned URL when non-empty.
	Host string

	// Params are query parameters added to (or replacing on) every
	// cloned URL.
	Params map[string]string

	// PerVariantURIs overrides the URI of cloned variants keyed by
	// their STABLE-VARIANT-ID.
	PerVariantURIs map[string]string

	// PerRenditionURIs overrides the URI of cloned renditions keyed by
	// their STABLE-RENDITION-ID.
	PerRenditionURIs map[string]string
}

// MaterializePathwayClone duplicates the base pathway under the clone's
// ID, rewriting variant and rendition URLs per the clone description
// and rebuilding the clone's track metadata. Rendition groups referenced
// by the base are duplicated with a suffixed GROUP-ID so the clone's
// rewritten rendition URLs never leak into the base pathway.
//
// Materializing an already existing pathway ID is a no-op returning the
// existing pathway; the caller is expected to track created clones.
func (m *MultivariantPlaylist) MaterializePathwayClone(p PathwayCloneParams, logger *slog.Logger) (*Pathway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if existing := m.PathwayByID(p.ID); existing != nil {
		return existing, nil
	}
	base := m.PathwayByID(p.BaseID)
	if base == nil {
		return nil, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
			"pathway clone %q references unknown base pathway %q", p.ID, p.BaseID)
	}

	cln := &Pathway{ID: p.ID}

	// Copy the variants, repointing them at the clone and collecting
	// the rendition groups that need duplicating.
	var groupsToClone [numGroupTypes][]string
	addUnique := func(t GroupType, name string) {
		if !containsString(groupsToClone[t], name) {
			groupsToClone[t] = append(groupsToClone[t], name)
		}
	}
	for _, src := range base.StreamInfs {
		si := *src
		si.PathwayID = p.ID
		if si.VideoGroup != "" {
			addUnique(GroupTypeVideo, si.VideoGroup)
			si.VideoGroup += cloneSuffix
		}
		if si.AudioGroup != "" {
			addUnique(GroupTypeAudio, si.AudioGroup)
			si.AudioGroup += cloneSuffix
		}
		if si.SubtitleGroup != "" {
			addUnique(GroupTypeSubtitles, si.SubtitleGroup)
			si.SubtitleGroup += cloneSuffix
		}
		if si.ClosedCaptionGroup != "" {
			addUnique(GroupTypeClosedCaptions, si.ClosedCaptionGroup)
			si.ClosedCaptionGroup += cloneSuffix
		}
		if p.Host != "" || len(p.Params) > 0 {
			si.URI = m.rewriteCloneURL(si.URI, p)
		}
		if si.StableVariantID != "" {
			if uri, ok := p.PerVariantURIs[si.StableVariantID]; ok {
				si.URI = uri
			}
		}
		cln.StreamInfs = append(cln.StreamInfs, &si)
	}

	// The variant grouping only depends on codec signatures and
	// bandwidths, which the clone shares with its base.
	cln.VideoVariantGroups = copyVariantGroups(base.VideoVariantGroups)
	cln.AudioOnlyVariantGroups = copyVariantGroups(base.AudioOnlyVariantGroups)

	for t := GroupType(0); t < numGroupTypes; t++ {
		for _, name := range groupsToClone[t] {
			if m.RenditionGroupByID(t, name+cloneSuffix) != nil {
				continue
			}
			rg := m.RenditionGroupByID(t, name)
			if rg == nil {
				continue
			}
			cloned := *rg
			cloned.ID += cloneSuffix
			cloned.Renditions = append([]Rendition(nil), rg.Renditions...)
			cloned.Codecs = append([]Codec(nil), rg.Codecs...)
			for i := range cloned.Renditions {
				r := &cloned.Renditions[i]
				if r.URI != "" {
					r.URI = m.rewriteCloneURL(r.URI, p)
				}
				if r.StableRenditionID != "" {
					if uri, ok := p.PerRenditionURIs[r.StableRenditionID]; ok {
						r.URI = uri
					}
				}
			}
			m.RenditionGroupsOfType[t] = append(m.RenditionGroupsOfType[t], &cloned)
		}
	}

	b := &multivariantBuilder{log: logger, mvp: m}
	if err := b.buildTracks(cln); err != nil {
		return nil, err
	}

	m.Pathways = append(m.Pathways, cln)
	return cln, nil
}

// rewriteCloneURL applies the clone description's host replacement and
// query parameters to a URL. Variable substitution runs on the injected
// host and parameter values before the rewrite, the way it would have
// been applied to a playlist-borne URL; substituting afterwards would
// miss references hidden by query encoding. Rewrites are best effort; a
// URL that fails to parse passes through.
func (m *MultivariantPlaylist) rewriteCloneURL(rawURL string, p PathwayCloneParams) string {
	sub := func(s string) string {
		if m.Variables != nil {
			return m.Variables.SubstituteString(s)
		}
		return s
	}
	u := rawURL
	if p.Host != "" {
		if rewritten, err := urlutil.RewriteHost(u, sub(p.Host)); err == nil {
			u = rewritten
		}
	}
	if len(p.Params) > 0 {
		q := make(url.Values, len(p.Params))
		for k, v := range p.Params {
			q.Set(k, sub(v))
		}
		if merged, err := urlutil.MergeQuery(u, q); err == nil {
			u = merged
		}
	}
	return u
}

func copyVariantGroups(groups []VariantGroup) []VariantGroup {
	out := make([]VariantGroup, len(groups))
	for i, g := range groups {
		g.StreamInfIndices = append([]int(nil), g.StreamInfIndices...)
		g.AssociatedAudio = append([]int(nil), g.AssociatedAudio...)
		out[i] = g
	}
	return out
}
