package steering

import (
	"net/url"

	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/urlutil"
)

// selectionStrategy is the per-dialect candidate selection. Methods run
// under the handler lock.
type selectionStrategy interface {
	// buildAugmentedCandidates may extend the offered candidate set,
	// e.g. with synthesized pathway clones.
	buildAugmentedCandidates(h *Handler, in []Candidate) []Candidate

	selectCandidate(h *Handler, candidates []Candidate, purpose Purpose) (Candidate, error)
}

// hlsStrategy walks the priority list and falls back to any
// non-penalized candidate.
type hlsStrategy struct{}

func (hlsStrategy) buildAugmentedCandidates(_ *Handler, in []Candidate) []Candidate {
	return in
}

func (hlsStrategy) selectCandidate(h *Handler, candidates []Candidate, purpose Purpose) (Candidate, error) {
	for _, cdn := range h.priorities {
		if h.isPenalizedLocked(cdn) {
			continue
		}
		for _, c := range candidates {
			if c.CDN == cdn {
				return c, nil
			}
		}
	}
	for _, c := range candidates {
		if !h.isPenalizedLocked(c.CDN) {
			return c, nil
		}
	}
	return Candidate{}, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
		"no viable CDN for %s selection", purpose)
}

// dashSteeredStrategy walks the priority list over a clone-augmented
// candidate set. A selection round that had to fall back to a CDN
// outside the priority list is tolerated once; if the next steering
// update still cannot satisfy the priority list, selection fails for
// good instead of cycling through fallbacks forever.
type dashSteeredStrategy struct{}

func (dashSteeredStrategy) buildAugmentedCandidates(h *Handler, in []Candidate) []Candidate {
	out := append([]Candidate(nil), in...)
	for _, entry := range h.cloneEntries {
		exists := false
		for _, c := range out {
			if c.CDN == entry.ID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		for _, c := range in {
			if c.CDN == entry.BaseID {
				out = append(out, Candidate{
					CDN:      entry.ID,
					URL:      rewriteCandidateURL(c.URL, entry.URIReplacement),
					Priority: c.Priority,
					Weight:   c.Weight,
				})
				break
			}
		}
	}
	return out
}

func (dashSteeredStrategy) selectCandidate(h *Handler, candidates []Candidate, purpose Purpose) (Candidate, error) {
	for _, cdn := range h.priorities {
		if h.isPenalizedLocked(cdn) {
			continue
		}
		for _, c := range candidates {
			if c.CDN == cdn {
				h.fallbackAtUpdate = -1
				return c, nil
			}
		}
	}

	if h.fallbackAtUpdate >= 0 && h.updateCount > h.fallbackAtUpdate {
		return Candidate{}, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
			"steering update still names no usable CDN for %s selection", purpose)
	}

	for _, c := range candidates {
		if !h.isPenalizedLocked(c.CDN) {
			if h.fallbackAtUpdate < 0 {
				h.fallbackAtUpdate = h.updateCount
			}
			return c, nil
		}
	}
	return Candidate{}, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
		"no viable CDN for %s selection", purpose)
}

// dvbStrategy implements the fixed DVB priority/weight scheme used
// when no steering server is declared: lowest numeric priority wins,
// ties resolved by a sticky-then-weighted-random choice per purpose.
type dvbStrategy struct{}

func (dvbStrategy) buildAugmentedCandidates(_ *Handler, in []Candidate) []Candidate {
	return in
}

func (dvbStrategy) selectCandidate(h *Handler, candidates []Candidate, purpose Purpose) (Candidate, error) {
	var survivors []Candidate
	for _, c := range candidates {
		if !h.isPenalizedLocked(c.CDN) {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return Candidate{}, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
			"all CDN candidates for %s selection are penalized", purpose)
	}

	lowest := survivors[0].Priority
	for _, c := range survivors[1:] {
		if c.Priority < lowest {
			lowest = c.Priority
		}
	}
	n := 0
	for _, c := range survivors {
		if c.Priority == lowest {
			survivors[n] = c
			n++
		}
	}
	survivors = survivors[:n]

	if last := h.lastChoice[purpose]; last != "" {
		for _, c := range survivors {
			if c.CDN == last {
				return c, nil
			}
		}
	}

	chosen := survivors[weightedPick(h.rng, len(survivors), func(i int) int { return survivors[i].Weight })]
	h.lastChoice[purpose] = chosen.CDN
	return chosen, nil
}

// rewriteCandidateURL applies a clone's host and query parameter
// rewrite to a base candidate URL. Best effort; an unparsable URL
// passes through.
func rewriteCandidateURL(rawURL string, r URIReplacement) string {
	u := rawURL
	if r.Host != "" {
		if rewritten, err := urlutil.RewriteHost(u, r.Host); err == nil {
			u = rewritten
		}
	}
	if len(r.Params) > 0 {
		q := make(url.Values, len(r.Params))
		for k, v := range r.Params {
			q.Set(k, v)
		}
		if merged, err := urlutil.MergeQuery(u, q); err == nil {
			u = merged
		}
	}
	return u
}
