// Package steering implements the content steering handler: CDN/pathway
// prioritization driven by a periodically refreshed steering manifest,
// plus the fixed DVB priority/weight scheme used when no steering server
// is declared.
package steering

import (
	"encoding/json"

	"github.com/jmylchreest/manifold/internal/manifest"
	"github.com/jmylchreest/manifold/internal/playlist"
)

// Manifest is the decoded steering server response.
type Manifest struct {
	Version int     `json:"VERSION"`
	TTL     float64 `json:"TTL"`

	// ReloadURI replaces the steering server URL for subsequent
	// requests. May be relative to the current one.
	ReloadURI string `json:"RELOAD-URI"`

	PathwayPriority []string `json:"PATHWAY-PRIORITY"`

	// ServiceLocationPriority is the legacy DASH name for the
	// priority list.
	ServiceLocationPriority []string `json:"SERVICE-LOCATION-PRIORITY"`

	PathwayClones []PathwayClone `json:"PATHWAY-CLONES"`
}

// PathwayClone describes a pathway the client must synthesize from an
// existing one.
type PathwayClone struct {
	BaseID         string         `json:"BASE-ID"`
	ID             string         `json:"ID"`
	URIReplacement URIReplacement `json:"URI-REPLACEMENT"`
}

// URIReplacement carries the URL rewrite rules of a pathway clone.
type URIReplacement struct {
	Host             string            `json:"HOST"`
	Params           map[string]string `json:"PARAMS"`
	PerVariantURIs   map[string]string `json:"PER-VARIANT-URIS"`
	PerRenditionURIs map[string]string `json:"PER-RENDITION-URIS"`
}

// CloneParams converts the wire entry into the form pathway cloning
// consumes.
func (c PathwayClone) CloneParams() manifest.PathwayCloneParams {
	return manifest.PathwayCloneParams{
		BaseID:           c.BaseID,
		ID:               c.ID,
		Host:             c.URIReplacement.Host,
		Params:           c.URIReplacement.Params,
		PerVariantURIs:   c.URIReplacement.PerVariantURIs,
		PerRenditionURIs: c.URIReplacement.PerRenditionURIs,
	}
}

// ParseManifest decodes and validates a steering server response body.
func ParseManifest(body []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
			"malformed steering manifest: %v", err)
	}
	if m.Version != 1 {
		return nil, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
			"unsupported steering manifest version %d", m.Version)
	}
	return &m, nil
}
