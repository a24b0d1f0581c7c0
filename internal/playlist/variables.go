package playlist

import (
	"net/url"
)

// EXT-X-DEFINE attribute names.
const (
	attrDefineName       = "NAME"
	attrDefineValue      = "VALUE"
	attrDefineImport     = "IMPORT"
	attrDefineQueryParam = "QUERYPARAM"
)

// Variables is the substitution table for one playlist scope. A media
// playlist's table is seeded by cloning its parent multivariant playlist's
// table, then extended locally.
type Variables struct {
	names  []string
	values map[string]string
}

// NewVariables creates an empty substitution table.
func NewVariables() *Variables {
	return &Variables{values: make(map[string]string)}
}

// Define adds a variable. Defining a name twice in one scope is an error.
func (v *Variables) Define(name, value string) error {
	if _, exists := v.values[name]; exists {
		return NewError(FacilityParser, CodeDuplicateVariable,
			"variable %q defined twice", name)
	}
	v.names = append(v.names, name)
	v.values[name] = value
	return nil
}

// Lookup returns the value of a variable.
func (v *Variables) Lookup(name string) (string, bool) {
	value, ok := v.values[name]
	return value, ok
}

// Len returns the number of defined variables.
func (v *Variables) Len() int {
	return len(v.names)
}

// Clone copies the table for seeding a child scope.
func (v *Variables) Clone() *Variables {
	clone := NewVariables()
	for _, name := range v.names {
		clone.names = append(clone.names, name)
		clone.values[name] = v.values[name]
	}
	return clone
}

// SubstituteString applies the table to every "{$name}" reference in s.
// Content steering pathway clones synthesize URLs after parsing, so
// substitution has to be re-runnable on plain strings. References to
// undefined variables are left in place rather than treated as errors.
func (v *Variables) SubstituteString(s string) string {
	markers := scanMarkers(s)
	for i := len(markers) - 1; i >= 0; i-- {
		m := markers[i]
		if value, ok := v.Lookup(m.name); ok {
			s = s[:m.start] + value + s[m.end:]
		}
	}
	return s
}

// ResolveVariables builds the substitution table from the playlist's
// EXT-X-DEFINE tags and applies it to every recorded marker in the element
// sequence. The parent table is the owning multivariant playlist's table and
// may be nil; IMPORT is only legal in a media playlist.
//
// Must be called exactly once, before any other tag is interpreted.
func (p *Playlist) ResolveVariables(parent *Variables) (*Variables, error) {
	vars := NewVariables()
	if parent != nil && p.Kind == KindMedia {
		vars = parent.Clone()
	}

	for _, e := range p.ElementsByTag(TagDefine) {
		name, hasName := e.AttrValue(attrDefineName)
		importName, hasImport := e.AttrValue(attrDefineImport)
		queryName, hasQuery := e.AttrValue(attrDefineQueryParam)

		declared := 0
		for _, has := range []bool{hasName, hasImport, hasQuery} {
			if has {
				declared++
			}
		}
		if declared != 1 {
			return nil, NewErrorAt(FacilityParser, CodeBadVariable, e.Line,
				"EXT-X-DEFINE requires exactly one of NAME, IMPORT or QUERYPARAM")
		}

		switch {
		case hasName:
			value, ok := e.AttrValue(attrDefineValue)
			if !ok {
				return nil, NewErrorAt(FacilityParser, CodeBadVariable, e.Line,
					"EXT-X-DEFINE NAME=%q has no VALUE", name)
			}
			if err := vars.Define(name, value); err != nil {
				return nil, err
			}

		case hasImport:
			if p.Kind != KindMedia {
				return nil, NewErrorAt(FacilityParser, CodeImportScope, e.Line,
					"EXT-X-DEFINE IMPORT is only legal in a media playlist")
			}
			if parent == nil {
				return nil, NewErrorAt(FacilityParser, CodeImportScope, e.Line,
					"EXT-X-DEFINE IMPORT=%q with no parent playlist", importName)
			}
			value, ok := parent.Lookup(importName)
			if !ok {
				return nil, NewErrorAt(FacilityParser, CodeUndefinedVariable, e.Line,
					"EXT-X-DEFINE IMPORT=%q not defined by parent", importName)
			}
			// The clone already carries the parent value; re-defining
			// locally must not conflict with a local definition.
			if existing, defined := vars.Lookup(importName); !defined || existing != value {
				if err := vars.Define(importName, value); err != nil {
					return nil, err
				}
			}

		case hasQuery:
			value, err := queryParamValue(p.EffectiveURL, queryName)
			if err != nil {
				return nil, NewErrorAt(FacilityParser, CodeBadVariable, e.Line,
					"EXT-X-DEFINE QUERYPARAM=%q: %v", queryName, err)
			}
			if err := vars.Define(queryName, value); err != nil {
				return nil, err
			}
		}
	}

	for _, e := range p.Elements {
		if e.Tag == TagDefine {
			// Substitution never applies inside the defining tag itself.
			continue
		}
		for i := range e.Attributes {
			if err := e.Attributes[i].substitute(vars); err != nil {
				return nil, err
			}
		}
		if err := e.Value.substitute(vars); err != nil {
			return nil, err
		}
		if e.HasURI {
			if err := e.URI.substitute(vars); err != nil {
				return nil, err
			}
		}
	}

	return vars, nil
}

func queryParamValue(effectiveURL, name string) (string, error) {
	u, err := url.Parse(effectiveURL)
	if err != nil {
		return "", err
	}
	values := u.Query()
	if _, ok := values[name]; !ok {
		return "", NewError(FacilityParser, CodeUndefinedVariable,
			"query parameter %q not present in playlist URL", name)
	}
	return values.Get(name), nil
}
