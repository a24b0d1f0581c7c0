package playlist

import "strconv"

// varMarker records the position of one "{$name}" substitution reference
// inside a stored value, so the resolver can replace it without re-lexing.
type varMarker struct {
	start int
	end   int
	name  string
}

// AttributeValue is a lexed value together with its substitution markers.
type AttributeValue struct {
	Value  string
	Quoted bool

	markers []varMarker
}

// NeedsSubstitution reports whether the value references any variables.
func (v *AttributeValue) NeedsSubstitution() bool {
	return len(v.markers) > 0
}

// substitute replaces all recorded markers using the given table.
// Markers are applied back to front so earlier offsets stay valid.
func (v *AttributeValue) substitute(vars *Variables) error {
	for i := len(v.markers) - 1; i >= 0; i-- {
		m := v.markers[i]
		value, ok := vars.Lookup(m.name)
		if !ok {
			return NewError(FacilityParser, CodeUndefinedVariable,
				"reference to undefined variable %q", m.name)
		}
		v.Value = v.Value[:m.start] + value + v.Value[m.end:]
	}
	v.markers = nil
	return nil
}

// Attribute is one (name, value, wasQuoted) entry of a tag's attribute list.
type Attribute struct {
	Name string
	AttributeValue
}

// ParsedElement is one tag occurrence in the element sequence. Immutable once
// produced by the parser, except for variable substitution which rewrites
// values in place before any consumer sees them.
type ParsedElement struct {
	Tag        Tag
	Attributes []Attribute

	// Value is the raw element value for tags like EXTINF or
	// EXT-X-TARGETDURATION that carry no attribute list.
	Value AttributeValue

	// URI is the URI line attached to this element, when present.
	URI    AttributeValue
	HasURI bool

	// Line is the 1-based source line the tag appeared on.
	Line int
}

// Attr returns the named attribute, or nil when absent.
func (e *ParsedElement) Attr(name string) *Attribute {
	for i := range e.Attributes {
		if e.Attributes[i].Name == name {
			return &e.Attributes[i]
		}
	}
	return nil
}

// AttrValue returns the named attribute's value and whether it was present.
func (e *ParsedElement) AttrValue(name string) (string, bool) {
	if a := e.Attr(name); a != nil {
		return a.Value, true
	}
	return "", false
}

// AttrOr returns the named attribute's value, or def when absent.
func (e *ParsedElement) AttrOr(name, def string) string {
	if a := e.Attr(name); a != nil {
		return a.Value
	}
	return def
}

// AttrInt parses the named attribute as a base-10 integer.
func (e *ParsedElement) AttrInt(name string) (int64, bool) {
	a := e.Attr(name)
	if a == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(a.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AttrFloat parses the named attribute as a decimal number.
func (e *ParsedElement) AttrFloat(name string) (float64, bool) {
	a := e.Attr(name)
	if a == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(a.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// AttrBool interprets the named attribute as the HLS YES/NO enum.
func (e *ParsedElement) AttrBool(name string) bool {
	return e.AttrOr(name, "NO") == "YES"
}

// scanMarkers finds all "{$name}" references in s. Unterminated or malformed
// references are kept as literal text.
func scanMarkers(s string) []varMarker {
	var markers []varMarker
	for i := 0; i+2 < len(s); i++ {
		if s[i] != '{' || s[i+1] != '$' {
			continue
		}
		j := i + 2
		for j < len(s) && isVariableNameChar(s[j]) {
			j++
		}
		if j == i+2 || j >= len(s) || s[j] != '}' {
			continue
		}
		markers = append(markers, varMarker{start: i, end: j + 1, name: s[i+2 : j]})
		i = j
	}
	return markers
}

func isVariableNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-' || c == '_'
}
