// Package playlist lexes M3U8 playlist text into an ordered element sequence
// and resolves the {$name} variable substitution grammar.
//
// The parser is deliberately lenient toward unknown tags and strict about
// structure: any malformed line aborts the parse with a structured error and
// no partial result.
package playlist

import (
	"net/http"
	"strings"
)

// Kind classifies a parsed playlist.
type Kind int

const (
	KindUnknown Kind = iota
	KindMultivariant
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindMultivariant:
		return "multivariant"
	case KindMedia:
		return "media"
	default:
		return "unknown"
	}
}

// Playlist is the result of one parse: the ordered element sequence plus the
// request context it was fetched under.
type Playlist struct {
	Kind            Kind
	Elements        []*ParsedElement
	EffectiveURL    string
	ResponseHeaders http.Header
}

// ElementsByTag returns all elements with the given tag, in sequence order.
func (p *Playlist) ElementsByTag(tag Tag) []*ParsedElement {
	var out []*ParsedElement
	for _, e := range p.Elements {
		if e.Tag == tag {
			out = append(out, e)
		}
	}
	return out
}

// FirstElement returns the first element with the given tag, or nil.
func (p *Playlist) FirstElement(tag Tag) *ParsedElement {
	for _, e := range p.Elements {
		if e.Tag == tag {
			return e
		}
	}
	return nil
}

// Parse lexes playlist text into an element sequence. The effective URL is
// the post-redirect URL the text was fetched from; it seeds QUERYPARAM
// variable resolution and relative URL resolution downstream.
func Parse(text, effectiveURL string, responseHeaders http.Header) (*Playlist, error) {
	text = strings.TrimPrefix(text, "\uFEFF")

	p := &Playlist{
		EffectiveURL:    effectiveURL,
		ResponseHeaders: responseHeaders,
	}

	// Indexes into p.Elements of tags still waiting for their URI line,
	// most recent last.
	var pendingURI []int
	// First tag seen of each exclusive scope, for error reporting.
	var firstMultivariant, firstMedia Tag

	sawMagic := false
	lineNo := 0
	for line := range strings.Lines(text) {
		lineNo++
		line = strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(line)

		if !sawMagic {
			if trimmed != string(TagExtM3U) {
				return nil, NewErrorAt(FacilityParser, CodeBadMagic, lineNo,
					"playlist does not start with %s", TagExtM3U)
			}
			sawMagic = true
			continue
		}

		if trimmed == "" {
			continue
		}

		if !strings.HasPrefix(trimmed, "#") {
			// URI line. Attach to the most recent pending element,
			// relocating it to the end of the sequence so "last tag
			// before URI wins" holds regardless of intervening tags.
			if len(pendingURI) == 0 {
				return nil, NewErrorAt(FacilityParser, CodeOrphanURI, lineNo,
					"URI line %q has no preceding tag that expects one", trimmed)
			}
			idx := pendingURI[len(pendingURI)-1]
			pendingURI = pendingURI[:len(pendingURI)-1]

			elem := p.Elements[idx]
			if idx != len(p.Elements)-1 {
				p.Elements = append(p.Elements[:idx], p.Elements[idx+1:]...)
				p.Elements = append(p.Elements, elem)
				// Earlier pending entries keep their positions.
				for i, pi := range pendingURI {
					if pi > idx {
						pendingURI[i] = pi - 1
					}
				}
			}
			elem.URI = AttributeValue{Value: trimmed, markers: scanMarkers(trimmed)}
			elem.HasURI = true
			continue
		}

		if !strings.HasPrefix(trimmed, "#EXT") {
			// Comment.
			continue
		}

		tagName, rest, _ := strings.Cut(trimmed, ":")
		tag := Tag(tagName)
		info, known := knownTags[tag]
		if !known {
			continue
		}

		if tag == TagExtM3U {
			// Repeated magic line, tolerated.
			continue
		}

		switch info.scope {
		case scopeMultivariant:
			if firstMultivariant == "" {
				firstMultivariant = tag
			}
		case scopeMedia:
			if firstMedia == "" {
				firstMedia = tag
			}
		}
		if firstMultivariant != "" && firstMedia != "" {
			return nil, NewErrorAt(FacilityParser, CodeMixedKinds, lineNo,
				"playlist mixes multivariant tag %s with media tag %s",
				firstMultivariant, firstMedia)
		}

		elem := &ParsedElement{Tag: tag, Line: lineNo}
		switch info.value {
		case valueRaw:
			elem.Value = AttributeValue{Value: rest, markers: scanMarkers(rest)}
		case valueAttrList:
			if err := parseAttributeList(rest, elem, lineNo); err != nil {
				return nil, err
			}
		}

		p.Elements = append(p.Elements, elem)
		if info.expectsURI {
			pendingURI = append(pendingURI, len(p.Elements)-1)
		}
	}

	if !sawMagic {
		return nil, NewError(FacilityParser, CodeBadMagic, "empty playlist")
	}

	switch {
	case firstMultivariant != "":
		p.Kind = KindMultivariant
	case firstMedia != "":
		p.Kind = KindMedia
	}

	return p, nil
}

// parseAttributeList lexes "NAME=value,NAME="quoted value",..." into the
// element's attribute list. Values are either bare tokens terminated by a
// comma or whitespace, or double-quoted strings terminated by an unescaped
// quote.
func parseAttributeList(s string, elem *ParsedElement, lineNo int) error {
	i := 0
	for i < len(s) {
		// Skip separators.
		for i < len(s) && (s[i] == ',' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return NewErrorAt(FacilityParser, CodeBadAttribute, lineNo,
				"malformed attribute list near %q", s[i:])
		}
		name := strings.TrimSpace(s[i : i+eq])
		if name == "" {
			return NewErrorAt(FacilityParser, CodeBadAttribute, lineNo,
				"attribute with empty name")
		}
		i += eq + 1

		var value string
		var quoted bool
		if i < len(s) && s[i] == '"' {
			quoted = true
			i++
			start := i
			closed := false
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					i += 2
					continue
				}
				if s[i] == '"' {
					closed = true
					break
				}
				i++
			}
			if !closed {
				return NewErrorAt(FacilityParser, CodeBadAttribute, lineNo,
					"unterminated quoted value for attribute %s", name)
			}
			value = s[start:i]
			i++
		} else {
			start := i
			for i < len(s) && s[i] != ',' && s[i] != ' ' && s[i] != '\t' {
				i++
			}
			value = s[start:i]
		}

		if elem.Attr(name) != nil {
			return NewErrorAt(FacilityParser, CodeDuplicateAttr, lineNo,
				"duplicate attribute %s on %s", name, elem.Tag)
		}
		elem.Attributes = append(elem.Attributes, Attribute{
			Name: name,
			AttributeValue: AttributeValue{
				Value:   value,
				Quoted:  quoted,
				markers: scanMarkers(value),
			},
		})
	}
	return nil
}
