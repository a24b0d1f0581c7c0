package playlist

import "fmt"

// Facility identifies the subsystem an error originated in.
type Facility string

const (
	FacilityParser    Facility = "parser"
	FacilityBuilder   Facility = "builder"
	FacilitySteering  Facility = "steering"
	FacilityDRM       Facility = "drm"
	FacilityTransport Facility = "transport"
)

// Error codes. Stable values, used by callers to distinguish failure classes.
const (
	CodeBadMagic          = 1
	CodeBadTag            = 2
	CodeBadAttribute      = 3
	CodeDuplicateAttr     = 4
	CodeOrphanURI         = 5
	CodeMixedKinds        = 6
	CodeBadVariable       = 7
	CodeDuplicateVariable = 8
	CodeUndefinedVariable = 9
	CodeImportScope       = 10
	CodeMissingAttr       = 11
	CodeBadValue          = 12
	CodeGroupMismatch     = 13
	CodeUnknownGroup      = 14
	CodeSteeringRejected  = 15
	CodeDRMUnsupported    = 16
	CodeDownloadFailed    = 17
)

// Error is a structured playlist processing error carrying a facility, a
// numeric code and a human-readable message. Playlist processing has no
// partial-success semantics: when an Error is returned the whole playlist
// must be discarded.
type Error struct {
	Facility Facility
	Code     int
	Message  string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s error %d at line %d: %s", e.Facility, e.Code, e.Line, e.Message)
	}
	return fmt.Sprintf("%s error %d: %s", e.Facility, e.Code, e.Message)
}

// NewError creates a new structured error.
func NewError(facility Facility, code int, format string, args ...any) *Error {
	return &Error{
		Facility: facility,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// NewErrorAt creates a new structured error tied to a source line.
func NewErrorAt(facility Facility, code, line int, format string, args ...any) *Error {
	err := NewError(facility, code, format, args...)
	err.Line = line
	return err
}
