// Package bytesize parses and formats human-readable byte sizes.
// All units are binary: "4MB" is 4*1024*1024 bytes, and the explicit
// IEC spellings ("4MiB") mean the same thing. A bare number is bytes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
	PB      = 1024 * TB
)

// Parse reads a size like "500KB", "1.5 GB", "16MiB" or "1024".
// Units are case-insensitive and a single-letter form is accepted.
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numPart := trimmed[:split]
	unitPart := strings.TrimSpace(trimmed[split:])

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	mult, ok := unitMultiplier(unitPart)
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", unitPart)
	}
	return Size(value * float64(mult)), nil
}

func unitMultiplier(unit string) (Size, bool) {
	switch strings.ToLower(unit) {
	case "", "b", "byte", "bytes":
		return B, true
	case "k", "kb", "kib":
		return KB, true
	case "m", "mb", "mib":
		return MB, true
	case "g", "gb", "gib":
		return GB, true
	case "t", "tb", "tib":
		return TB, true
	case "p", "pb", "pib":
		return PB, true
	}
	return 0, false
}

// Format renders the size with the largest unit that keeps the value
// at or above one, trimming insignificant decimals.
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}
	negative := s < 0
	if negative {
		s = -s
	}

	units := []struct {
		limit Size
		name  string
	}{
		{PB, "PB"}, {TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"},
	}
	out := ""
	for _, u := range units {
		if s >= u.limit {
			out = trimDecimals(float64(s)/float64(u.limit)) + u.name
			break
		}
	}
	if out == "" {
		out = fmt.Sprintf("%dB", s)
	}
	if negative {
		return "-" + out
	}
	return out
}

func trimDecimals(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	out := strconv.FormatFloat(v, 'f', 2, 64)
	out = strings.TrimRight(out, "0")
	return strings.TrimRight(out, ".")
}

// Bytes returns the size as a plain int64.
func (s Size) Bytes() int64 { return int64(s) }

// Int64 is an alias for Bytes.
func (s Size) Int64() int64 { return int64(s) }

func (s Size) String() string { return Format(s) }
