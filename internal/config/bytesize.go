package config

import (
	"encoding/json"

	"github.com/jmylchreest/manifold/pkg/bytesize"
)

// ByteSize is a size field that accepts human-readable values in
// configuration files and environment variables: "500KB", "4MB",
// "1.5 GB", or a bare byte count. Viper picks it up through the
// TextUnmarshaller decode hook installed by Load.
type ByteSize int64

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return ByteSize(size), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON accepts either a size string or a raw byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 { return int64(b) }

// Bytes is an alias for Int64.
func (b ByteSize) Bytes() int64 { return int64(b) }

func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}
