package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Size
	}{
		{"0", 0},
		{"1024", 1024},
		{"500KB", 500 * KB},
		{"4MB", 4 * MB},
		{"16MiB", 16 * MB},
		{"1.5 GB", Size(1.5 * float64(GB))},
		{"2g", 2 * GB},
		{"1TB", TB},
		{"1pb", PB},
		{" 8 mb ", 8 * MB},
		{"123 bytes", 123},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "MB", "4XB", "-4MB", "1..5MB", "4 M B"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   Size
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{KB, "1KB"},
		{4 * MB, "4MB"},
		{Size(1.5 * float64(GB)), "1.5GB"},
		{-2 * MB, "-2MB"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Format(tc.in))
		assert.Equal(t, tc.want, tc.in.String())
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, s := range []Size{1, KB, 4 * MB, 16 * MB, 3 * GB} {
		parsed, err := Parse(Format(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
		assert.Equal(t, int64(s), s.Bytes())
		assert.Equal(t, int64(s), s.Int64())
	}
}
