package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runInspectOn(t *testing.T, target string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)
	require.NoError(t, runInspect(c, []string{target}))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestInspectMultivariantFile(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS=\"avc1.64001f,mp4a.40.2\",RESOLUTION=640x360\n" +
		"low.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS=\"avc1.640028,mp4a.40.2\",RESOLUTION=1280x720\n" +
		"high.m3u8\n"
	path := filepath.Join(t.TempDir(), "master.m3u8")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	out := runInspectOn(t, path)

	pathways, ok := out["pathways"].([]any)
	require.True(t, ok)
	require.Len(t, pathways, 1)

	// Relative variant URLs resolve against the file location.
	pw := pathways[0].(map[string]any)
	infs := pw["stream_infs"].([]any)
	require.Len(t, infs, 2)
	uri := infs[0].(map[string]any)["uri"].(string)
	assert.Contains(t, uri, "file://")
	assert.Contains(t, uri, "low.m3u8")
}

func TestInspectMediaFile(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-PLAYLIST-TYPE:VOD\n" +
		"#EXTINF:6.0,\n" +
		"a.ts\n" +
		"#EXT-X-ENDLIST\n"
	path := filepath.Join(t.TempDir(), "media.m3u8")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	out := runInspectOn(t, path)

	assert.Equal(t, true, out["has_end_list"])
	segs := out["segments"].([]any)
	require.Len(t, segs, 1)
}

func TestInspectMissingFileFails(t *testing.T) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)
	assert.Error(t, runInspect(c, []string{filepath.Join(t.TempDir(), "absent.m3u8")}))
}
