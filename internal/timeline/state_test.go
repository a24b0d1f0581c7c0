package timeline

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/manifold/internal/config"
	"github.com/jmylchreest/manifold/internal/manifest"
	"github.com/jmylchreest/manifold/internal/playlist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func buildMedia(t *testing.T, text, url string) *manifest.MediaPlaylist {
	t.Helper()
	pl, err := playlist.Parse(text, url, nil)
	require.NoError(t, err)
	mp, err := manifest.BuildMedia(pl, nil, testLogger())
	require.NoError(t, err)
	return mp
}

func testPlaylistConfig() config.PlaylistConfig {
	return config.PlaylistConfig{SegmentTryLater: 100 * time.Millisecond}
}

const liveFixture = "#EXTM3U\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	"#EXT-X-MEDIA-SEQUENCE:10\n" +
	"#EXTINF:6.0,\n" +
	"seg10.ts\n" +
	"#EXTINF:6.0,\n" +
	"seg11.ts\n" +
	"#EXTINF:5.0,\n" +
	"seg12.ts\n"

const liveFixtureAdvanced = "#EXTM3U\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	"#EXT-X-MEDIA-SEQUENCE:11\n" +
	"#EXTINF:6.0,\n" +
	"seg11.ts\n" +
	"#EXTINF:5.0,\n" +
	"seg12.ts\n" +
	"#EXTINF:4.0,\n" +
	"seg13.ts\n"

func TestSetPlaylist_VODNeedsNoReload(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-PLAYLIST-TYPE:VOD\n" +
		"#EXTINF:6.0,\n" +
		"a.ts\n" +
		"#EXT-X-ENDLIST\n"
	st := NewMediaPlaylistAndState("https://example.com/v.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	st.SetPlaylist(buildMedia(t, text, st.URL()), now)

	assert.Equal(t, PlaylistLoaded, st.State())
	_, ok := st.NeedsReloadAt()
	assert.False(t, ok)
}

func TestSetPlaylist_LiveReloadsAfterLastSegmentDuration(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), now)

	at, ok := st.NeedsReloadAt()
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Second), at)
	assert.False(t, st.NeedsReloadNow(now.Add(4*time.Second)))
	assert.True(t, st.NeedsReloadNow(now.Add(5*time.Second)))
}

func TestSetPlaylist_NewContentResetsSchedule(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), now)

	later := now.Add(5 * time.Second)
	st.SetPlaylist(buildMedia(t, liveFixtureAdvanced, st.URL()), later)

	at, ok := st.NeedsReloadAt()
	require.True(t, ok)
	assert.Equal(t, later.Add(4*time.Second), at)
	assert.Equal(t, later, st.TimeWhenLoaded())
}

func TestSetPlaylist_UnchangedTightensToHalfTarget(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), now)

	// Inside one and a half target durations of the last change the
	// unchanged reload is normal server jitter.
	later := now.Add(5 * time.Second)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), later)

	at, ok := st.NeedsReloadAt()
	require.True(t, ok)
	assert.Equal(t, later.Add(3*time.Second), at)
	assert.Equal(t, LiveUpdating, st.UpdateState())
	assert.Equal(t, now, st.TimeWhenLoaded())
}

func TestSetPlaylist_UnchangedPastDeadlineStillRetries(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), now)

	later := now.Add(12 * time.Second)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), later)

	at, ok := st.NeedsReloadAt()
	require.True(t, ok)
	assert.Equal(t, later.Add(3*time.Second), at)
	assert.Equal(t, LiveUpdating, st.UpdateState())
}

func TestSetPlaylist_GivesUpAfterThreeTargetDurations(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), now)

	later := now.Add(19 * time.Second)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), later)

	_, ok := st.NeedsReloadAt()
	assert.False(t, ok)
	assert.Equal(t, LiveNotUpdating, st.UpdateState())
}

func TestSetPlaylist_EndingPresentationStopsReloads(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.SetPlaylist(buildMedia(t, liveFixture, st.URL()), now)

	ended := liveFixture + "#EXT-X-ENDLIST\n"
	st.SetPlaylist(buildMedia(t, ended, st.URL()), now.Add(5*time.Second))

	_, ok := st.NeedsReloadAt()
	assert.False(t, ok)
}

func TestMarkInvalidRecordsError(t *testing.T) {
	st := NewMediaPlaylistAndState("https://example.com/l.m3u8", "cdn-a", testLogger())
	err := playlist.NewError(playlist.FacilityParser, playlist.CodeBadValue, "broken")
	st.MarkInvalid(err)

	assert.Equal(t, PlaylistInvalid, st.State())
	assert.Equal(t, err, st.LastError())
}
