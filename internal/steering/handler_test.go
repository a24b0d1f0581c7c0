package steering

import (
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/manifold/internal/config"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testSteeringConfig() config.SteeringConfig {
	return config.SteeringConfig{
		DefaultTTL:          300 * time.Second,
		BandwidthWindow:     5,
		BandwidthExpiry:     60 * time.Second,
		BandwidthNoiseFloor: 128 * 1024,
	}
}

func newTestHandler(t *testing.T, clock *fakeClock, protocol Protocol, params InitialParams) *Handler {
	t.Helper()
	h := NewHandler(testSteeringConfig(), slog.New(slog.DiscardHandler),
		WithClock(clock.now), WithRandSource(rand.NewSource(1)))
	require.NoError(t, h.InitialSetup(protocol, params))
	return h
}

func hlsSteeredParams() InitialParams {
	return InitialParams{
		SteeringURI:        "https://steer.example.com/manifest.json",
		DefaultCDNs:        "cdn-a, cdn-b",
		HasContentSteering: true,
	}
}

func TestHandler_PriorityFlipSchedulesNextRefresh(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	require.True(t, h.NeedToObtainNewSteeringManifestNow())
	h.SetSteeringServerRequestIsPending()
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())

	body := []byte(`{"VERSION":1,"TTL":300,"PATHWAY-PRIORITY":["cdn-b","cdn-a"]}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))

	assert.Equal(t, []string{"cdn-b", "cdn-a"}, h.Priorities())

	clock.advance(299 * time.Second)
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())
	clock.advance(1 * time.Second)
	assert.True(t, h.NeedToObtainNewSteeringManifestNow())
}

func TestHandler_RetryAfterOverridesTTL(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	body := []byte(`{"VERSION":1,"TTL":300,"PATHWAY-PRIORITY":["cdn-a"]}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))
	clock.advance(300 * time.Second)
	require.True(t, h.NeedToObtainNewSteeringManifestNow())

	headers := http.Header{}
	headers.Set("Retry-After", "120")
	require.NoError(t, h.UpdateWithSteeringServerResponse(nil, http.StatusTooManyRequests, headers))

	clock.advance(119 * time.Second)
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())
	clock.advance(1 * time.Second)
	assert.True(t, h.NeedToObtainNewSteeringManifestNow())
}

func TestHandler_RetryAfterAbsentFallsBackToLastTTL(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	body := []byte(`{"VERSION":1,"TTL":60}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))
	clock.advance(60 * time.Second)

	require.NoError(t, h.UpdateWithSteeringServerResponse(nil, http.StatusTooManyRequests, nil))
	clock.advance(59 * time.Second)
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())
	clock.advance(1 * time.Second)
	assert.True(t, h.NeedToObtainNewSteeringManifestNow())
}

func TestHandler_GoneStopsRefreshingForever(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	require.NoError(t, h.UpdateWithSteeringServerResponse(nil, http.StatusGone, nil))
	clock.advance(24 * time.Hour)
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())
}

func TestHandler_MissingTTL(t *testing.T) {
	t.Run("hls rejects", func(t *testing.T) {
		clock := newFakeClock()
		h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())
		err := h.UpdateWithSteeringServerResponse([]byte(`{"VERSION":1}`), http.StatusOK, nil)
		require.Error(t, err)
	})

	t.Run("dash defaults", func(t *testing.T) {
		clock := newFakeClock()
		h := newTestHandler(t, clock, ProtocolDASH, hlsSteeredParams())
		require.NoError(t, h.UpdateWithSteeringServerResponse([]byte(`{"VERSION":1}`), http.StatusOK, nil))
		clock.advance(299 * time.Second)
		assert.False(t, h.NeedToObtainNewSteeringManifestNow())
		clock.advance(1 * time.Second)
		assert.True(t, h.NeedToObtainNewSteeringManifestNow())
	})
}

func TestHandler_RejectsWrongVersion(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())
	err := h.UpdateWithSteeringServerResponse([]byte(`{"VERSION":2,"TTL":300}`), http.StatusOK, nil)
	require.Error(t, err)
}

func TestHandler_EmptyPriorityListKeepsOldOrder(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	require.NoError(t, h.UpdateWithSteeringServerResponse(
		[]byte(`{"VERSION":1,"TTL":300}`), http.StatusOK, nil))
	assert.Equal(t, []string{"cdn-a", "cdn-b"}, h.Priorities())
}

func TestHandler_DASHLegacyPriorityName(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolDASH, hlsSteeredParams())

	body := []byte(`{"VERSION":1,"TTL":300,"SERVICE-LOCATION-PRIORITY":["cdn-b","cdn-a"]}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))
	assert.Equal(t, []string{"cdn-b", "cdn-a"}, h.Priorities())
}

func TestHandler_ReloadURIMovesServer(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	body := []byte(`{"VERSION":1,"TTL":300,"RELOAD-URI":"next/manifest.json"}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))

	u, err := h.SteeringRequestURL()
	require.NoError(t, err)
	assert.Contains(t, u, "https://steer.example.com/next/manifest.json")
}

func TestHandler_CloneMergeSkipsMaterialized(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	h.CreatedClone("cdn-c")

	body := []byte(`{"VERSION":1,"TTL":300,"PATHWAY-CLONES":[
		{"BASE-ID":"cdn-a","ID":"cdn-c","URI-REPLACEMENT":{"HOST":"c.example.com"}},
		{"BASE-ID":"cdn-a","ID":"cdn-d","URI-REPLACEMENT":{"HOST":"d.example.com"}}]}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))

	pending := h.CloneEntries()
	require.Len(t, pending, 1)
	assert.Equal(t, "cdn-d", pending[0].ID)
	assert.Equal(t, "d.example.com", pending[0].URIReplacement.Host)

	h.CreatedClone("cdn-d")
	assert.Empty(t, h.CloneEntries())
	assert.True(t, h.HasCreatedClone("cdn-d"))
}

func TestHandler_SteeringRequestURLCarriesPathwayAndThroughput(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	// The first request carries no query parameters.
	u, err := h.SteeringRequestURL()
	require.NoError(t, err)
	assert.Equal(t, "https://steer.example.com/manifest.json", u)

	require.NoError(t, h.UpdateWithSteeringServerResponse(
		[]byte(`{"VERSION":1,"TTL":300}`), http.StatusOK, nil))
	h.SetCurrentlyActivePathway("cdn-a")
	h.FinishedDownloadRequestOn(DownloadStats{
		CDN:      "cdn-a",
		NumBytes: 1_000_000,
		Duration: time.Second,
	}, StreamKindVideo, true)

	u, err = h.SteeringRequestURL()
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "cdn-a", parsed.Query().Get("_HLS_pathway"))
	assert.Equal(t, "8000000", parsed.Query().Get("_HLS_throughput"))
}

func TestHandler_InitialSetupIsOneShot(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())
	assert.Error(t, h.InitialSetup(ProtocolHLS, hlsSteeredParams()))
}

func TestHandler_CustomSelectionDeterministicUnderSeed(t *testing.T) {
	params := InitialParams{
		DefaultCDNs:     "cdn-a, cdn-b, cdn-c",
		CustomSelection: "cdn-a=2,cdn-b=5,cdn-c=3",
	}

	pick := func(seed int64) string {
		h := NewHandler(testSteeringConfig(), slog.New(slog.DiscardHandler),
			WithRandSource(rand.NewSource(seed)))
		require.NoError(t, h.InitialSetup(ProtocolHLS, params))
		return h.Priorities()[0]
	}

	first := pick(42)
	assert.Equal(t, first, pick(42))
	assert.Contains(t, []string{"cdn-a", "cdn-b", "cdn-c"}, first)
}

func TestHandler_LockedCustomSelectionSurvivesSteering(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, InitialParams{
		SteeringURI:        "https://steer.example.com/manifest.json",
		DefaultCDNs:        "cdn-a, cdn-b",
		CustomSelection:    "cdn-b=1;locked",
		HasContentSteering: true,
	})
	require.Equal(t, "cdn-b", h.Priorities()[0])

	body := []byte(`{"VERSION":1,"TTL":300,"PATHWAY-PRIORITY":["cdn-a","cdn-b"]}`)
	require.NoError(t, h.UpdateWithSteeringServerResponse(body, http.StatusOK, nil))
	assert.Equal(t, []string{"cdn-b", "cdn-a"}, h.Priorities())
}

func TestHandler_CustomSelectionParseErrors(t *testing.T) {
	for _, spec := range []string{"cdn-a", "cdn-a=0", "cdn-a=x", ";locked", "cdn-a=1;frozen"} {
		h := NewHandler(testSteeringConfig(), slog.New(slog.DiscardHandler))
		err := h.InitialSetup(ProtocolHLS, InitialParams{CustomSelection: spec})
		assert.Error(t, err, "spec %q", spec)
	}
}

func TestHandler_NoSteeringNeverFetches(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, InitialParams{DefaultCDNs: "cdn-a"})
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())
	clock.advance(time.Hour)
	assert.False(t, h.NeedToObtainNewSteeringManifestNow())
}

func TestHandler_BandwidthOutlierClamp(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	record := func(bps int64) {
		h.FinishedDownloadRequestOn(DownloadStats{
			CDN:      "cdn-a",
			NumBytes: bps / 8,
			Duration: time.Second,
		}, StreamKindVideo, true)
	}

	record(4_000_000)
	record(5_000_000)
	// 40 Mbit/s is more than 3x the running average and must be
	// rejected once the average is above the noise floor.
	record(40_000_000)

	h.mu.Lock()
	avg := h.averageBandwidthLocked("cdn-a")
	h.mu.Unlock()
	assert.Equal(t, int64(4_500_000), avg)
}

func TestHandler_BandwidthWindowAndFiltering(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	// Non-primary and non-media downloads do not count.
	h.FinishedDownloadRequestOn(DownloadStats{CDN: "cdn-a", NumBytes: 1000, Duration: time.Second}, StreamKindVideo, false)
	h.FinishedDownloadRequestOn(DownloadStats{CDN: "cdn-a", NumBytes: 1000, Duration: time.Second}, StreamKindOther, true)

	h.mu.Lock()
	assert.Zero(t, h.averageBandwidthLocked("cdn-a"))
	h.mu.Unlock()

	for i := 0; i < 8; i++ {
		h.FinishedDownloadRequestOn(DownloadStats{
			CDN:      "cdn-a",
			NumBytes: int64(100_000 + i*100_000),
			Duration: time.Second,
		}, StreamKindAudio, true)
	}
	h.mu.Lock()
	tracker := h.bandwidth["cdn-a"]
	h.mu.Unlock()
	// Only the most recent five samples survive.
	require.Len(t, tracker.samples, 5)
}

func TestHandler_BandwidthExpiry(t *testing.T) {
	clock := newFakeClock()
	h := newTestHandler(t, clock, ProtocolHLS, hlsSteeredParams())

	h.FinishedDownloadRequestOn(DownloadStats{
		CDN:      "cdn-a",
		NumBytes: 500_000,
		Duration: time.Second,
	}, StreamKindVideo, true)

	clock.advance(2 * time.Minute)
	h.mu.Lock()
	avg := h.averageBandwidthLocked("cdn-a")
	h.mu.Unlock()
	assert.Zero(t, avg)
}
