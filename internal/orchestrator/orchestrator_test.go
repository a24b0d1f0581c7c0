package orchestrator

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/manifold/internal/config"
	"github.com/jmylchreest/manifold/internal/steering"
	"github.com/jmylchreest/manifold/internal/timeline"
)

const (
	masterURL = "https://cdn.example.com/master.m3u8"
	lowURL    = "https://cdn.example.com/low.m3u8"
	highURL   = "https://cdn.example.com/high.m3u8"
	steerURL  = "https://steer.example.com/manifest"
)

// scriptedTransport serves canned responses in FIFO order per URL. A
// URL with no scripted response yields a handle that never finishes.
type scriptedTransport struct {
	responses map[string][]LoadResult
	requests  []string
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{responses: make(map[string][]LoadResult)}
}

func (t *scriptedTransport) push(url string, res LoadResult) {
	if res.EffectiveURL == "" {
		res.EffectiveURL = url
	}
	t.responses[url] = append(t.responses[url], res)
}

func (t *scriptedTransport) pushBody(url, body string) {
	t.push(url, LoadResult{Status: 200, Body: []byte(body)})
}

func (t *scriptedTransport) count(url string) int {
	n := 0
	for _, r := range t.requests {
		if r == url {
			n++
		}
	}
	return n
}

func (t *scriptedTransport) StartGet(url string) Handle {
	t.requests = append(t.requests, url)
	rs := t.responses[url]
	if len(rs) == 0 {
		return &scriptedHandle{}
	}
	t.responses[url] = rs[1:]
	return &scriptedHandle{done: true, res: rs[0]}
}

type scriptedHandle struct {
	done bool
	res  LoadResult
}

func (h *scriptedHandle) Finished() bool { return h.done }

func (h *scriptedHandle) Result() LoadResult { return h.res }

type recordingListener struct {
	unavailable []StreamInfo
	available   []StreamInfo
}

func (l *recordingListener) StreamUnavailable(info StreamInfo) {
	l.unavailable = append(l.unavailable, info)
}

func (l *recordingListener) StreamAvailable(info StreamInfo) {
	l.available = append(l.available, info)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() *config.Config {
	return &config.Config{
		Playlist: config.PlaylistConfig{
			RetryAttempts:     3,
			RetryDelay:        500 * time.Millisecond,
			RetryMaxDelay:     4 * time.Second,
			DeadAfterFailures: 3,
			DenylistHoldOff:   10 * time.Second,
			SegmentTryLater:   100 * time.Millisecond,
		},
		Steering: config.SteeringConfig{
			DefaultTTL:          300 * time.Second,
			BandwidthWindow:     5,
			BandwidthExpiry:     time.Minute,
			BandwidthNoiseFloor: 128 * 1024,
		},
	}
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *scriptedTransport, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newScriptedTransport()
	log := slog.New(slog.DiscardHandler)
	o := New(testConfig(), tr, log, append([]Option{WithClock(clk.now)}, opts...)...)
	return o, tr, clk
}

const masterText = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS=\"avc1.64001f,mp4a.40.2\",RESOLUTION=640x360\n" +
	"low.m3u8\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS=\"avc1.640028,mp4a.40.2\",RESOLUTION=1280x720\n" +
	"high.m3u8\n"

const steeredMasterText = "#EXTM3U\n" +
	"#EXT-X-CONTENT-STEERING:SERVER-URI=\"https://steer.example.com/manifest\",PATHWAY-ID=\"A\"\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS=\"avc1.64001f,mp4a.40.2\",RESOLUTION=640x360,PATHWAY-ID=\"A\"\n" +
	"a/low.m3u8\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS=\"avc1.64001f,mp4a.40.2\",RESOLUTION=640x360,PATHWAY-ID=\"B\"\n" +
	"b/low.m3u8\n"

const liveMediaText = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	"#EXT-X-MEDIA-SEQUENCE:1\n" +
	"#EXTINF:6,\n" +
	"seg1.ts\n" +
	"#EXTINF:6,\n" +
	"seg2.ts\n"

const liveMediaAdvancedText = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	"#EXT-X-MEDIA-SEQUENCE:2\n" +
	"#EXTINF:6,\n" +
	"seg2.ts\n" +
	"#EXTINF:6,\n" +
	"seg3.ts\n"

const vodMediaText = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	"#EXT-X-PLAYLIST-TYPE:VOD\n" +
	"#EXTINF:6,\n" +
	"seg1.ts\n" +
	"#EXT-X-ENDLIST\n"

// tick runs the orchestrator until it goes idle or blocks on a
// scheduled time, at most n rounds.
func tick(o *Orchestrator, n int) {
	for i := 0; i < n; i++ {
		o.Tick()
	}
}

func TestStartupLoadsLowestBandwidthVariant(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 3)

	require.NotNil(t, o.Multivariant())
	assert.Equal(t, []string{masterURL, lowURL}, tr.requests)

	st := o.Asset().PlaylistForURL(lowURL)
	require.NotNil(t, st)
	assert.Equal(t, timeline.PlaylistLoaded, st.State())
	assert.NoError(t, o.Err())
}

func TestMediaPlaylistAtRootURL(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 2)

	assert.Nil(t, o.Multivariant())
	st := o.Asset().PlaylistForURL(masterURL)
	require.NotNil(t, st)
	assert.Equal(t, timeline.PlaylistLoaded, st.State())
}

func TestMainTransportErrorRetriesWithBackoff(t *testing.T) {
	o, tr, clk := newTestOrchestrator(t)
	tr.push(masterURL, LoadResult{Err: errors.New("connection refused")})
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, vodMediaText)

	require.NoError(t, o.Start(masterURL))
	o.Tick()
	next := o.Tick()

	// The retry is held back for the backoff delay.
	assert.Equal(t, clk.t.Add(500*time.Millisecond), next)
	assert.Equal(t, 1, tr.count(masterURL))

	clk.advance(500 * time.Millisecond)
	tick(o, 3)

	assert.Equal(t, 2, tr.count(masterURL))
	require.NotNil(t, o.Multivariant())
	assert.NoError(t, o.Err())
}

func TestMainNotFoundIsTerminal(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.push(masterURL, LoadResult{Status: 404})

	require.NoError(t, o.Start(masterURL))
	tick(o, 2)

	require.Error(t, o.Err())
	assert.Contains(t, o.Err().Error(), "HTTP 404")
}

func TestMainBadGatewayRetriesThenFails(t *testing.T) {
	o, tr, clk := newTestOrchestrator(t)
	for i := 0; i < 3; i++ {
		tr.push(masterURL, LoadResult{Status: 503})
	}

	require.NoError(t, o.Start(masterURL))
	for i := 0; i < 8; i++ {
		o.Tick()
		clk.advance(2 * time.Second)
	}

	// Attempts 0 and 1 are retried, the third failure is final.
	assert.Equal(t, 3, tr.count(masterURL))
	require.Error(t, o.Err())
}

func TestStartupFailureSwitchesToAlternativeVariant(t *testing.T) {
	listener := &recordingListener{}
	o, tr, _ := newTestOrchestrator(t, WithDenylistListener(listener))
	tr.pushBody(masterURL, masterText)
	tr.push(lowURL, LoadResult{Status: 404})
	tr.pushBody(highURL, vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 4)

	assert.Equal(t, []string{masterURL, lowURL, highURL}, tr.requests)
	require.NotNil(t, o.Asset().PlaylistForURL(highURL))
	assert.NoError(t, o.Err())

	// The failed variant is reported once all startup loads settled.
	require.Len(t, listener.unavailable, 1)
	assert.Equal(t, 1000000, listener.unavailable[0].Bandwidth)
	assert.Equal(t, steering.StreamKindVideo, listener.unavailable[0].Kind)
}

func TestStartupFailureWithoutAlternativeIsTerminal(t *testing.T) {
	single := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS=\"avc1.64001f,mp4a.40.2\",RESOLUTION=640x360\n" +
		"low.m3u8\n"
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, single)
	tr.push(lowURL, LoadResult{Status: 404})

	require.NoError(t, o.Start(masterURL))
	tick(o, 3)

	require.Error(t, o.Err())
}

func TestLiveReloadCadence(t *testing.T) {
	o, tr, clk := newTestOrchestrator(t)
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, liveMediaText)
	tr.pushBody(lowURL, liveMediaAdvancedText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 3)
	require.Equal(t, 1, tr.count(lowURL))

	// Not due before the last segment duration elapsed.
	next := o.Tick()
	assert.Equal(t, clk.t.Add(6*time.Second), next)
	assert.Equal(t, 1, tr.count(lowURL))

	clk.advance(6 * time.Second)
	o.Tick()
	assert.Equal(t, 2, tr.count(lowURL))

	// The reload that landed is not issued again.
	o.Tick()
	o.Tick()
	assert.Equal(t, 2, tr.count(lowURL))

	st := o.Asset().PlaylistForURL(lowURL)
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.Playlist().MediaSequence)
}

func TestUpdateFailureDenylistsAndRecovers(t *testing.T) {
	listener := &recordingListener{}
	o, tr, clk := newTestOrchestrator(t, WithDenylistListener(listener))
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, liveMediaText)
	tr.push(lowURL, LoadResult{Status: 503})
	tr.pushBody(lowURL, liveMediaAdvancedText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 3)

	clk.advance(6 * time.Second)
	o.Tick() // starts the reload
	o.Tick() // handles the 503, stream goes on the denylist

	require.Len(t, listener.unavailable, 1)
	assert.Empty(t, listener.available)

	// Too early, the hold-off has not expired yet.
	clk.advance(10 * time.Second)
	o.Tick()
	assert.Empty(t, listener.available)

	clk.advance(10 * time.Second)
	o.Tick()
	require.Len(t, listener.available, 1)
	assert.Equal(t, listener.unavailable[0], listener.available[0])

	// Reload resumes after recovery.
	o.Tick()
	assert.Equal(t, 3, tr.count(lowURL))
}

func TestRepeatedFailuresDisableStreamForGood(t *testing.T) {
	listener := &recordingListener{}
	o, tr, clk := newTestOrchestrator(t, WithDenylistListener(listener))
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, liveMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 3)

	for i := 0; i < 3; i++ {
		tr.push(lowURL, LoadResult{Status: 503})
		clk.advance(6 * time.Second)
		o.Tick() // starts the reload
		o.Tick() // handles the failure
		clk.advance(20 * time.Second)
		o.Tick() // hold-off expires
	}

	// Two recoveries, then the stream is out for good.
	assert.Len(t, listener.unavailable, 3)
	assert.Len(t, listener.available, 2)

	requestsSoFar := tr.count(lowURL)
	clk.advance(time.Hour)
	tick(o, 3)
	assert.Equal(t, requestsSoFar, tr.count(lowURL))
}

func TestPreStartSteeringSelectsPathway(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, steeredMasterText)
	tr.pushBody(steerURL, `{"VERSION":1,"TTL":300,"PATHWAY-PRIORITY":["B","A"]}`)
	tr.pushBody("https://cdn.example.com/b/low.m3u8", vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 4)

	// The steering server is consulted before any variant loads.
	require.GreaterOrEqual(t, len(tr.requests), 3)
	assert.Equal(t, steerURL, tr.requests[1])
	assert.Equal(t, "https://cdn.example.com/b/low.m3u8", tr.requests[2])
	assert.Equal(t, "B", o.Steering().CurrentPathway())
	assert.NoError(t, o.Err())
}

func TestSteeringFailureFallsBackToDeclaredPathway(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, steeredMasterText)
	tr.push(steerURL, LoadResult{Status: 500})
	tr.pushBody("https://cdn.example.com/a/low.m3u8", vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 4)

	assert.Equal(t, "A", o.Steering().CurrentPathway())
	require.NotNil(t, o.Asset().PlaylistForURL("https://cdn.example.com/a/low.m3u8"))
	assert.NoError(t, o.Err())
}

func TestSteeringCloneIsMaterialized(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, steeredMasterText)
	tr.pushBody(steerURL, `{"VERSION":1,"TTL":300,`+
		`"PATHWAY-PRIORITY":["A-backup","A","B"],`+
		`"PATHWAY-CLONES":[{"BASE-ID":"A","ID":"A-backup",`+
		`"URI-REPLACEMENT":{"HOST":"backup.example.com"}}]}`)
	tr.pushBody("https://backup.example.com/a/low.m3u8", vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 4)

	require.NotNil(t, o.Multivariant())
	assert.True(t, o.Steering().HasCreatedClone("A-backup"))
	assert.Equal(t, "A-backup", o.Steering().CurrentPathway())

	var ids []string
	for _, pw := range o.Multivariant().Pathways {
		ids = append(ids, pw.ID)
	}
	assert.Contains(t, ids, "A-backup")
}

func TestStalledLivePlaylistBecomesPermanentFailure(t *testing.T) {
	listener := &recordingListener{}
	o, tr, clk := newTestOrchestrator(t, WithDenylistListener(listener))
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, liveMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 3)
	st := o.Asset().PlaylistForURL(lowURL)
	require.NotNil(t, st)

	// Serve the same content until the reload logic gives up.
	for i := 0; i < 10; i++ {
		tr.pushBody(lowURL, liveMediaText)
		clk.advance(3 * time.Second)
		o.Tick()
		o.Tick()
	}
	require.Equal(t, timeline.LiveNotUpdating, st.UpdateState())

	// Asking past the end of a stalled stream marks it finished, and
	// the next tick retires the playlist for good.
	_, _, res := o.Asset().FindSegment(st, timeline.SearchBySequence(99))
	assert.Equal(t, timeline.SegPastEndOfStream, res)
	o.Tick()

	assert.Equal(t, timeline.LiveStopped, st.UpdateState())
	require.Len(t, listener.unavailable, 1)

	clk.advance(time.Hour)
	tick(o, 3)
	assert.Empty(t, listener.available)
}

func TestPeriodicSteeringRefreshCarriesReportingParams(t *testing.T) {
	o, tr, clk := newTestOrchestrator(t)
	tr.pushBody(masterURL, steeredMasterText)
	tr.pushBody(steerURL, `{"VERSION":1,"TTL":10,"PATHWAY-PRIORITY":["A","B"]}`)
	tr.pushBody("https://cdn.example.com/a/low.m3u8", vodMediaText)

	require.NoError(t, o.Start(masterURL))
	tick(o, 4)
	require.Equal(t, 1, tr.count(steerURL))

	o.ReportDownload(steering.DownloadStats{
		CDN:      "A",
		NumBytes: 4 << 20,
		Duration: 2 * time.Second,
	}, steering.StreamKindVideo, true)

	clk.advance(10 * time.Second)
	o.Tick()

	require.GreaterOrEqual(t, len(tr.requests), 4)
	refresh := tr.requests[len(tr.requests)-1]
	assert.Contains(t, refresh, "_HLS_pathway=A")
	assert.Contains(t, refresh, "_HLS_throughput=")
}

func TestStartTwiceFails(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.Start(masterURL))
	assert.Error(t, o.Start(masterURL))
}

func TestCloseCancelsOutstandingLoads(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	// No scripted response, the main load stays in flight.
	require.NoError(t, o.Start(masterURL))
	o.Tick()
	require.Equal(t, 1, len(tr.requests))

	o.Close()
	next := o.Tick()
	assert.True(t, next.IsZero())
}

// Tick, Close and the reporting calls share the session state and may
// arrive from different goroutines. Run under the race detector.
func TestConcurrentTickReportAndClose(t *testing.T) {
	o, tr, _ := newTestOrchestrator(t)
	tr.pushBody(masterURL, masterText)
	tr.pushBody(lowURL, vodMediaText)
	require.NoError(t, o.Start(masterURL))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				o.Tick()
				o.ReportDownload(steering.DownloadStats{
					CDN:      ".",
					NumBytes: 1 << 20,
					Duration: time.Second,
				}, steering.StreamKindVideo, true)
				_ = o.Err()
				_ = o.Multivariant()
			}
		}()
	}
	wg.Wait()
	o.Close()

	assert.NoError(t, o.Err())
	require.NotNil(t, o.Multivariant())
}
