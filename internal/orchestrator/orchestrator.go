// Package orchestrator drives a playback session. It owns the
// multivariant playlist, the steering handler and the asset timeline,
// and advances all of them from a single non-blocking Tick that the
// owner calls whenever the next action time comes due.
package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/manifold/internal/config"
	"github.com/jmylchreest/manifold/internal/manifest"
	"github.com/jmylchreest/manifold/internal/observability"
	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/steering"
	"github.com/jmylchreest/manifold/internal/timeline"
)

const (
	// updateFailureHold keeps a playlist whose reload failed with a
	// retryable error off the air before it may come back.
	updateFailureHold = 20 * time.Second

	// initialFailureHold applies when a startup load ran out of
	// retries and no alternative variant exists to switch to.
	initialFailureHold = time.Minute

	// runningPoll is how soon the next tick should happen while
	// requests are in flight.
	runningPoll = 50 * time.Millisecond
)

// DenylistListener is told when a stream becomes unavailable for
// selection and when its hold-off expires. Typically implemented by
// the ABR logic sitting above the orchestrator.
type DenylistListener interface {
	StreamUnavailable(info StreamInfo)
	StreamAvailable(info StreamInfo)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDenylistListener registers the stream availability listener.
func WithDenylistListener(l DenylistListener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

// WithAssetOptions passes options through to the asset timeline.
func WithAssetOptions(opts ...timeline.AssetOption) Option {
	return func(o *Orchestrator) { o.assetOpts = append(o.assetOpts, opts...) }
}

type playlistMeta struct {
	info    StreamInfo
	primary bool
}

// Orchestrator is the per-session playlist state machine. All methods
// are non-blocking; network waits happen inside the Transport and are
// observed by polling Tick. Methods are safe for concurrent use; one
// lock serializes Tick against Close and the reporting calls.
type Orchestrator struct {
	mu        sync.Mutex
	log       *slog.Logger
	cfg       *config.Config
	transport Transport
	listener  DenylistListener
	now       func() time.Time
	assetOpts []timeline.AssetOption

	sessionID string
	steering  *steering.Handler
	asset     *timeline.Asset

	mvp *manifest.MultivariantPlaylist

	started  bool
	preStart bool

	pending []*LoadRequest
	running []*LoadRequest

	// newlyFailed holds failures not yet reported to the listener;
	// currentlyFailed the streams sitting out their hold-off. A zero
	// ExecuteAt on a failed request means it never comes back.
	newlyFailed     []*LoadRequest
	currentlyFailed []*LoadRequest

	repeatFailures    map[StreamInfo]int
	dead              map[StreamInfo]bool
	numPendingInitial int

	// meta remembers which stream a media playlist URL belongs to so
	// reload requests carry the right identity.
	meta map[string]playlistMeta

	terminalErr error
}

// New creates a session orchestrator. The transport performs the
// actual fetches; cfg supplies the retry and denylist policy.
func New(cfg *config.Config, transport Transport, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:       cfg,
		transport: transport,
		now:       time.Now,
		sessionID: ulid.Make().String(),
		meta:      make(map[string]playlistMeta),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = observability.WithSession(observability.WithComponent(logger, "orchestrator"), o.sessionID)
	o.steering = steering.NewHandler(cfg.Steering, o.log, steering.WithClock(o.now))
	o.asset = timeline.NewAsset(cfg.Playlist, o.log,
		append([]timeline.AssetOption{timeline.WithAssetClock(o.now)}, o.assetOpts...)...)
	o.repeatFailures = make(map[StreamInfo]int)
	o.dead = make(map[StreamInfo]bool)
	return o
}

// SessionID returns the unique identifier of this playback session.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Asset returns the session's timeline.
func (o *Orchestrator) Asset() *timeline.Asset { return o.asset }

// Steering returns the session's content steering handler.
func (o *Orchestrator) Steering() *steering.Handler { return o.steering }

// Multivariant returns the resolved multivariant playlist, or nil
// before the main playlist has loaded.
func (o *Orchestrator) Multivariant() *manifest.MultivariantPlaylist {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mvp
}

// Err returns the terminal session error, if any. Once set the
// orchestrator does no further work.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminalErr
}

// Start queues the main playlist load. Tick must be called afterwards
// to make progress.
func (o *Orchestrator) Start(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return playlist.NewError(playlist.FacilityTransport, playlist.CodeDownloadFailed,
			"session already started")
	}
	o.started = true
	o.log.Info("starting session", "url", url)
	o.pending = append(o.pending, &LoadRequest{Type: LoadMain, URL: url, Primary: true})
	return nil
}

// Close abandons all in-flight and scheduled loads.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

func (o *Orchestrator) closeLocked() {
	for _, r := range o.running {
		r.Cancel()
	}
	o.running = nil
	o.pending = nil
}

// ReportDownload feeds finished media download statistics into the
// steering bandwidth accounting.
func (o *Orchestrator) ReportDownload(stats steering.DownloadStats, kind steering.StreamKind, isPrimary bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steering.FinishedDownloadRequestOn(stats, kind, isPrimary)
}

// Tick performs one round of work: it handles every load that has
// finished since the last call, then schedules reloads that came due,
// starts pending loads and refreshes steering. Handling finished
// loads strictly first keeps a reload that already landed from being
// issued again.
//
// The returned time says when the next call is needed. The zero time
// means nothing is scheduled.
func (o *Orchestrator) Tick() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminalErr != nil {
		return time.Time{}
	}
	now := o.now()

	for _, req := range o.collectFinished() {
		if req.canceled.Load() {
			continue
		}
		res := req.handle.Result()
		switch req.Type {
		case LoadMain:
			o.handleMain(req, res, now)
		case LoadSteering:
			o.handleSteering(req, res)
		case LoadInitialVariant:
			o.numPendingInitial--
			o.handleVariant(req, res, now)
			if o.numPendingInitial == 0 {
				o.reportInitialFailures()
			}
		case LoadVariantUpdate:
			o.handleVariant(req, res, now)
		}
		if o.terminalErr != nil {
			return time.Time{}
		}
	}

	o.collectDueReloads(now)
	o.promoteFailed()
	o.reenableFailed(now)
	o.refreshSteering()
	o.startDue(now)

	return o.nextActionAt(now)
}

func (o *Orchestrator) collectFinished() []*LoadRequest {
	var finished []*LoadRequest
	remaining := o.running[:0]
	for _, r := range o.running {
		if r.handle.Finished() {
			finished = append(finished, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	o.running = remaining
	return finished
}

func (o *Orchestrator) startDue(now time.Time) {
	remaining := o.pending[:0]
	for _, r := range o.pending {
		if r.canceled.Load() {
			continue
		}
		if r.ExecuteAt.IsZero() || !now.Before(r.ExecuteAt) {
			r.handle = o.transport.StartGet(r.URL)
			o.running = append(o.running, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	o.pending = remaining
}

func (o *Orchestrator) nextActionAt(now time.Time) time.Time {
	var next time.Time
	earlier := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	if len(o.running) > 0 {
		earlier(now.Add(runningPoll))
	}
	for _, r := range o.pending {
		earlier(r.ExecuteAt)
	}
	for _, r := range o.currentlyFailed {
		earlier(r.ExecuteAt)
	}
	for _, st := range o.asset.Playlists() {
		if at, ok := st.NeedsReloadAt(); ok {
			earlier(at)
		}
	}
	return next
}

func (o *Orchestrator) fail(err error) {
	o.terminalErr = err
	o.log.Error("session failed", "error", err)
	o.closeLocked()
}

// retryDelay returns the backoff before attempting a failed playlist
// load again, or false when the failure is not retryable.
func (o *Orchestrator) retryDelay(res LoadResult, attempt int) (time.Duration, bool) {
	base := o.cfg.Playlist.RetryDelay
	var d time.Duration
	switch {
	case res.Err != nil && attempt < o.cfg.Playlist.RetryAttempts:
		d = base << attempt
	case res.Status >= 502 && res.Status <= 504 && attempt < 2:
		d = 2 * base << attempt
	default:
		return 0, false
	}
	if limit := o.cfg.Playlist.RetryMaxDelay; limit > 0 && d > limit {
		d = limit
	}
	return d, true
}

func loadError(req *LoadRequest, res LoadResult) error {
	if res.Err != nil {
		return playlist.NewError(playlist.FacilityTransport, playlist.CodeDownloadFailed,
			"%s playlist load failed: %v", req.Type, res.Err)
	}
	return playlist.NewError(playlist.FacilityTransport, playlist.CodeDownloadFailed,
		"%s playlist load failed with HTTP %d", req.Type, res.Status)
}

func (o *Orchestrator) handleMain(req *LoadRequest, res LoadResult, now time.Time) {
	if res.Err != nil || res.Status < 200 || res.Status >= 300 {
		if d, ok := o.retryDelay(res, req.Attempt); ok {
			o.log.Warn("retrying main playlist", "attempt", req.Attempt+1, "delay", d)
			o.pending = append(o.pending, &LoadRequest{
				Type:      LoadMain,
				URL:       req.URL,
				ExecuteAt: now.Add(d),
				Attempt:   req.Attempt + 1,
				Primary:   true,
			})
			return
		}
		o.fail(loadError(req, res))
		return
	}

	pl, err := playlist.Parse(string(res.Body), res.EffectiveURL, res.Header)
	if err != nil {
		o.fail(err)
		return
	}

	// A media playlist at the root URL is a presentation with a
	// single stream and no steering.
	if pl.Kind == playlist.KindMedia {
		o.adoptMediaOnly(pl, res, now)
		return
	}

	mvp, err := manifest.BuildMultivariant(pl, o.log)
	if err != nil {
		o.fail(err)
		return
	}
	o.mvp = mvp

	hasSteering := mvp.ContentSteering != nil && mvp.ContentSteering.ServerURI != ""
	params := steering.InitialParams{
		CustomSelection:    o.cfg.Steering.CustomInitialSelection,
		HasContentSteering: hasSteering,
	}
	if hasSteering {
		params.SteeringURI = mvp.ContentSteering.ServerURI
		params.InitialPathway = mvp.ContentSteering.InitialPathwayID
		params.DefaultCDNs = mvp.ContentSteering.InitialPathwayID
		params.QueryBeforeStart = true
	}
	if params.DefaultCDNs == "" {
		params.DefaultCDNs = joinPathwayIDs(mvp.Pathways)
	}
	if err := o.steering.InitialSetup(steering.ProtocolHLS, params); err != nil {
		o.log.Warn("content steering setup failed, continuing without", "error", err)
	}

	if o.steering.NeedToObtainNewSteeringManifestNow() {
		// The steering server wants to be asked before playback
		// starts. Pick a provisional pathway and defer the variant
		// loads until the response lands.
		o.selectPathway()
		o.preStart = true
		return
	}
	o.setupActivePlaylist()
}

func (o *Orchestrator) adoptMediaOnly(pl *playlist.Playlist, res LoadResult, now time.Time) {
	mp, err := manifest.BuildMedia(pl, nil, o.log)
	if err != nil {
		o.fail(err)
		return
	}
	st := timeline.NewMediaPlaylistAndState(res.EffectiveURL, "", o.log)
	st.SetPlaylist(mp, now)
	o.asset.UpdateWithMediaPlaylist(st, true)
	o.meta[res.EffectiveURL] = playlistMeta{primary: true}
}

// selectPathway asks the steering handler for the best pathway and
// makes it active.
func (o *Orchestrator) selectPathway() {
	if len(o.mvp.Pathways) == 0 {
		return
	}
	cands := make([]steering.Candidate, 0, len(o.mvp.Pathways))
	for _, pw := range o.mvp.Pathways {
		cands = append(cands, steering.Candidate{CDN: pw.ID})
	}
	best, err := o.steering.SelectBestCandidateFrom(cands, steering.PurposePlaylist)
	if err != nil {
		best = cands[0]
	}
	o.steering.SetCurrentlyActivePathway(best.CDN)
}

// setupActivePlaylist queues the startup media playlist loads on the
// active pathway: the lowest bandwidth video variant plus the default
// rendition of its audio group, when that rendition has its own URL.
func (o *Orchestrator) setupActivePlaylist() {
	pw := o.activePathway()
	if pw == nil {
		o.fail(playlist.NewError(playlist.FacilityBuilder, playlist.CodeUnknownGroup,
			"no usable pathway in multivariant playlist"))
		return
	}

	variant := o.startupVariant(pw)
	if variant == nil {
		o.fail(playlist.NewError(playlist.FacilityBuilder, playlist.CodeUnknownGroup,
			"pathway %q has no loadable variant", pw.ID))
		return
	}
	o.queueInitialVariant(variant)

	if variant.AudioGroup != "" {
		if grp := o.mvp.RenditionGroupByID(manifest.GroupTypeAudio, variant.AudioGroup); grp != nil {
			if r := startupRendition(grp); r != nil {
				o.queueInitialRendition(r, grp, pw.ID)
			}
		}
	}
}

func (o *Orchestrator) activePathway() *manifest.Pathway {
	id := o.steering.CurrentPathway()
	for _, pw := range o.mvp.Pathways {
		if pw.ID == id {
			return pw
		}
	}
	if len(o.mvp.Pathways) > 0 {
		return o.mvp.Pathways[0]
	}
	return nil
}

// startupVariant picks the lowest bandwidth variant that has a
// playlist URL and is not dead.
func (o *Orchestrator) startupVariant(pw *manifest.Pathway) *manifest.StreamInf {
	var best *manifest.StreamInf
	for _, si := range pw.StreamInfs {
		if si.URI == "" || o.dead[streamInfoFor(si)] {
			continue
		}
		if best == nil || si.Bandwidth < best.Bandwidth {
			best = si
		}
	}
	return best
}

func startupRendition(grp *manifest.RenditionGroup) *manifest.Rendition {
	var first *manifest.Rendition
	for i := range grp.Renditions {
		r := &grp.Renditions[i]
		if r.URI == "" {
			continue
		}
		if r.Default {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}

func streamInfoFor(si *manifest.StreamInf) StreamInfo {
	return StreamInfo{
		PathwayID: si.EffectivePathwayID(),
		VariantID: si.ID,
		Bandwidth: si.Bandwidth,
		Kind:      steering.StreamKindVideo,
	}
}

func (o *Orchestrator) queueInitialVariant(si *manifest.StreamInf) {
	info := streamInfoFor(si)
	o.meta[si.URI] = playlistMeta{info: info, primary: true}
	o.pending = append(o.pending, &LoadRequest{
		Type:    LoadInitialVariant,
		URL:     si.URI,
		Primary: true,
		Info:    info,
	})
	o.numPendingInitial++
}

func (o *Orchestrator) queueInitialRendition(r *manifest.Rendition, grp *manifest.RenditionGroup, pathwayID string) {
	info := StreamInfo{
		PathwayID: pathwayID,
		VariantID: grp.ID + "/" + r.Name,
		Kind:      steering.StreamKindAudio,
	}
	o.meta[r.URI] = playlistMeta{info: info}
	o.pending = append(o.pending, &LoadRequest{
		Type: LoadInitialVariant,
		URL:  r.URI,
		Info: info,
	})
	o.numPendingInitial++
}

func (o *Orchestrator) handleSteering(req *LoadRequest, res LoadResult) {
	if err := o.steering.UpdateWithSteeringServerResponse(res.Body, res.Status, res.Header); err != nil {
		o.log.Warn("steering manifest rejected", "error", err)
	}

	// Materialize pathway clones the steering server asked for. A
	// clone that fails only logs; the base pathways stay usable.
	if o.mvp != nil {
		for _, ce := range o.steering.CloneEntries() {
			if o.steering.HasCreatedClone(ce.ID) {
				continue
			}
			if _, err := o.mvp.MaterializePathwayClone(ce.CloneParams(), o.log); err != nil {
				o.log.Warn("pathway clone failed", "clone", ce.ID, "error", err)
				continue
			}
			o.steering.CreatedClone(ce.ID)
		}
	}

	if req.PreStart {
		o.preStart = false
		o.selectPathway()
		o.setupActivePlaylist()
		return
	}
	o.checkPathwaySwitch()
}

// checkPathwaySwitch makes the highest priority pathway that actually
// exists in the playlist the active one.
func (o *Orchestrator) checkPathwaySwitch() {
	if o.mvp == nil {
		return
	}
	for _, id := range o.steering.Priorities() {
		for _, pw := range o.mvp.Pathways {
			if pw.ID != id {
				continue
			}
			if id != o.steering.CurrentPathway() {
				o.log.Info("switching pathway", "pathway", id)
				o.steering.SetCurrentlyActivePathway(id)
			}
			return
		}
	}
}

func (o *Orchestrator) handleVariant(req *LoadRequest, res LoadResult, now time.Time) {
	if res.Err != nil || res.Status < 200 || res.Status >= 300 {
		retryable := res.Err != nil || (res.Status >= 502 && res.Status <= 504)
		o.variantFailure(req, res, retryable, now)
		return
	}

	pl, err := playlist.Parse(string(res.Body), res.EffectiveURL, res.Header)
	if err == nil && pl.Kind != playlist.KindMedia {
		err = playlist.NewError(playlist.FacilityParser, playlist.CodeMixedKinds,
			"expected a media playlist at %s", req.URL)
	}
	var mp *manifest.MediaPlaylist
	if err == nil {
		var vars *playlist.Variables
		if o.mvp != nil {
			vars = o.mvp.Variables
		}
		mp, err = manifest.BuildMedia(pl, vars, o.log)
	}
	if err != nil {
		// A playlist that fetched fine but does not parse is not
		// retried; fallback and denylist handling still apply.
		o.log.Warn("media playlist rejected", "url", req.URL, "error", err)
		o.variantFailure(req, LoadResult{Status: res.Status, Err: err}, false, now)
		return
	}

	st := req.UpdateFor
	if st == nil {
		st = o.asset.PlaylistForURL(req.URL)
	}
	if st == nil {
		st = timeline.NewMediaPlaylistAndState(req.URL, req.Info.PathwayID, o.log)
	}
	st.SetPlaylist(mp, now)
	o.asset.UpdateWithMediaPlaylist(st, req.Primary)
}

// variantFailure applies the failure policy for media playlist loads:
// startup loads switch to a lower quality when one exists, reload
// failures put the stream on the denylist, and anything retryable is
// attempted again with backoff.
func (o *Orchestrator) variantFailure(req *LoadRequest, res LoadResult, retryable bool, now time.Time) {
	if req.Type == LoadVariantUpdate {
		if retryable {
			req.ExecuteAt = now.Add(updateFailureHold)
		} else {
			req.ExecuteAt = time.Time{}
		}
		o.newlyFailed = append(o.newlyFailed, req)
		return
	}

	if alt := o.fallbackCandidate(req.Info); alt != nil {
		o.log.Warn("startup playlist failed, switching variant",
			"failed", req.Info.VariantID, "to", alt.ID, "bandwidth", alt.Bandwidth)
		req.ExecuteAt = now.Add(o.cfg.Playlist.DenylistHoldOff)
		o.currentlyFailed = append(o.currentlyFailed, req)
		o.queueInitialVariant(alt)
		return
	}

	if d, ok := o.retryDelay(res, req.Attempt); ok && retryable {
		o.log.Warn("retrying startup playlist", "url", req.URL, "attempt", req.Attempt+1, "delay", d)
		o.pending = append(o.pending, &LoadRequest{
			Type:      LoadInitialVariant,
			URL:       req.URL,
			ExecuteAt: now.Add(d),
			Attempt:   req.Attempt + 1,
			Primary:   req.Primary,
			Info:      req.Info,
		})
		o.numPendingInitial++
		return
	}

	if req.Info.Kind == steering.StreamKindVideo {
		// No alternative and no retries left ends the session.
		o.fail(loadError(req, res))
		return
	}
	req.ExecuteAt = now.Add(initialFailureHold)
	o.newlyFailed = append(o.newlyFailed, req)
}

// fallbackCandidate picks the replacement for a failed startup
// variant on the same pathway: the next lower bandwidth, or when the
// failed one was already the lowest, the smallest one above it.
func (o *Orchestrator) fallbackCandidate(failed StreamInfo) *manifest.StreamInf {
	if o.mvp == nil || failed.Kind != steering.StreamKindVideo {
		return nil
	}
	var pw *manifest.Pathway
	for _, p := range o.mvp.Pathways {
		if p.ID == failed.PathwayID {
			pw = p
			break
		}
	}
	if pw == nil {
		return nil
	}

	usable := func(si *manifest.StreamInf) bool {
		if si.URI == "" || si.ID == failed.VariantID {
			return false
		}
		info := streamInfoFor(si)
		if o.dead[info] {
			return false
		}
		for _, f := range o.currentlyFailed {
			if f.Info == info {
				return false
			}
		}
		return true
	}

	var lower, higher *manifest.StreamInf
	for _, si := range pw.StreamInfs {
		if !usable(si) {
			continue
		}
		if si.Bandwidth < failed.Bandwidth {
			if lower == nil || si.Bandwidth > lower.Bandwidth {
				lower = si
			}
		} else {
			if higher == nil || si.Bandwidth < higher.Bandwidth {
				higher = si
			}
		}
	}
	if lower != nil {
		return lower
	}
	return higher
}

// reportInitialFailures tells the listener about every stream still
// on the denylist once all startup loads have settled.
func (o *Orchestrator) reportInitialFailures() {
	if o.listener == nil {
		return
	}
	for _, r := range o.currentlyFailed {
		o.listener.StreamUnavailable(r.Info)
	}
}

// collectDueReloads walks the live playlists and queues an update for
// each one whose reload time arrived. A playlist that has reached the
// end of a stalled live stream is converted into a permanent failure
// instead.
func (o *Orchestrator) collectDueReloads(now time.Time) {
	for _, st := range o.asset.Playlists() {
		switch st.UpdateState() {
		case timeline.LiveReachedEnd:
			st.MarkStopped()
			m := o.meta[st.URL()]
			o.newlyFailed = append(o.newlyFailed, &LoadRequest{
				Type:      LoadVariantUpdate,
				URL:       st.URL(),
				Info:      m.info,
				UpdateFor: st,
			})
			continue
		case timeline.LiveStopped:
			continue
		}
		if !st.NeedsReloadNow(now) {
			continue
		}
		st.MarkReloadRequested()
		url := st.URL()
		if mp := st.Playlist(); mp != nil && mp.URL != "" {
			url = mp.URL
		}
		m := o.meta[st.URL()]
		o.pending = append(o.pending, &LoadRequest{
			Type:      LoadVariantUpdate,
			URL:       url,
			Primary:   m.primary,
			Info:      m.info,
			UpdateFor: st,
		})
	}
}

func (o *Orchestrator) promoteFailed() {
	for _, r := range o.newlyFailed {
		o.log.Warn("stream unavailable", "pathway", r.Info.PathwayID, "variant", r.Info.VariantID)
		if o.listener != nil {
			o.listener.StreamUnavailable(r.Info)
		}
		o.currentlyFailed = append(o.currentlyFailed, r)
	}
	o.newlyFailed = nil
}

// reenableFailed brings streams back once their hold-off passed. A
// stream that keeps failing is taken out of rotation for good.
func (o *Orchestrator) reenableFailed(now time.Time) {
	remaining := o.currentlyFailed[:0]
	for _, r := range o.currentlyFailed {
		if r.ExecuteAt.IsZero() || now.Before(r.ExecuteAt) {
			remaining = append(remaining, r)
			continue
		}
		count := o.repeatFailures[r.Info] + 1
		o.repeatFailures[r.Info] = count
		if count >= o.cfg.Playlist.DeadAfterFailures {
			o.dead[r.Info] = true
			o.log.Warn("stream failed repeatedly, disabling for good",
				"pathway", r.Info.PathwayID, "variant", r.Info.VariantID, "failures", count)
			continue
		}
		o.log.Info("stream available again", "pathway", r.Info.PathwayID, "variant", r.Info.VariantID)
		if o.listener != nil {
			o.listener.StreamAvailable(r.Info)
		}
		if r.UpdateFor != nil {
			r.UpdateFor.RescheduleReload(now)
		}
	}
	o.currentlyFailed = remaining
}

func (o *Orchestrator) refreshSteering() {
	if !o.steering.NeedToObtainNewSteeringManifestNow() {
		return
	}
	url, err := o.steering.SteeringRequestURL()
	if err != nil {
		o.log.Warn("steering request url", "error", err)
		return
	}
	o.steering.SetSteeringServerRequestIsPending()
	o.pending = append(o.pending, &LoadRequest{
		Type:     LoadSteering,
		URL:      url,
		PreStart: o.preStart,
	})
}

func joinPathwayIDs(pathways []*manifest.Pathway) string {
	s := ""
	for _, pw := range pathways {
		if s != "" {
			s += " "
		}
		s += pw.ID
	}
	return s
}
