package steering

import (
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jmylchreest/manifold/internal/config"
	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/urlutil"
)

// Protocol selects the steering dialect in use for the session.
type Protocol int

const (
	ProtocolHLS Protocol = iota
	ProtocolDASH
)

func (p Protocol) String() string {
	if p == ProtocolDASH {
		return "dash"
	}
	return "hls"
}

// Purpose distinguishes what a candidate selection is for. The DVB
// scheme tracks its sticky choice per purpose.
type Purpose int

const (
	PurposePlaylist Purpose = iota
	PurposeSegment
	numPurposes
)

func (p Purpose) String() string {
	if p == PurposeSegment {
		return "segment"
	}
	return "playlist"
}

// Candidate is one CDN alternative offered to SelectBestCandidateFrom.
// Priority and Weight are only meaningful in DVB mode.
type Candidate struct {
	CDN      string
	URL      string
	Priority int
	Weight   int
}

// DownloadStats describes one finished media download for bandwidth
// accounting.
type DownloadStats struct {
	CDN      string
	NumBytes int64
	Duration time.Duration
}

// StreamKind classifies the elementary stream a download belonged to.
type StreamKind int

const (
	StreamKindVideo StreamKind = iota
	StreamKindAudio
	StreamKindOther
)

// InitialParams configures the handler once at session start.
type InitialParams struct {
	// SteeringURI is the steering server URL from the playlist, empty
	// when the presentation declares no content steering.
	SteeringURI string

	// InitialPathway is the playlist's preferred initial PATHWAY-ID.
	InitialPathway string

	// DefaultCDNs is the comma or whitespace separated list of CDNs
	// known before the first steering response.
	DefaultCDNs string

	// CustomSelection optionally overrides the first CDN choice with a
	// weighted random draw, "cdn=weight[,cdn=weight...][;locked]".
	// A locked winner keeps the head position across steering updates.
	CustomSelection string

	// QueryBeforeStart requests one steering fetch before playback
	// start when content steering is declared.
	QueryBeforeStart bool

	HasContentSteering bool
}

// Handler is the per-session content steering state machine. All
// methods are safe for concurrent use; the handler owns its lock and
// never blocks.
type Handler struct {
	mu  sync.Mutex
	log *slog.Logger
	cfg config.SteeringConfig
	now func() time.Time
	rng *rand.Rand

	initialized bool
	protocol    Protocol
	hasSteering bool
	strategy    selectionStrategy

	serverURL        string
	queryBeforeStart bool
	requestPending   bool
	stopped          bool
	nextUpdate       time.Time
	lastTTL          time.Duration

	// updateCount increments once per successfully applied steering
	// manifest; the DASH give-up rule compares against it.
	updateCount      int64
	fallbackAtUpdate int64

	priorities []string
	lockedCDN  string

	activePathway string

	cloneEntries []PathwayClone
	created      map[string]bool

	penalties map[string]time.Time
	bandwidth map[string]*bandwidthTracker

	lastChoice [numPurposes]string
}

// Option customizes handler construction.
type Option func(*Handler)

// WithClock replaces the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithRandSource seeds the random source used for weighted selection.
func WithRandSource(src rand.Source) Option {
	return func(h *Handler) { h.rng = rand.New(src) }
}

// NewHandler creates an unconfigured handler; InitialSetup must be
// called before any other method.
func NewHandler(cfg config.SteeringConfig, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		log:              logger,
		cfg:              cfg,
		now:              time.Now,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		fallbackAtUpdate: -1,
		created:          make(map[string]bool),
		penalties:        make(map[string]time.Time),
		bandwidth:        make(map[string]*bandwidthTracker),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitialSetup primes the handler for one playback session. One-shot;
// calling it twice is an error.
func (h *Handler) InitialSetup(protocol Protocol, p InitialParams) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		return playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
			"initial setup already performed")
	}
	h.initialized = true
	h.protocol = protocol
	h.hasSteering = p.HasContentSteering
	h.serverURL = p.SteeringURI
	h.queryBeforeStart = p.QueryBeforeStart

	h.priorities = splitCDNList(p.DefaultCDNs)
	if p.InitialPathway != "" {
		h.promoteToHead(p.InitialPathway)
		h.activePathway = p.InitialPathway
	}

	if p.CustomSelection != "" {
		choices, locked, err := parseCustomSelection(p.CustomSelection)
		if err != nil {
			return err
		}
		winner := choices[weightedPick(h.rng, len(choices), func(i int) int { return choices[i].weight })].cdn
		h.promoteToHead(winner)
		h.activePathway = winner
		if locked {
			h.lockedCDN = winner
		}
		h.log.Info("custom first CDN selection applied",
			slog.String("cdn", winner), slog.Bool("locked", locked))
	}

	switch {
	case protocol == ProtocolHLS:
		h.strategy = hlsStrategy{}
	case h.hasSteering:
		h.strategy = dashSteeredStrategy{}
	default:
		h.strategy = dvbStrategy{}
	}

	if h.hasSteering && h.serverURL != "" {
		h.nextUpdate = h.now()
	} else {
		h.stopped = true
	}
	return nil
}

// NeedToObtainNewSteeringManifestNow reports whether a steering fetch
// is due and none is in flight.
func (h *Handler) NeedToObtainNewSteeringManifestNow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasSteering && !h.stopped && !h.requestPending &&
		h.serverURL != "" && !h.now().Before(h.nextUpdate)
}

// SetSteeringServerRequestIsPending marks a fetch as in flight. The
// caller must deliver the outcome via UpdateWithSteeringServerResponse.
func (h *Handler) SetSteeringServerRequestIsPending() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requestPending = true
}

// SteeringRequestURL returns the URL for the next steering fetch. After
// the first applied response it carries the pathway and throughput
// query parameters.
func (h *Handler) SteeringRequestURL() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.serverURL == "" {
		return "", playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
			"no steering server URL")
	}
	if h.updateCount == 0 {
		return h.serverURL, nil
	}

	q := url.Values{}
	switch h.protocol {
	case ProtocolHLS:
		if h.activePathway != "" {
			q.Set("_HLS_pathway", h.activePathway)
		}
		if bps := h.averageBandwidthLocked(h.activePathway); bps > 0 {
			q.Set("_HLS_throughput", strconv.FormatInt(bps, 10))
		}
	case ProtocolDASH:
		cdns, throughputs := h.observedCDNsLocked()
		if len(cdns) > 0 {
			q.Set("_DASH_pathway", strings.Join(cdns, ","))
			q.Set("_DASH_throughput", strings.Join(throughputs, ","))
		}
	}
	return urlutil.MergeQuery(h.serverURL, q)
}

// UpdateWithSteeringServerResponse applies the outcome of a steering
// fetch and schedules the next one. Transport-level failures are passed
// in as their HTTP status; a zero status means the request never got a
// response.
func (h *Handler) UpdateWithSteeringServerResponse(body []byte, httpStatus int, headers http.Header) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requestPending = false
	now := h.now()

	defaultTTL := h.cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	fallbackTTL := h.lastTTL
	if fallbackTTL <= 0 {
		fallbackTTL = defaultTTL
	}

	switch {
	case httpStatus == http.StatusOK:
		m, err := ParseManifest(body)
		if err != nil {
			h.nextUpdate = now.Add(fallbackTTL)
			return err
		}
		return h.applyManifestLocked(m, now, defaultTTL, fallbackTTL)

	case httpStatus == http.StatusGone:
		// The server asked us to never come back.
		h.stopped = true
		h.log.Info("steering server gone, refreshing stopped")
		return nil

	case httpStatus == http.StatusTooManyRequests:
		d := retryAfter(headers)
		if d <= 0 {
			d = fallbackTTL
		}
		h.nextUpdate = now.Add(d)
		return nil

	default:
		h.nextUpdate = now.Add(fallbackTTL)
		return nil
	}
}

func (h *Handler) applyManifestLocked(m *Manifest, now time.Time, defaultTTL, fallbackTTL time.Duration) error {
	ttl := time.Duration(m.TTL * float64(time.Second))
	if ttl <= 0 {
		if h.protocol == ProtocolHLS {
			h.nextUpdate = now.Add(fallbackTTL)
			return playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
				"steering manifest has no TTL")
		}
		h.log.Warn("steering manifest omits TTL, using default",
			slog.Duration("ttl", defaultTTL))
		ttl = defaultTTL
	}
	h.lastTTL = ttl
	h.updateCount++

	if m.ReloadURI != "" {
		if resolved, err := urlutil.Resolve(h.serverURL, m.ReloadURI); err == nil {
			h.serverURL = resolved
		} else {
			h.log.Warn("ignoring invalid RELOAD-URI", slog.String("uri", m.ReloadURI))
		}
	}

	prio := m.PathwayPriority
	if len(prio) == 0 && h.protocol == ProtocolDASH {
		prio = m.ServiceLocationPriority
	}
	// An empty priority list keeps the previous order.
	if len(prio) > 0 {
		h.priorities = append([]string(nil), prio...)
		if h.lockedCDN != "" {
			h.promoteToHead(h.lockedCDN)
		}
	}

	for _, c := range m.PathwayClones {
		if h.created[c.ID] {
			continue
		}
		replaced := false
		for i := range h.cloneEntries {
			if h.cloneEntries[i].ID == c.ID {
				h.cloneEntries[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			h.cloneEntries = append(h.cloneEntries, c)
		}
	}

	h.nextUpdate = now.Add(ttl)
	h.log.Debug("steering manifest applied",
		slog.Any("priorities", h.priorities),
		slog.Duration("ttl", ttl))
	return nil
}

// CloneEntries returns the pathway clones that still await
// materialization.
func (h *Handler) CloneEntries() []PathwayClone {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pending []PathwayClone
	for _, c := range h.cloneEntries {
		if !h.created[c.ID] {
			pending = append(pending, c)
		}
	}
	return pending
}

// CreatedClone records that a clone has been materialized so it is
// never applied twice.
func (h *Handler) CreatedClone(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created[id] = true
}

// HasCreatedClone reports whether a clone id was already materialized.
func (h *Handler) HasCreatedClone(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created[id]
}

// SetCurrentlyActivePathway records the pathway playback currently
// uses, reported back to the steering server.
func (h *Handler) SetCurrentlyActivePathway(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activePathway = id
}

// CurrentPathway returns the pathway playback currently uses.
func (h *Handler) CurrentPathway() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activePathway
}

// Priorities returns the current CDN priority order.
func (h *Handler) Priorities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.priorities...)
}

// SelectBestCandidateFrom picks the candidate to fetch from, per the
// session's steering dialect.
func (h *Handler) SelectBestCandidateFrom(candidates []Candidate, purpose Purpose) (Candidate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.strategy == nil {
		return Candidate{}, playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
			"steering handler not initialized")
	}
	if len(candidates) == 0 {
		return Candidate{}, playlist.NewError(playlist.FacilitySteering, playlist.CodeSteeringRejected,
			"no %s candidates offered", purpose)
	}
	augmented := h.strategy.buildAugmentedCandidates(h, candidates)
	return h.strategy.selectCandidate(h, augmented, purpose)
}

// PenalizeCDN excludes a CDN from candidate selection for the given
// duration. A non-positive duration lifts the penalty.
func (h *Handler) PenalizeCDN(cdn string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d <= 0 {
		delete(h.penalties, cdn)
		return
	}
	h.penalties[cdn] = h.now().Add(d)
}

// FinishedDownloadRequestOn records a finished media download. Only
// primary video and audio downloads feed the per-CDN bandwidth
// average.
func (h *Handler) FinishedDownloadRequestOn(stats DownloadStats, kind StreamKind, isPrimary bool) {
	if !isPrimary || (kind != StreamKindVideo && kind != StreamKindAudio) {
		return
	}
	if stats.CDN == "" || stats.NumBytes <= 0 || stats.Duration <= 0 {
		return
	}
	bps := int64(float64(stats.NumBytes*8) / stats.Duration.Seconds())

	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordBandwidthLocked(stats.CDN, bps)
}

func (h *Handler) isPenalizedLocked(cdn string) bool {
	until, ok := h.penalties[cdn]
	if !ok {
		return false
	}
	if h.now().Before(until) {
		return true
	}
	delete(h.penalties, cdn)
	return false
}

func (h *Handler) promoteToHead(cdn string) {
	for i, c := range h.priorities {
		if c == cdn {
			h.priorities = append(h.priorities[:i], h.priorities[i+1:]...)
			break
		}
	}
	h.priorities = append([]string{cdn}, h.priorities...)
}

// splitCDNList splits a comma or whitespace separated CDN list.
func splitCDNList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

type cdnWeight struct {
	cdn    string
	weight int
}

// parseCustomSelection parses "cdn=weight[,cdn=weight...][;locked]".
func parseCustomSelection(s string) ([]cdnWeight, bool, error) {
	spec := s
	locked := false
	if idx := strings.IndexByte(spec, ';'); idx >= 0 {
		flag := strings.TrimSpace(spec[idx+1:])
		if flag != "" && !strings.EqualFold(flag, "locked") {
			return nil, false, playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
				"unknown CDN selection flag %q", flag)
		}
		locked = strings.EqualFold(flag, "locked")
		spec = spec[:idx]
	}

	var choices []cdnWeight
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, weightText, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, false, playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
				"CDN selection entry %q is not cdn=weight", entry)
		}
		weight, err := strconv.Atoi(strings.TrimSpace(weightText))
		if err != nil || weight <= 0 {
			return nil, false, playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
				"CDN selection entry %q has an invalid weight", entry)
		}
		choices = append(choices, cdnWeight{cdn: strings.TrimSpace(name), weight: weight})
	}
	if len(choices) == 0 {
		return nil, false, playlist.NewError(playlist.FacilitySteering, playlist.CodeBadValue,
			"CDN selection %q contains no entries", s)
	}
	return choices, locked, nil
}

// weightedPick draws an index with probability weight(i) over the sum
// of all weights. Non-positive weights count as one.
func weightedPick(rng *rand.Rand, n int, weight func(int) int) int {
	total := 0
	for i := 0; i < n; i++ {
		w := weight(i)
		if w <= 0 {
			w = 1
		}
		total += w
	}
	draw := rng.Intn(total)
	for i := 0; i < n; i++ {
		w := weight(i)
		if w <= 0 {
			w = 1
		}
		if draw < w {
			return i
		}
		draw -= w
	}
	return n - 1
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	v := strings.TrimSpace(headers.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
