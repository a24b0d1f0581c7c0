package orchestrator

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/manifold/internal/steering"
	"github.com/jmylchreest/manifold/internal/timeline"
	"github.com/jmylchreest/manifold/pkg/httpclient"
)

// LoadType classifies what a load request fetches.
type LoadType int

const (
	// LoadMain is the multivariant playlist itself.
	LoadMain LoadType = iota
	// LoadInitialVariant is a media playlist loaded during startup.
	LoadInitialVariant
	// LoadVariantUpdate is a reload of an already loaded media playlist.
	LoadVariantUpdate
	// LoadSteering is a steering manifest fetch.
	LoadSteering
)

func (t LoadType) String() string {
	switch t {
	case LoadInitialVariant:
		return "initial-variant"
	case LoadVariantUpdate:
		return "variant-update"
	case LoadSteering:
		return "steering"
	default:
		return "main"
	}
}

// StreamInfo identifies the stream a playlist load serves. It is the
// unit of denylisting and of quality fallback.
type StreamInfo struct {
	PathwayID string
	VariantID string
	Bandwidth int
	Kind      steering.StreamKind
}

// LoadResult is the outcome of one finished fetch. A transport-level
// failure carries Err and a zero status; an HTTP error carries its
// status with a nil Err.
type LoadResult struct {
	Status       int
	Header       http.Header
	Body         []byte
	EffectiveURL string
	Duration     time.Duration
	Err          error
}

// Handle tracks one in-flight fetch. No method may block; the
// orchestrator polls Finished each tick. Result is only meaningful
// after Finished reports true.
type Handle interface {
	Finished() bool
	Result() LoadResult
}

// Transport starts asynchronous GETs and must return immediately.
type Transport interface {
	StartGet(url string) Handle
}

// LoadRequest is one pending or running playlist fetch.
type LoadRequest struct {
	Type LoadType
	URL  string

	// ExecuteAt delays the start. The zero time means immediately.
	ExecuteAt time.Time
	Attempt   int

	Primary  bool
	PreStart bool
	Info     StreamInfo

	// UpdateFor is set on reloads of an already loaded playlist.
	UpdateFor *timeline.MediaPlaylistAndState

	handle   Handle
	canceled atomic.Bool
}

// Cancel marks the request as abandoned. A result that still arrives
// is dropped by the next tick.
func (r *LoadRequest) Cancel() { r.canceled.Store(true) }

// HTTPTransport runs fetches on the shared HTTP client, one goroutine
// per request, and exposes completion through an atomic flag so the
// orchestrator never blocks on it.
type HTTPTransport struct {
	client *httpclient.Client
}

// NewHTTPTransport wraps an HTTP client as a Transport.
func NewHTTPTransport(c *httpclient.Client) *HTTPTransport {
	return &HTTPTransport{client: c}
}

func (t *HTTPTransport) StartGet(url string) Handle {
	h := &httpHandle{}
	go func() {
		res, err := t.client.Fetch(context.Background(), url)
		if err != nil {
			h.result = LoadResult{Err: err}
		} else {
			h.result = LoadResult{
				Status:       res.StatusCode,
				Header:       res.Header,
				Body:         res.Body,
				EffectiveURL: res.URL,
				Duration:     res.Duration,
			}
		}
		h.done.Store(true)
	}()
	return h
}

type httpHandle struct {
	done   atomic.Bool
	result LoadResult
}

func (h *httpHandle) Finished() bool { return h.done.Load() }

func (h *httpHandle) Result() LoadResult { return h.result }
