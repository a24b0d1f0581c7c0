// Package httpclient provides the HTTP transport used for playlist, steering
// manifest and license fetches.
//
// The client wraps the standard http.Client and adds:
//   - Transparent decompression (gzip, deflate, brotli)
//   - Response size limits applied after decompression
//   - Per-request timing suitable for bandwidth estimation
//   - Structured logging
//
// The client never retries. Retry policy belongs to the caller, which knows
// whether a playlist source should be tried again or denylisted.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrRequestTimeout   = errors.New("request timeout")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

// Default configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultConnectTimeout       = 5 * time.Second
	DefaultNoDataTimeout        = 2 * time.Second
	DefaultMaxResponseSize      = int64(16 << 20)
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "manifold/1.0"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRetryAfter      = "Retry-After"
	HeaderDate            = "Date"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// NoDataTimeout bounds the wait for response headers after the
	// request has been written.
	NoDataTimeout time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger

	// EnableDecompression enables automatic response decompression.
	EnableDecompression bool

	// MaxResponseSize is the maximum allowed response body size in bytes.
	// This limit is applied AFTER decompression to protect against
	// compression bombs. Set to 0 to disable the limit.
	MaxResponseSize int64

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		NoDataTimeout:       DefaultNoDataTimeout,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
		MaxResponseSize:     DefaultMaxResponseSize,
	}
}

// Client is an HTTP client tuned for fetching streaming manifests.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
	stats  *Stats
	clock  *ClockSync
}

// New creates a new HTTP client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: cfg.NoDataTimeout,
			ForceAttemptHTTP2:     true,
			// Encoding negotiation is handled here, not by the
			// transport; without this the transport would inject
			// Accept-Encoding and unwrap gzip on its own even when
			// decompression is disabled.
			DisableCompression: true,
		}
		baseClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}

	return &Client{
		config: cfg,
		client: baseClient,
		logger: cfg.Logger,
		stats:  NewStats(),
		clock:  NewClockSync(),
	}
}

// NewWithDefaults creates a new client with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Result holds a fully read response together with timing information.
type Result struct {
	// StatusCode is the HTTP status code of the final response.
	StatusCode int

	// Header holds the response headers.
	Header http.Header

	// Body is the decompressed response body.
	Body []byte

	// URL is the final URL after redirects.
	URL string

	// Duration is the total request duration including the body read.
	Duration time.Duration

	// TimeToFirstByte is the time until response headers arrived.
	TimeToFirstByte time.Duration

	// ServerDate is the parsed Date response header, zero when absent.
	ServerDate time.Time

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

// IsSuccess reports whether the response carries a 2xx status.
func (r *Result) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Throughput returns the observed download rate in bits per second,
// or 0 when the sample is too small to be meaningful.
func (r *Result) Throughput() int64 {
	if r.Duration <= 0 || len(r.Body) == 0 {
		return 0
	}
	return int64(float64(len(r.Body)*8) / r.Duration.Seconds())
}

// Do executes an HTTP request, wrapping the response body with decompression
// and size limiting. The caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.stats.RecordFailure()
		c.logger.Warn("request failed",
			slog.String("url", req.URL.String()),
			slog.String("method", req.Method),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, err)
		}
		return nil, err
	}

	c.stats.RecordResponse(resp.StatusCode)
	c.clock.Observe(resp.Header.Get(HeaderDate))

	c.logger.Debug("request completed",
		slog.String("url", req.URL.String()),
		slog.String("method", req.Method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
		slog.Int64("content_length", resp.ContentLength),
	)

	if c.config.EnableDecompression {
		resp.Body = c.wrapDecompression(resp)
	}

	// The limit applies after decompression so a small compressed payload
	// cannot expand past the cap.
	if c.config.MaxResponseSize > 0 {
		resp.Body = newLimitedReader(resp.Body, c.config.MaxResponseSize)
	}

	return resp, nil
}

// Get performs a GET request to the specified URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// Fetch performs a GET request and reads the whole body, returning the
// result together with timing suitable for bandwidth estimation.
// Non-2xx responses are returned as a Result with a nil error so callers
// can inspect the status code; transport failures return an error.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	ttfb := time.Since(start)

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	if err != nil {
		c.stats.RecordFailure()
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.stats.RecordBytes(int64(len(body)))

	result := &Result{
		StatusCode:      resp.StatusCode,
		Header:          resp.Header,
		Body:            body,
		URL:             resp.Request.URL.String(),
		Duration:        duration,
		TimeToFirstByte: ttfb,
		RetryAfter:      parseRetryAfter(resp.Header.Get(HeaderRetryAfter)),
	}
	if date, err := http.ParseTime(resp.Header.Get(HeaderDate)); err == nil {
		result.ServerDate = date
	}
	return result, nil
}

// Stats returns a snapshot of the client's request counters.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Clock returns the server clock synchroniser fed by Date headers.
func (c *Client) Clock() *ClockSync {
	return c.clock
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// wrapDecompression wraps the response body with appropriate decompression.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(HeaderContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}

	case EncodingDeflate:
		reader := flate.NewReader(resp.Body)
		return &decompressReader{reader: reader, closer: resp.Body}

	case EncodingBrotli:
		reader := brotli.NewReader(resp.Body)
		return &decompressReader{reader: reader, closer: resp.Body}

	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// limitedReader wraps a reader with a maximum size limit.
// It returns ErrResponseTooLarge when the limit is exceeded.
type limitedReader struct {
	reader    io.Reader
	closer    io.Closer
	remaining int64
	exceeded  bool
}

func newLimitedReader(r io.ReadCloser, limit int64) *limitedReader {
	return &limitedReader{
		reader:    r,
		closer:    r,
		remaining: limit,
	}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrResponseTooLarge
	}

	n, err := l.reader.Read(p)
	l.remaining -= int64(n)

	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrResponseTooLarge
	}

	return n, err
}

func (l *limitedReader) Close() error {
	return l.closer.Close()
}
