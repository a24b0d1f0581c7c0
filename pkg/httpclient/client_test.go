package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		client := NewWithDefaults()
		assert.NotNil(t, client)
		assert.NotNil(t, client.client)
		assert.NotNil(t, client.logger)
		assert.NotNil(t, client.stats)
	})

	t.Run("with custom config", func(t *testing.T) {
		cfg := Config{
			Timeout:         10 * time.Second,
			MaxResponseSize: 1024,
		}
		client := New(cfg)
		assert.NotNil(t, client)
		assert.Equal(t, int64(1024), client.config.MaxResponseSize)
	})

	t.Run("with custom base client", func(t *testing.T) {
		baseClient := &http.Client{Timeout: 5 * time.Second}
		cfg := DefaultConfig()
		cfg.BaseClient = baseClient
		client := New(cfg)
		assert.Equal(t, baseClient, client.client)
	})
}

func TestClient_Get(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("#EXTM3U\n"))
		}))
		defer server.Close()

		client := NewWithDefaults()
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "#EXTM3U\n", string(body))
	})

	t.Run("sets user agent header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get(HeaderUserAgent), "manifold")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.UserAgent = "manifold-test/1.0"
		client := New(cfg)

		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})

	t.Run("sets accept encoding header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acceptEncoding := r.Header.Get(HeaderAcceptEncoding)
			assert.Contains(t, acceptEncoding, "gzip")
			assert.Contains(t, acceptEncoding, "deflate")
			assert.Contains(t, acceptEncoding, "br")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewWithDefaults()
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})
}

func TestClient_NoRetries(t *testing.T) {
	// A 503 must come back as-is, exactly one request on the wire.
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWithDefaults()
	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_Decompression(t *testing.T) {
	t.Run("gzip", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gz := gzip.NewWriter(w)
			gz.Write([]byte("#EXTM3U\n#EXT-X-VERSION:6\n"))
			gz.Close()
		}))
		defer server.Close()

		client := NewWithDefaults()
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:6\n", string(body))
	})

	t.Run("brotli", func(t *testing.T) {
		var compressed bytes.Buffer
		br := brotli.NewWriter(&compressed)
		br.Write([]byte("#EXTM3U\n"))
		br.Close()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingBrotli)
			w.Write(compressed.Bytes())
		}))
		defer server.Close()

		client := NewWithDefaults()
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "#EXTM3U\n", string(body))
	})

	t.Run("disabled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get(HeaderAcceptEncoding))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("raw"))
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.EnableDecompression = false
		client := New(cfg)

		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "raw", string(body))
	})
}

func TestClient_MaxResponseSize(t *testing.T) {
	t.Run("limit exceeded", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(bytes.Repeat([]byte("x"), 2048))
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.MaxResponseSize = 1024
		client := New(cfg)

		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		_, err = io.ReadAll(resp.Body)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
	})

	t.Run("limit applied after decompression", func(t *testing.T) {
		// Small compressed payload that inflates past the cap.
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gz := gzip.NewWriter(w)
			gz.Write(bytes.Repeat([]byte("a"), 64*1024))
			gz.Close()
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.MaxResponseSize = 4096
		client := New(cfg)

		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		_, err = io.ReadAll(resp.Body)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
	})
}

func TestClient_Fetch(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("#EXTM3U\n"))
		}))
		defer server.Close()

		client := NewWithDefaults()
		result, err := client.Fetch(context.Background(), server.URL)
		require.NoError(t, err)

		assert.True(t, result.IsSuccess())
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, "#EXTM3U\n", string(result.Body))
		assert.Greater(t, result.Duration, time.Duration(0))
		assert.False(t, result.ServerDate.IsZero())
	})

	t.Run("non-2xx returned without error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		defer server.Close()

		client := NewWithDefaults()
		result, err := client.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.False(t, result.IsSuccess())
		assert.Equal(t, http.StatusGone, result.StatusCode)
	})

	t.Run("retry-after seconds", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderRetryAfter, "120")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client := NewWithDefaults()
		result, err := client.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, result.StatusCode)
		assert.Equal(t, 120*time.Second, result.RetryAfter)
	})

	t.Run("transport failure returns error", func(t *testing.T) {
		client := NewWithDefaults()
		_, err := client.Fetch(context.Background(), "http://127.0.0.1:1")
		assert.Error(t, err)
	})

	t.Run("records stats", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("data"))
		}))
		defer server.Close()

		client := NewWithDefaults()
		_, err := client.Fetch(context.Background(), server.URL)
		require.NoError(t, err)

		stats := client.Stats()
		assert.Equal(t, int64(1), stats.Requests)
		assert.Equal(t, int64(1), stats.Success2xx)
		assert.Equal(t, int64(4), stats.BytesRead)
	})
}

func TestResult_Throughput(t *testing.T) {
	result := &Result{
		Body:     bytes.Repeat([]byte("x"), 1000),
		Duration: time.Second,
	}
	assert.Equal(t, int64(8000), result.Throughput())

	empty := &Result{}
	assert.Equal(t, int64(0), empty.Throughput())
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRetryAfter(tt.value))
		})
	}

	t.Run("http date", func(t *testing.T) {
		value := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
		d := parseRetryAfter(value)
		assert.Greater(t, d, 80*time.Second)
		assert.LessOrEqual(t, d, 90*time.Second)
	})
}

func TestClockSync(t *testing.T) {
	t.Run("unsynchronised by default", func(t *testing.T) {
		clock := NewClockSync()
		assert.False(t, clock.Synchronized())
		assert.Equal(t, time.Duration(0), clock.Offset())
	})

	t.Run("observes server ahead", func(t *testing.T) {
		clock := NewClockSync()
		serverTime := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
		clock.Observe(serverTime)

		assert.True(t, clock.Synchronized())
		offset := clock.Offset()
		assert.Greater(t, offset, 8*time.Second)
		assert.Less(t, offset, 11*time.Second)
	})

	t.Run("ignores invalid dates", func(t *testing.T) {
		clock := NewClockSync()
		clock.Observe("not a date")
		clock.Observe("")
		assert.False(t, clock.Synchronized())
	})

	t.Run("smooths samples", func(t *testing.T) {
		clock := NewClockSync()
		clock.Observe(time.Now().Add(20 * time.Second).UTC().Format(http.TimeFormat))
		clock.Observe(time.Now().UTC().Format(http.TimeFormat))

		// Second sample pulls the estimate down but not all the way.
		offset := clock.Offset()
		assert.Greater(t, offset, 5*time.Second)
		assert.Less(t, offset, 19*time.Second)
	})
}
