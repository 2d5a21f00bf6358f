package httpclient

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, client *Client, rawURL string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return client.Do(req)
}

func TestNew(t *testing.T) {
	t.Run("custom config", func(t *testing.T) {
		client := New(Config{
			Timeout:          10 * time.Second,
			RetryAttempts:    5,
			CircuitThreshold: 10,
		})
		assert.Equal(t, 5, client.config.RetryAttempts)
		assert.Equal(t, 10, client.config.CircuitThreshold)
	})

	t.Run("custom base client", func(t *testing.T) {
		base := &http.Client{Timeout: 5 * time.Second}
		cfg := DefaultConfig()
		cfg.BaseClient = base
		assert.Equal(t, base, New(cfg).client)
	})
}

func TestClient_Do(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.Write([]byte(`{"status":"ok"}`))
		}))
		defer server.Close()

		resp, err := get(t, New(DefaultConfig()), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, `{"status":"ok"}`, string(body))
	})

	t.Run("sets default headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get("User-Agent"), "reencodarr")
			accept := r.Header.Get("Accept-Encoding")
			assert.Contains(t, accept, "gzip")
			assert.Contains(t, accept, "br")
		}))
		defer server.Close()

		resp, err := get(t, New(DefaultConfig()), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})

	t.Run("keeps caller headers and method", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "custom-header-value", r.Header.Get("X-Custom-Header"))
			assert.Equal(t, http.MethodPost, r.Method)
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("body"))
		require.NoError(t, err)
		req.Header.Set("X-Custom-Header", "custom-header-value")

		resp, err := New(DefaultConfig()).Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries on 503 then succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("success"))
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3
		cfg.RetryDelay = 10 * time.Millisecond

		resp, err := get(t, New(cfg), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("returns error after max retries", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 2
		cfg.RetryDelay = 10 * time.Millisecond

		_, err := get(t, New(cfg), server.URL)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "initial try plus two retries")
	})

	t.Run("does not retry on 404", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.RetryAttempts = 3

		resp, err := get(t, New(cfg), server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		require.NoError(t, err)

		_, err = New(DefaultConfig()).Do(req)
		require.Error(t, err)
	})
}

func TestClient_Decompression(t *testing.T) {
	t.Run("decompresses gzip response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "gzip")
			gw := gzip.NewWriter(w)
			gw.Write([]byte("hello compressed world"))
			gw.Close()
		}))
		defer server.Close()

		resp, err := get(t, New(DefaultConfig()), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello compressed world", string(body))
	})

	t.Run("passes plain responses through", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("plain text"))
		}))
		defer server.Close()

		resp, err := get(t, New(DefaultConfig()), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "plain text", string(body))
	})

	t.Run("close closes both decoder and body", func(t *testing.T) {
		var readerClosed, closerClosed bool
		dr := &decompressReader{
			reader: &mockReadCloser{closeFunc: func() error {
				readerClosed = true
				return nil
			}},
			closer: &mockReadCloser{closeFunc: func() error {
				closerClosed = true
				return nil
			}},
		}
		dr.Close()
		assert.True(t, readerClosed)
		assert.True(t, closerClosed)
	})
}

type mockReadCloser struct {
	closeFunc func() error
}

func (m *mockReadCloser) Read(p []byte) (int, error) { return 0, io.EOF }

func (m *mockReadCloser) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("opens after threshold failures", func(t *testing.T) {
		cb := newCircuitBreaker(3, 100*time.Millisecond, 1)

		cb.RecordFailure()
		cb.RecordFailure()
		assert.Equal(t, circuitClosed, cb.State())

		cb.RecordFailure()
		assert.Equal(t, circuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("half-open after timeout, closes on success", func(t *testing.T) {
		cb := newCircuitBreaker(1, 10*time.Millisecond, 1)

		cb.RecordFailure()
		assert.Equal(t, circuitOpen, cb.State())

		time.Sleep(20 * time.Millisecond)
		assert.True(t, cb.Allow())
		assert.Equal(t, circuitHalfOpen, cb.State())

		cb.RecordSuccess()
		assert.Equal(t, circuitClosed, cb.State())
	})

	t.Run("reopens on failure in half-open", func(t *testing.T) {
		cb := newCircuitBreaker(1, 10*time.Millisecond, 1)

		cb.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		cb.Allow()

		cb.RecordFailure()
		assert.Equal(t, circuitOpen, cb.State())
	})

	t.Run("limits probes in half-open", func(t *testing.T) {
		cb := newCircuitBreaker(1, 10*time.Millisecond, 3)

		cb.RecordFailure()
		time.Sleep(20 * time.Millisecond)

		// The transition itself counts as the first probe.
		assert.True(t, cb.Allow())
		assert.True(t, cb.Allow())
		assert.True(t, cb.Allow())
		assert.False(t, cb.Allow())
	})
}

func TestClient_CircuitOpensOnRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 3
	cfg.CircuitTimeout = 100 * time.Millisecond
	client := New(cfg)

	for i := 0; i < 5; i++ {
		get(t, client, server.URL)
	}
	assert.Equal(t, circuitOpen, client.breaker.State())

	_, err := get(t, client, server.URL)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Contains(t, err.Error(), ErrCircuitOpen.Error())
}

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "masks apikey",
			input:    "http://sonarr.local/api/v3/command?apikey=secret123",
			expected: "http://sonarr.local/api/v3/command?apikey=***",
		},
		{
			name:     "masks several params at once",
			input:    "http://example.com/api?password=p1&token=t1&key=k1",
			expected: "http://example.com/api?key=***&password=***&token=***",
		},
		{
			name:     "keeps ordinary params",
			input:    "http://example.com/api?action=get&id=123",
			expected: "http://example.com/api?action=get&id=123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			require.NoError(t, err)

			result, err := url.Parse(obfuscateURL(u))
			require.NoError(t, err)
			expected, _ := url.Parse(tt.expected)
			assert.Equal(t, expected.Host, result.Host)
			assert.Equal(t, expected.Query(), result.Query())
		})
	}

	t.Run("nil url", func(t *testing.T) {
		assert.Empty(t, obfuscateURL(nil))
	})
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		assert.True(t, isRetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{
		http.StatusOK,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusInternalServerError,
	} {
		assert.False(t, isRetryableStatus(code), "status %d", code)
	}
}
