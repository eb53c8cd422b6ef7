package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/circuit-geo/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		HostRate:  rate.Inf,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte("hello world")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().Get(context.Background(), srv.URL+"/data")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPostForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		vals, err := url.ParseQuery(string(body))
		assert.NoError(t, err)
		w.Write([]byte(vals.Get("data"))) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().PostForm(context.Background(), srv.URL, url.Values{"data": {"[out:json];"}})
	require.NoError(t, err)
	assert.Equal(t, "[out:json];", string(data))
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("success")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().Get(context.Background(), srv.URL+"/retry")
	require.NoError(t, err)
	assert.Equal(t, "success", string(data))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL+"/fail")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), attempts.Load())
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestRateLimited429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{HostRate: 100, Retry: resilience.NoRetry()})
	_, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	assert.Less(t, float64(f.LimiterFor(srv.URL).Limit()), 100.0)
}

func TestRateLimiting(t *testing.T) {
	var reqTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reqTimes = append(reqTimes, time.Now())
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{HostRate: 2, Retry: resilience.NoRetry()})

	ctx := context.Background()
	for range 3 {
		_, err := f.Get(ctx, srv.URL+"/limited")
		require.NoError(t, err)
	}

	// With 2 req/s and burst=1, 3 requests take at least ~1s.
	require.Len(t, reqTimes, 3)
	assert.GreaterOrEqual(t, reqTimes[2].Sub(reqTimes[0]).Milliseconds(), int64(500))
}

func TestAdaptiveLimiter(t *testing.T) {
	lim := NewAdaptiveLimiter(4, 1)
	lim.OnRateLimit("example.org")
	assert.InDelta(t, 2.0, float64(lim.Limit()), 0.001)
	lim.OnRateLimit("example.org")
	lim.OnRateLimit("example.org")
	assert.InDelta(t, 1.0, float64(lim.Limit()), 0.001, "rate floors at a quarter")

	for range 20 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 4.0, float64(lim.Limit()), 0.001, "rate never exceeds the initial rate")
}

func TestContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("late")) //nolint:errcheck
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher().Get(ctx, srv.URL)
	require.Error(t, err)
}
