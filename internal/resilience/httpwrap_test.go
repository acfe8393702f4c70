package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tracking/internal/resilience"
)

func newPolicy(client *http.Client) resilience.Policy {
	return resilience.Policy{
		Client:      client,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxRetries:  3,
	}
}

func getRequest(url string) resilience.RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDoReturnsSuccessImmediately(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	resp, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestDoRetriesRateLimitUpToCeiling(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	_, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.Error(t, err)

	var statusErr *resilience.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	// One initial attempt plus MaxRetries retries, never more.
	require.EqualValues(t, 4, atomic.LoadInt64(&calls))
}

func TestDoRateLimitWithoutRetryAfterUsesBackoffSchedule(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	start := time.Now()
	_, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.Error(t, err)
	require.EqualValues(t, 4, atomic.LoadInt64(&calls))
	// Without a Retry-After header the waits follow the capped exponential
	// schedule, not a fixed one-second pause per retry.
	require.Less(t, time.Since(start), time.Second)
}

func TestDoRateLimitCapsRetryAfterAtMaxBackoff(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	start := time.Now()
	_, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.Error(t, err)
	require.EqualValues(t, 4, atomic.LoadInt64(&calls))
	require.Less(t, time.Since(start), time.Second)
}

func TestDoRetriesServerErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	resp, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestDoDoesNotRetryPermanentClientErrors(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	resp, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestDoUnauthorizedForcesSingleRefresh(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshes int64
	policy := newPolicy(srv.Client())
	policy.OnUnauthorized = func(ctx context.Context) error {
		atomic.AddInt64(&refreshes, 1)
		return nil
	}

	resp, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Exactly one forced refresh and one retry; the second 401 falls through
	// to the plain client-error path.
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt64(&refreshes))
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestDoUnauthorizedThenSuccess(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := newPolicy(srv.Client())
	policy.OnUnauthorized = func(ctx context.Context) error { return nil }

	resp, err := policy.Do(context.Background(), "test", getRequest(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestDoHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := newPolicy(srv.Client())
	_, err := policy.Do(ctx, "test", getRequest(srv.URL))
	require.Error(t, err)
}

func TestBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 10; attempt++ {
		d := resilience.Backoff(time.Second, attempt, 0, 30*time.Second)
		require.LessOrEqual(t, d, 30*time.Second)
		require.Greater(t, d, time.Duration(0))
	}
	// Jitter must stay within the cap as well.
	for i := 0; i < 100; i++ {
		d := resilience.Backoff(time.Second, 10, 0.2, 30*time.Second)
		require.LessOrEqual(t, d, 30*time.Second)
	}
}
