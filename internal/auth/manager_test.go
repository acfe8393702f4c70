package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
)

func tokenServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-abc",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func newManager(srv *httptest.Server, buffer time.Duration) *auth.Manager {
	creds := map[carrier.Carrier]auth.Credentials{
		carrier.FedEx:  {ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL},
		carrier.DHL:    {ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL},
		carrier.OnTrac: {APIKey: "ontrac-password", AccountNumber: "37", BaseURL: srv.URL},
	}
	return auth.NewManager(creds, buffer, srv.Client(), zerolog.Nop())
}

func TestGetTokenCachesUntilExpiry(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := tokenServer(t, &calls)
	defer srv.Close()

	mgr := newManager(srv, time.Minute)
	ctx := context.Background()

	first, err := mgr.GetToken(ctx, carrier.FedEx)
	require.NoError(t, err)
	require.Equal(t, "token-abc", first.Bearer)
	require.True(t, first.ExpiresAt.After(time.Now()))

	second, err := mgr.GetToken(ctx, carrier.FedEx)
	require.NoError(t, err)
	require.Equal(t, first.Bearer, second.Bearer)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls), "cached token must not trigger a second acquisition")
}

func TestGetTokenSingleflight(t *testing.T) {
	t.Parallel()

	var calls int64
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		<-gate
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-abc",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	mgr := newManager(srv, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]auth.Token, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.GetToken(ctx, carrier.DHL)
		}(i)
	}
	// Give the goroutines time to pile up behind the in-flight acquisition.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, "token-abc", tokens[i].Bearer)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&calls), "concurrent callers must share one upstream acquisition")
}

func TestGetTokenOnTracStaticCredential(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := tokenServer(t, &calls)
	defer srv.Close()

	mgr := newManager(srv, time.Minute)
	tok, err := mgr.GetToken(context.Background(), carrier.OnTrac)
	require.NoError(t, err)
	require.Equal(t, "ontrac-password", tok.Bearer)
	require.EqualValues(t, 0, atomic.LoadInt64(&calls), "static credential must not hit the network")
}

func TestGetTokenAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	mgr := newManager(srv, time.Minute)
	_, err := mgr.GetToken(context.Background(), carrier.FedEx)
	require.Error(t, err)

	var authErr *carrier.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, carrier.FedEx, authErr.Carrier)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestGetTokenMissingCredentials(t *testing.T) {
	t.Parallel()

	mgr := auth.NewManager(nil, time.Minute, http.DefaultClient, zerolog.Nop())
	_, err := mgr.GetToken(context.Background(), carrier.UPS)

	var authErr *carrier.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, carrier.UPS, authErr.Carrier)
}

func TestInvalidateForcesReacquisition(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := tokenServer(t, &calls)
	defer srv.Close()

	mgr := newManager(srv, time.Minute)
	ctx := context.Background()

	_, err := mgr.GetToken(ctx, carrier.FedEx)
	require.NoError(t, err)
	mgr.Invalidate(carrier.FedEx)

	_, err = mgr.GetToken(ctx, carrier.FedEx)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}
