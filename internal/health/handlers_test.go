package health_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/health"
)

func TestLive(t *testing.T) {
	handler := health.Handler{}
	resp := httptest.NewRecorder()
	handler.Live(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "ok", resp.Body.String())
}

func TestReadyReportsCarrierCredentials(t *testing.T) {
	handler := health.Handler{Enabled: []carrier.Carrier{carrier.FedEx, carrier.OnTrac}}

	resp := httptest.NewRecorder()
	handler.Ready(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Draining bool              `json:"draining"`
		Carriers map[string]string `json:"carriers"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.False(t, body.Draining)
	require.Equal(t, "ok", body.Carriers["fedex"])
	require.Equal(t, "ok", body.Carriers["ontrac"])
	require.Equal(t, "credentials missing", body.Carriers["ups"])
}

func TestReadyFailsWithoutAnyCarrier(t *testing.T) {
	handler := health.Handler{}
	resp := httptest.NewRecorder()
	handler.Ready(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestReadinessAfterShutdown(t *testing.T) {
	handler := health.Handler{Enabled: []carrier.Carrier{carrier.FedEx}}

	health.SetReady(true)
	resp := httptest.NewRecorder()
	handler.Ready(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	health.SetReady(false)
	resp2 := httptest.NewRecorder()
	handler.Ready(resp2, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp2.Code)

	// reset for other tests
	health.SetReady(true)
}
