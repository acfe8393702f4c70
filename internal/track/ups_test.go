package track

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/resilience"
)

const upsDeliveredPayload = `{
  "trackResponse": {
    "shipment": [
      {
        "service": {"description": "UPS Ground"},
        "package": [
          {
            "currentStatus": {"code": "011", "description": "Delivered"},
            "deliveryDate": [{"date": "20260820"}],
            "deliveryInformation": {"location": "Front porch"},
            "packageWeight": {"weight": "3.0", "unitOfMeasurement": {"description": "LBS"}},
            "activity": [
              {
                "date": "20260820",
                "time": "091500",
                "status": {"type": "D", "description": "Delivered"},
                "location": {"address": {"city": "Seattle", "stateProvinceCode": "WA", "postalCode": "98101", "countryCode": "US"}}
              },
              {
                "date": "20260819",
                "time": "220000",
                "status": {"type": "I", "description": "Departed from facility"},
                "location": {"address": {"city": "Tacoma", "stateProvinceCode": "WA", "countryCode": "US"}}
              }
            ]
          }
        ]
      }
    ]
  }
}`

func TestNormalizeUPSDelivered(t *testing.T) {
	t.Parallel()

	res, err := normalizeUPS([]byte(upsDeliveredPayload), "1Z9999999999999999")
	require.NoError(t, err)

	require.Equal(t, carrier.StatusDelivered, res.Status)
	require.Equal(t, "UPS Ground", res.ServiceType)
	require.Equal(t, "3.0 LBS", res.Weight)
	require.Equal(t, "Front porch", res.DeliveryAddress)
	require.NotNil(t, res.EstimatedDelivery)
	require.Equal(t, 2026, res.EstimatedDelivery.Year())

	require.Len(t, res.Events, 2)
	require.True(t, res.Events[0].Timestamp.Before(res.Events[1].Timestamp))
	require.Equal(t, "Seattle", res.Events[1].Location.City)

	require.NotNil(t, res.DeliveredAt)
	require.Equal(t, res.Events[1].Timestamp, *res.DeliveredAt)
}

func TestNormalizeUPSEmptyShipmentIsNotFound(t *testing.T) {
	t.Parallel()

	res, err := normalizeUPS([]byte(`{"trackResponse":{"shipment":[]}}`), "1Z9999999999999999")
	require.NoError(t, err)
	require.Equal(t, carrier.StatusNotFound, res.Status)
}

func TestUPSStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		description string
		want        carrier.Status
	}{
		{"Delivered", carrier.StatusDelivered},
		{"Out For Delivery Today", carrier.StatusOutForDelivery},
		{"In Transit", carrier.StatusInTransit},
		{"Returned to sender", carrier.StatusException},
		{"Order Processed: Ready for UPS", carrier.StatusPending},
		{"", carrier.StatusPending},
		{"Loaded on delivery vehicle", carrier.StatusInTransit},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, upsStatus(tc.description), tc.description)
	}
}

func TestUPSTrackerFansOutSingles(t *testing.T) {
	t.Parallel()

	var trackCalls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/security/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "token-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/api/track/v1/details/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&trackCalls, 1)
		require.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("transId"))
		require.Equal(t, "backend-tracking", r.Header.Get("transactionSrc"))
		_, _ = w.Write([]byte(upsDeliveredPayload))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := auth.NewManager(map[carrier.Carrier]auth.Credentials{
		carrier.UPS: {ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL},
	}, time.Minute, srv.Client(), zerolog.Nop())

	tracker := NewUPSTracker(Options{
		Auth:    mgr,
		Policy:  resilience.Policy{Client: srv.Client(), BaseBackoff: time.Millisecond, MaxRetries: 1},
		BaseURL: srv.URL,
		Logger:  zerolog.Nop(),
	})

	numbers := []string{"1Z9999999999999999", "1Z8888888888888888"}
	results, err := tracker.Track(context.Background(), numbers)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, number := range numbers {
		require.Equal(t, number, results[i].TrackingNumber)
		require.Equal(t, carrier.StatusDelivered, results[i].Status)
	}
	require.EqualValues(t, 2, atomic.LoadInt64(&trackCalls), "no native batch endpoint, one call per number")
}

func TestUPSTrackerNotFound(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/security/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "token-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/api/track/v1/details/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"response":{"errors":[{"code":"TW0001"}]}}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := auth.NewManager(map[carrier.Carrier]auth.Credentials{
		carrier.UPS: {ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL},
	}, time.Minute, srv.Client(), zerolog.Nop())

	tracker := NewUPSTracker(Options{
		Auth:    mgr,
		Policy:  resilience.Policy{Client: srv.Client(), BaseBackoff: time.Millisecond, MaxRetries: 1},
		BaseURL: srv.URL,
		Logger:  zerolog.Nop(),
	})

	results, err := tracker.Track(context.Background(), []string{"1Z9999999999999999"})
	require.NoError(t, err)
	require.Equal(t, carrier.StatusNotFound, results[0].Status)
}
