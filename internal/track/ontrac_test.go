package track

import (
	"context"
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

const ontracDeliveredPayload = `<?xml version="1.0" encoding="utf-8"?>
<OnTracTrackingResult>
  <Shipments>
    <Shipment>
      <Delivered>true</Delivered>
      <Exp_Del_Date>2026-08-20T00:00:00</Exp_Del_Date>
      <City>Sacramento</City>
      <State>CA</State>
      <Zip>95814</Zip>
      <Service>C</Service>
      <Weight>4.5</Weight>
      <Reference>PO-12345</Reference>
      <Reference2></Reference2>
      <Events>
        <Event>
          <EventTime>2026-08-19T07:02:11.45</EventTime>
          <Status>OS</Status>
          <Description>Origin scan</Description>
          <City>Fresno</City>
          <State>CA</State>
          <Zip>93721</Zip>
        </Event>
        <Event>
          <EventTime>2026-08-20T14:53:21</EventTime>
          <Status>OK</Status>
          <Description>Delivered</Description>
          <City>Sacramento</City>
          <State>CA</State>
          <Zip>95814</Zip>
        </Event>
      </Events>
    </Shipment>
  </Shipments>
  <Error/>
</OnTracTrackingResult>`

func TestNormalizeOnTracDelivered(t *testing.T) {
	t.Parallel()

	res, err := normalizeOnTrac([]byte(ontracDeliveredPayload), "D10010000000011")
	require.NoError(t, err)

	require.Equal(t, carrier.StatusDelivered, res.Status)
	require.NotNil(t, res.DeliveredAt)
	require.Equal(t, "OnTrac Ground", res.ServiceType)
	require.Equal(t, "4.5", res.Weight)
	require.Equal(t, []string{"PO-12345"}, res.ReferenceNumbers)
	require.NotNil(t, res.EstimatedDelivery)
	require.NotNil(t, res.Destination)
	require.Equal(t, "Sacramento", res.Destination.City)
	require.Equal(t, "US", res.Destination.Country)

	require.Len(t, res.Events, 2)
	require.True(t, res.Events[0].Timestamp.Before(res.Events[1].Timestamp))
	require.Equal(t, "OS", res.Events[0].StatusCode)
	require.Equal(t, res.Events[1].Timestamp, *res.DeliveredAt)
}

func TestNormalizeOnTracAPIError(t *testing.T) {
	t.Parallel()

	payload := `<OnTracTrackingResult><Error>Invalid tracking number</Error></OnTracTrackingResult>`
	res, err := normalizeOnTrac([]byte(payload), "D10010000000011")
	require.NoError(t, err)
	require.Equal(t, carrier.StatusError, res.Status)
	require.Equal(t, "Invalid tracking number", res.ErrorMessage)
}

func TestNormalizeOnTracMalformedXML(t *testing.T) {
	t.Parallel()

	_, err := normalizeOnTrac([]byte("<unclosed"), "D10010000000011")
	var trackErr *carrier.TrackingError
	require.ErrorAs(t, err, &trackErr)
	require.Equal(t, carrier.OnTrac, trackErr.Carrier)
}

func TestOnTracStatusCodeMapping(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		code string
		want carrier.Status
	}{
		{"CL", carrier.StatusDelivered},
		{"DW", carrier.StatusDelivered},
		{"OD", carrier.StatusOutForDelivery},
		{"RS", carrier.StatusException},
		{"UM", carrier.StatusException},
		{"PU", carrier.StatusInTransit},
		{"XX", carrier.StatusLabelCreated},
		{"OE", carrier.StatusLabelCreated},
		{"ZZ", carrier.StatusUnknown},
	}
	for _, tc := range cases {
		events := []carrier.Event{{Timestamp: at, StatusCode: tc.code, Description: "status update"}}
		require.Equal(t, tc.want, ontracStatus(events), tc.code)
	}
	require.Equal(t, carrier.StatusUnknown, ontracStatus(nil))
}

func TestOnTracTrackerUsesQueryAuth(t *testing.T) {
	t.Parallel()

	var trackCalls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/V7/37/shipments", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&trackCalls, 1)
		require.Equal(t, "ontrac-password", r.URL.Query().Get("pw"))
		require.Equal(t, "track", r.URL.Query().Get("requestType"))
		require.Equal(t, "D10010000000011", r.URL.Query().Get("tn"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(ontracDeliveredPayload))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := auth.NewManager(map[carrier.Carrier]auth.Credentials{
		carrier.OnTrac: {APIKey: "ontrac-password", AccountNumber: "37", BaseURL: srv.URL},
	}, time.Minute, srv.Client(), zerolog.Nop())

	tracker := NewOnTracTracker(Options{
		Auth:    mgr,
		Policy:  resilience.Policy{Client: srv.Client(), BaseBackoff: time.Millisecond, MaxRetries: 1},
		BaseURL: srv.URL,
		Logger:  zerolog.Nop(),
	})

	results, err := tracker.Track(context.Background(), []string{"D10010000000011"})
	require.NoError(t, err)
	require.Equal(t, carrier.StatusDelivered, results[0].Status)
	require.EqualValues(t, 1, atomic.LoadInt64(&trackCalls))
}
