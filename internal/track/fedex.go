package track

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/resilience"
)

// FedExTracker tracks shipments through the FedEx Track API. FedEx accepts
// up to 30 numbers per request, so batches are sent as native multi-number
// payloads.
type FedExTracker struct {
	base
	auth    *auth.Manager
	policy  resilience.Policy
	baseURL string
}

// NewFedExTracker builds a FedEx tracker. A missing OnUnauthorized hook is
// wired to token invalidation so an upstream 401 forces one re-acquisition.
func NewFedExTracker(opts Options) *FedExTracker {
	if opts.Policy.OnUnauthorized == nil {
		opts.Policy.OnUnauthorized = func(ctx context.Context) error {
			opts.Auth.Invalidate(carrier.FedEx)
			return nil
		}
	}
	return &FedExTracker{
		base:    newBase(carrier.FedEx, opts),
		auth:    opts.Auth,
		policy:  opts.Policy,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Carrier identifies the tracker.
func (t *FedExTracker) Carrier() carrier.Carrier { return carrier.FedEx }

// Track resolves the given numbers into normalized results.
func (t *FedExTracker) Track(ctx context.Context, numbers []string) ([]carrier.Result, error) {
	return t.run(ctx, numbers, carrier.FedEx.ChunkSize(), t.fetch)
}

type fedexTrackPayload struct {
	IncludeDetailedScans bool                `json:"includeDetailedScans"`
	TrackingInfo         []fedexTrackingInfo `json:"trackingInfo"`
}

type fedexTrackingInfo struct {
	TrackingNumberInfo fedexTrackingNumberInfo `json:"trackingNumberInfo"`
}

type fedexTrackingNumberInfo struct {
	TrackingNumber string `json:"trackingNumber"`
}

func (t *FedExTracker) fetch(ctx context.Context, chunk []string) ([]carrier.Result, error) {
	payload := fedexTrackPayload{IncludeDetailedScans: true}
	for _, number := range chunk {
		payload.TrackingInfo = append(payload.TrackingInfo, fedexTrackingInfo{
			TrackingNumberInfo: fedexTrackingNumberInfo{TrackingNumber: number},
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := t.policy.Do(ctx, string(carrier.FedEx), func(ctx context.Context) (*http.Request, error) {
		// The token is resolved per attempt so a forced refresh after an
		// upstream 401 is picked up on the retry.
		tok, err := t.auth.GetToken(ctx, carrier.FedEx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok.Bearer)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &carrier.TrackingError{
			Carrier: carrier.FedEx,
			Message: fmt.Sprintf("track request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return normalizeFedEx(raw, chunk)
}

type fedexTrackResponse struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackingNumber string             `json:"trackingNumber"`
			TrackResults   []fedexTrackResult `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

type fedexTrackResult struct {
	LatestStatusDetail struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"latestStatusDetail"`
	DeliveryDetails struct {
		DeliveryLocation            string `json:"deliveryLocation"`
		EstimatedDeliveryTimeWindow struct {
			Window struct {
				Ends string `json:"ends"`
			} `json:"window"`
		} `json:"estimatedDeliveryTimeWindow"`
	} `json:"deliveryDetails"`
	ServiceDetail struct {
		Description string `json:"description"`
	} `json:"serviceDetail"`
	PackageDetails struct {
		Weight struct {
			Value string `json:"value"`
			Unit  string `json:"unit"`
		} `json:"weight"`
	} `json:"packageDetails"`
	ScanEvents []fedexScanEvent `json:"scanEvents"`
}

type fedexScanEvent struct {
	Date             string `json:"date"`
	EventType        string `json:"eventType"`
	EventDescription string `json:"eventDescription"`
	ScanLocation     struct {
		City                string `json:"city"`
		StateOrProvinceCode string `json:"stateOrProvinceCode"`
		PostalCode          string `json:"postalCode"`
		CountryCode         string `json:"countryCode"`
	} `json:"scanLocation"`
}

// normalizeFedEx maps a FedEx track response onto the requested numbers.
// Numbers absent from the response come back as NOT_FOUND.
func normalizeFedEx(payload []byte, requested []string) ([]carrier.Result, error) {
	var decoded fedexTrackResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &carrier.TrackingError{Carrier: carrier.FedEx, Message: "malformed track response", Err: err}
	}

	byNumber := make(map[string]fedexTrackResult, len(decoded.Output.CompleteTrackResults))
	for _, entry := range decoded.Output.CompleteTrackResults {
		if len(entry.TrackResults) > 0 {
			byNumber[entry.TrackingNumber] = entry.TrackResults[0]
		}
	}

	results := make([]carrier.Result, 0, len(requested))
	for _, number := range requested {
		track, ok := byNumber[number]
		if !ok {
			results = append(results, carrier.NotFoundResult(carrier.FedEx, number, "tracking number not found"))
			continue
		}
		results = append(results, normalizeFedExResult(number, track))
	}
	return results, nil
}

func normalizeFedExResult(number string, track fedexTrackResult) carrier.Result {
	res := carrier.Result{
		TrackingNumber:   number,
		Carrier:          carrier.FedEx,
		Status:           fedexStatus(track.LatestStatusDetail.Description),
		Events:           []carrier.Event{},
		DeliveryAddress:  track.DeliveryDetails.DeliveryLocation,
		ServiceType:      track.ServiceDetail.Description,
		ReferenceNumbers: []string{},
	}
	if w := track.PackageDetails.Weight; w.Value != "" && w.Unit != "" {
		res.Weight = w.Value + " " + w.Unit
	}
	if ends := track.DeliveryDetails.EstimatedDeliveryTimeWindow.Window.Ends; ends != "" {
		if ts, err := time.Parse(time.RFC3339, ends); err == nil {
			res.EstimatedDelivery = &ts
		}
	}
	for _, scan := range track.ScanEvents {
		ts, err := time.Parse(time.RFC3339, scan.Date)
		if err != nil || scan.EventDescription == "" {
			continue
		}
		event := carrier.Event{
			Timestamp:   ts,
			StatusCode:  scan.EventType,
			Description: scan.EventDescription,
		}
		if scan.ScanLocation.City != "" || scan.ScanLocation.StateOrProvinceCode != "" {
			event.Location = &carrier.Location{
				City:       scan.ScanLocation.City,
				State:      scan.ScanLocation.StateOrProvinceCode,
				PostalCode: scan.ScanLocation.PostalCode,
				Country:    scan.ScanLocation.CountryCode,
			}
		}
		res.Events = append(res.Events, event)
	}
	sortEventsAscending(res.Events)
	res.DeliveredAt = deliveredAt(res.Status, res.Events)
	return res
}

func fedexStatus(description string) carrier.Status {
	lowered := strings.ToLower(description)
	switch {
	case strings.Contains(lowered, "delivered"):
		return carrier.StatusDelivered
	case strings.Contains(lowered, "out for delivery"):
		return carrier.StatusOutForDelivery
	case containsAny(lowered, "in transit", "departed", "arrived", "scanned"):
		return carrier.StatusInTransit
	case containsAny(lowered, "exception", "delayed", "weather", "unable"):
		return carrier.StatusException
	case lowered == "" || strings.Contains(lowered, "pending"):
		return carrier.StatusPending
	default:
		return carrier.StatusInTransit
	}
}

func containsAny(value string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(value, term) {
			return true
		}
	}
	return false
}
