package track

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/resilience"
)

// DHLTracker tracks shipments through the DHL eCommerce Tracking API. DHL
// accepts up to 10 comma-separated numbers per request.
type DHLTracker struct {
	base
	auth    *auth.Manager
	policy  resilience.Policy
	baseURL string
}

// NewDHLTracker builds a DHL tracker.
func NewDHLTracker(opts Options) *DHLTracker {
	if opts.Policy.OnUnauthorized == nil {
		opts.Policy.OnUnauthorized = func(ctx context.Context) error {
			opts.Auth.Invalidate(carrier.DHL)
			return nil
		}
	}
	return &DHLTracker{
		base:    newBase(carrier.DHL, opts),
		auth:    opts.Auth,
		policy:  opts.Policy,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Carrier identifies the tracker.
func (t *DHLTracker) Carrier() carrier.Carrier { return carrier.DHL }

// Track resolves the given numbers into normalized results.
func (t *DHLTracker) Track(ctx context.Context, numbers []string) ([]carrier.Result, error) {
	return t.run(ctx, numbers, carrier.DHL.ChunkSize(), t.fetch)
}

func (t *DHLTracker) fetch(ctx context.Context, chunk []string) ([]carrier.Result, error) {
	query := url.Values{}
	query.Set("trackingId", strings.Join(chunk, ","))
	query.Set("limit", strconv.Itoa(len(chunk)))
	endpoint := t.baseURL + "/tracking/v4/package/open?" + query.Encode()

	resp, err := t.policy.Do(ctx, string(carrier.DHL), func(ctx context.Context) (*http.Request, error) {
		tok, err := t.auth.GetToken(ctx, carrier.DHL)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok.Bearer)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		results := make([]carrier.Result, 0, len(chunk))
		for _, number := range chunk {
			results = append(results, carrier.NotFoundResult(carrier.DHL, number, "tracking number not found"))
		}
		return results, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &carrier.TrackingError{
			Carrier: carrier.DHL,
			Message: fmt.Sprintf("track request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return normalizeDHL(raw, chunk)
}

type dhlTrackResponse struct {
	Packages []dhlPackageEntry `json:"packages"`
}

type dhlPackageEntry struct {
	Package struct {
		TrackingID       string `json:"trackingId"`
		ExpectedDelivery string `json:"expectedDelivery"`
		ProductName      string `json:"productName"`
		Weight           struct {
			Value         json.Number `json:"value"`
			UnitOfMeasure string      `json:"unitOfMeasure"`
		} `json:"weight"`
	} `json:"package"`
	Recipient struct {
		City       string `json:"city"`
		State      string `json:"state"`
		PostalCode string `json:"postalCode"`
		Country    string `json:"country"`
	} `json:"recipient"`
	Events []dhlEvent `json:"events"`
}

type dhlEvent struct {
	Date                      string `json:"date"`
	Time                      string `json:"time"`
	PrimaryEventDescription   string `json:"primaryEventDescription"`
	SecondaryEventDescription string `json:"secondaryEventDescription"`
	Location                  string `json:"location"`
}

// normalizeDHL maps a DHL track response onto the requested numbers. DHL has
// no latest-status field, so the status is derived from the newest event.
func normalizeDHL(payload []byte, requested []string) ([]carrier.Result, error) {
	var decoded dhlTrackResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &carrier.TrackingError{Carrier: carrier.DHL, Message: "malformed track response", Err: err}
	}

	byNumber := make(map[string]dhlPackageEntry, len(decoded.Packages))
	for _, entry := range decoded.Packages {
		if id := entry.Package.TrackingID; id != "" {
			byNumber[id] = entry
		}
	}

	results := make([]carrier.Result, 0, len(requested))
	for _, number := range requested {
		entry, ok := byNumber[number]
		if !ok {
			results = append(results, carrier.NotFoundResult(carrier.DHL, number, "tracking number not found"))
			continue
		}
		results = append(results, normalizeDHLEntry(number, entry))
	}
	return results, nil
}

func normalizeDHLEntry(number string, entry dhlPackageEntry) carrier.Result {
	res := carrier.Result{
		TrackingNumber:   number,
		Carrier:          carrier.DHL,
		Events:           []carrier.Event{},
		ServiceType:      entry.Package.ProductName,
		ReferenceNumbers: []string{},
	}
	if expected := entry.Package.ExpectedDelivery; expected != "" {
		if ts, err := time.Parse("2006-01-02", expected); err == nil {
			res.EstimatedDelivery = &ts
		}
	}
	if w := entry.Package.Weight; w.Value != "" && w.UnitOfMeasure != "" {
		res.Weight = w.Value.String() + " " + w.UnitOfMeasure
	}

	recipient := entry.Recipient
	if recipient.City != "" || recipient.State != "" || recipient.PostalCode != "" {
		res.Destination = &carrier.Location{
			City:       recipient.City,
			State:      recipient.State,
			PostalCode: recipient.PostalCode,
			Country:    recipient.Country,
		}
		res.DeliveryAddress = joinPlace(recipient.City, recipient.State, recipient.PostalCode, recipient.Country)
	}

	for _, event := range entry.Events {
		ts, err := time.Parse("2006-01-02 15:04:05", event.Date+" "+event.Time)
		if err != nil {
			continue
		}
		description := event.SecondaryEventDescription
		if description == "" {
			description = event.PrimaryEventDescription
		}
		if description == "" {
			continue
		}
		res.Events = append(res.Events, carrier.Event{
			Timestamp:   ts,
			StatusCode:  event.PrimaryEventDescription,
			Description: description,
			Location:    splitPlace(event.Location),
		})
	}
	sortEventsAscending(res.Events)
	res.Status = dhlStatus(res.Events)
	res.DeliveredAt = deliveredAt(res.Status, res.Events)
	return res
}

func dhlStatus(events []carrier.Event) carrier.Status {
	if len(events) == 0 {
		return carrier.StatusPending
	}
	latest := events[len(events)-1]
	lowered := strings.ToLower(latest.Description)
	switch {
	case strings.Contains(lowered, "delivered"):
		return carrier.StatusDelivered
	case strings.Contains(lowered, "out for delivery"):
		return carrier.StatusOutForDelivery
	case containsAny(lowered, "processed", "departed", "arrived", "in transit"):
		return carrier.StatusInTransit
	case containsAny(lowered, "exception", "delayed", "returned", "unable"):
		return carrier.StatusException
	default:
		return carrier.StatusInTransit
	}
}
