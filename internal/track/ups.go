package track

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/resilience"
)

// UPSTracker tracks shipments through the UPS Track API. UPS has no native
// batch endpoint, so batches fan out as concurrent single-number requests.
type UPSTracker struct {
	base
	auth    *auth.Manager
	policy  resilience.Policy
	baseURL string
}

// NewUPSTracker builds a UPS tracker.
func NewUPSTracker(opts Options) *UPSTracker {
	if opts.Policy.OnUnauthorized == nil {
		opts.Policy.OnUnauthorized = func(ctx context.Context) error {
			opts.Auth.Invalidate(carrier.UPS)
			return nil
		}
	}
	return &UPSTracker{
		base:    newBase(carrier.UPS, opts),
		auth:    opts.Auth,
		policy:  opts.Policy,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Carrier identifies the tracker.
func (t *UPSTracker) Carrier() carrier.Carrier { return carrier.UPS }

// Track resolves the given numbers into normalized results.
func (t *UPSTracker) Track(ctx context.Context, numbers []string) ([]carrier.Result, error) {
	return t.run(ctx, numbers, carrier.UPS.ChunkSize(), t.fetch)
}

func (t *UPSTracker) fetch(ctx context.Context, chunk []string) ([]carrier.Result, error) {
	number := chunk[0]

	query := url.Values{}
	query.Set("locale", "en_US")
	query.Set("returnSignature", "false")
	query.Set("returnMilestones", "false")
	query.Set("returnPOD", "false")
	endpoint := fmt.Sprintf("%s/api/track/v1/details/%s?%s", t.baseURL, url.PathEscape(number), query.Encode())

	resp, err := t.policy.Do(ctx, string(carrier.UPS), func(ctx context.Context) (*http.Request, error) {
		tok, err := t.auth.GetToken(ctx, carrier.UPS)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok.Bearer)
		req.Header.Set("transId", uuid.NewString())
		req.Header.Set("transactionSrc", "backend-tracking")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return []carrier.Result{carrier.NotFoundResult(carrier.UPS, number, "tracking number not found")}, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &carrier.TrackingError{
			Carrier:        carrier.UPS,
			TrackingNumber: number,
			Message:        fmt.Sprintf("track request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	result, err := normalizeUPS(raw, number)
	if err != nil {
		return nil, err
	}
	return []carrier.Result{result}, nil
}

type upsTrackResponse struct {
	TrackResponse struct {
		Shipment []upsShipment `json:"shipment"`
	} `json:"trackResponse"`
}

type upsShipment struct {
	Service struct {
		Description string `json:"description"`
	} `json:"service"`
	Package []upsPackage `json:"package"`
}

type upsPackage struct {
	CurrentStatus struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"currentStatus"`
	DeliveryDate []struct {
		Date string `json:"date"`
	} `json:"deliveryDate"`
	DeliveryInformation struct {
		Location string `json:"location"`
	} `json:"deliveryInformation"`
	PackageWeight struct {
		Weight            string `json:"weight"`
		UnitOfMeasurement struct {
			Description string `json:"description"`
		} `json:"unitOfMeasurement"`
	} `json:"packageWeight"`
	Activity []upsActivity `json:"activity"`
}

type upsActivity struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Status struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"status"`
	Location struct {
		Address struct {
			City              string `json:"city"`
			StateProvinceCode string `json:"stateProvinceCode"`
			PostalCode        string `json:"postalCode"`
			CountryCode       string `json:"countryCode"`
		} `json:"address"`
	} `json:"location"`
}

// normalizeUPS maps a UPS track response for a single number. Dates arrive as
// YYYYMMDD with a separate HHMMSS time field.
func normalizeUPS(payload []byte, number string) (carrier.Result, error) {
	var decoded upsTrackResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return carrier.Result{}, &carrier.TrackingError{Carrier: carrier.UPS, TrackingNumber: number, Message: "malformed track response", Err: err}
	}

	shipments := decoded.TrackResponse.Shipment
	if len(shipments) == 0 {
		return carrier.NotFoundResult(carrier.UPS, number, "no shipment data found"), nil
	}
	shipment := shipments[0]
	if len(shipment.Package) == 0 {
		return carrier.NotFoundResult(carrier.UPS, number, "no package data found"), nil
	}
	pkg := shipment.Package[0]

	res := carrier.Result{
		TrackingNumber:   number,
		Carrier:          carrier.UPS,
		Status:           upsStatus(pkg.CurrentStatus.Description),
		Events:           []carrier.Event{},
		DeliveryAddress:  pkg.DeliveryInformation.Location,
		ServiceType:      shipment.Service.Description,
		ReferenceNumbers: []string{},
	}
	if pkg.PackageWeight.Weight != "" && pkg.PackageWeight.UnitOfMeasurement.Description != "" {
		res.Weight = pkg.PackageWeight.Weight + " " + pkg.PackageWeight.UnitOfMeasurement.Description
	}
	if len(pkg.DeliveryDate) > 0 {
		if ts, err := time.Parse("20060102", pkg.DeliveryDate[0].Date); err == nil {
			res.EstimatedDelivery = &ts
		}
	}
	for _, activity := range pkg.Activity {
		ts, err := time.Parse("20060102150405", activity.Date+activity.Time)
		if err != nil || activity.Status.Description == "" {
			continue
		}
		event := carrier.Event{
			Timestamp:   ts,
			StatusCode:  activity.Status.Type,
			Description: activity.Status.Description,
		}
		addr := activity.Location.Address
		if addr.City != "" || addr.StateProvinceCode != "" {
			event.Location = &carrier.Location{
				City:       addr.City,
				State:      addr.StateProvinceCode,
				PostalCode: addr.PostalCode,
				Country:    addr.CountryCode,
			}
		}
		res.Events = append(res.Events, event)
	}
	sortEventsAscending(res.Events)
	res.DeliveredAt = deliveredAt(res.Status, res.Events)
	return res, nil
}

func upsStatus(description string) carrier.Status {
	lowered := strings.ToLower(description)
	switch {
	case strings.Contains(lowered, "delivered"):
		return carrier.StatusDelivered
	case strings.Contains(lowered, "out for delivery"):
		return carrier.StatusOutForDelivery
	case containsAny(lowered, "in transit", "departed", "arrived", "origin scan"):
		return carrier.StatusInTransit
	case containsAny(lowered, "exception", "delayed", "weather", "unable", "returned"):
		return carrier.StatusException
	case lowered == "" || strings.Contains(lowered, "order processed"):
		return carrier.StatusPending
	default:
		return carrier.StatusInTransit
	}
}
