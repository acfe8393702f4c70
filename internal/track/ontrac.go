package track

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/resilience"
)

// OnTracTracker tracks shipments through the OnTrac V7 shipments API. OnTrac
// authenticates with a static account password passed as a query parameter
// and answers in XML, one shipment per request.
type OnTracTracker struct {
	base
	auth    *auth.Manager
	policy  resilience.Policy
	baseURL string
}

// NewOnTracTracker builds an OnTrac tracker. No OnUnauthorized hook is wired
// because the credential is static; a 401 means the password itself is wrong.
func NewOnTracTracker(opts Options) *OnTracTracker {
	return &OnTracTracker{
		base:    newBase(carrier.OnTrac, opts),
		auth:    opts.Auth,
		policy:  opts.Policy,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Carrier identifies the tracker.
func (t *OnTracTracker) Carrier() carrier.Carrier { return carrier.OnTrac }

// Track resolves the given numbers into normalized results.
func (t *OnTracTracker) Track(ctx context.Context, numbers []string) ([]carrier.Result, error) {
	return t.run(ctx, numbers, carrier.OnTrac.ChunkSize(), t.fetch)
}

func (t *OnTracTracker) fetch(ctx context.Context, chunk []string) ([]carrier.Result, error) {
	number := chunk[0]

	tok, err := t.auth.GetToken(ctx, carrier.OnTrac)
	if err != nil {
		return nil, err
	}
	creds, _ := t.auth.Credentials(carrier.OnTrac)
	account := creds.AccountNumber
	if account == "" {
		account = "37"
	}

	query := url.Values{}
	query.Set("pw", tok.Bearer)
	query.Set("tn", number)
	query.Set("requestType", "track")
	endpoint := fmt.Sprintf("%s/V7/%s/shipments?%s", t.baseURL, url.PathEscape(account), query.Encode())

	resp, err := t.policy.Do(ctx, string(carrier.OnTrac), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/xml")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return []carrier.Result{carrier.NotFoundResult(carrier.OnTrac, number, "tracking number not found")}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &carrier.AuthenticationError{Carrier: carrier.OnTrac, StatusCode: resp.StatusCode}
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &carrier.TrackingError{
			Carrier:        carrier.OnTrac,
			TrackingNumber: number,
			Message:        fmt.Sprintf("track request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	result, err := normalizeOnTrac(raw, number)
	if err != nil {
		return nil, err
	}
	return []carrier.Result{result}, nil
}

type ontracTrackingResponse struct {
	Error     string           `xml:"Error"`
	Shipments []ontracShipment `xml:"Shipments>Shipment"`
}

type ontracShipment struct {
	Error      string        `xml:"Error"`
	Delivered  string        `xml:"Delivered"`
	ExpDelDate string        `xml:"Exp_Del_Date"`
	City       string        `xml:"City"`
	State      string        `xml:"State"`
	Zip        string        `xml:"Zip"`
	Service    string        `xml:"Service"`
	Weight     string        `xml:"Weight"`
	Reference  string        `xml:"Reference"`
	Reference2 string        `xml:"Reference2"`
	Events     []ontracEvent `xml:"Events>Event"`
}

type ontracEvent struct {
	EventTime   string `xml:"EventTime"`
	Status      string `xml:"Status"`
	Description string `xml:"Description"`
	City        string `xml:"City"`
	State       string `xml:"State"`
	Zip         string `xml:"Zip"`
}

var ontracServiceNames = map[string]string{
	"C": "OnTrac Ground",
}

// normalizeOnTrac maps an OnTrac XML response for a single number. Event
// timestamps arrive without a zone suffix, occasionally with fractional
// seconds.
func normalizeOnTrac(payload []byte, number string) (carrier.Result, error) {
	var decoded ontracTrackingResponse
	if err := xml.Unmarshal(payload, &decoded); err != nil {
		return carrier.Result{}, &carrier.TrackingError{Carrier: carrier.OnTrac, TrackingNumber: number, Message: "malformed track response", Err: err}
	}
	if decoded.Error != "" {
		return carrier.ErrorResult(carrier.OnTrac, number, decoded.Error), nil
	}
	if len(decoded.Shipments) == 0 {
		return carrier.NotFoundResult(carrier.OnTrac, number, "no shipment data found"), nil
	}
	shipment := decoded.Shipments[0]
	if shipment.Error != "" {
		return carrier.ErrorResult(carrier.OnTrac, number, shipment.Error), nil
	}

	res := carrier.Result{
		TrackingNumber:   number,
		Carrier:          carrier.OnTrac,
		Events:           []carrier.Event{},
		ServiceType:      ontracService(shipment.Service),
		Weight:           strings.TrimSpace(shipment.Weight),
		ReferenceNumbers: []string{},
	}
	if shipment.City != "" || shipment.State != "" || shipment.Zip != "" {
		res.Destination = &carrier.Location{
			City:       shipment.City,
			State:      shipment.State,
			PostalCode: shipment.Zip,
			Country:    "US",
		}
	}
	for _, ref := range []string{shipment.Reference, shipment.Reference2} {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			res.ReferenceNumbers = append(res.ReferenceNumbers, trimmed)
		}
	}
	if ts, ok := parseOnTracTime(shipment.ExpDelDate); ok {
		res.EstimatedDelivery = &ts
	}

	for _, event := range shipment.Events {
		ts, ok := parseOnTracTime(event.EventTime)
		if !ok {
			continue
		}
		ev := carrier.Event{
			Timestamp:   ts,
			StatusCode:  event.Status,
			Description: event.Description,
		}
		if event.City != "" || event.State != "" || event.Zip != "" {
			ev.Location = &carrier.Location{
				City:       event.City,
				State:      event.State,
				PostalCode: event.Zip,
				Country:    "US",
			}
		}
		res.Events = append(res.Events, ev)
	}
	sortEventsAscending(res.Events)

	if strings.EqualFold(shipment.Delivered, "true") {
		res.Status = carrier.StatusDelivered
		if len(res.Events) > 0 {
			delivered := res.Events[len(res.Events)-1].Timestamp
			res.DeliveredAt = &delivered
		}
	} else {
		res.Status = ontracStatus(res.Events)
	}
	return res, nil
}

func parseOnTracTime(value string) (time.Time, bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(value), "Z")
	if trimmed == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse("2006-01-02T15:04:05", trimmed)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func ontracService(code string) string {
	if code == "" {
		return "OnTrac Ground"
	}
	if name, ok := ontracServiceNames[code]; ok {
		return name
	}
	return code
}

var (
	ontracDeliveredCodes      = codeSet("CL", "DW", "OK", "DN")
	ontracOutForDeliveryCodes = codeSet("OD")
	ontracExceptionCodes      = codeSet("CR", "DC", "DR", "UD", "UM", "RS")
	ontracInTransitCodes      = codeSet("OS", "PS", "RD", "PU")
	ontracLabelCreatedCodes   = codeSet("XX", "OE")
)

func codeSet(codes ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

func ontracStatus(events []carrier.Event) carrier.Status {
	if len(events) == 0 {
		return carrier.StatusUnknown
	}
	latest := events[len(events)-1]
	code := strings.ToUpper(latest.StatusCode)
	description := strings.ToUpper(latest.Description)

	switch {
	case member(ontracDeliveredCodes, code) || strings.Contains(description, "DELIVERED"):
		return carrier.StatusDelivered
	case member(ontracOutForDeliveryCodes, code) || strings.Contains(description, "OUT FOR DELIVERY"):
		return carrier.StatusOutForDelivery
	case member(ontracExceptionCodes, code) || containsAny(description, "EXCEPTION", "RETURN", "REFUSED", "DAMAGE"):
		return carrier.StatusException
	case member(ontracLabelCreatedCodes, code) || strings.Contains(description, "DATA ENTRY"):
		return carrier.StatusLabelCreated
	case member(ontracInTransitCodes, code) || containsAny(description, "SCAN", "TRANSIT", "PICKED UP"):
		return carrier.StatusInTransit
	default:
		return carrier.StatusUnknown
	}
}

func member(set map[string]struct{}, code string) bool {
	_, ok := set[code]
	return ok
}
