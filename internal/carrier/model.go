package carrier

import "time"

// Status is the canonical, carrier-independent tracking status.
type Status string

const (
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusException      Status = "exception"
	StatusPending        Status = "pending"
	StatusNotFound       Status = "not_found"
	StatusLabelCreated   Status = "label_created"
	StatusUnknown        Status = "unknown"
	StatusError          Status = "error"
)

// Location describes a place referenced by a tracking event or shipment.
type Location struct {
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Event is a single scan in a package's journey. StatusCode carries the
// carrier-native code untouched; mapping to the canonical Status happens on
// the Result, not per event.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	StatusCode  string    `json:"statusCode,omitempty"`
	Description string    `json:"description"`
	Location    *Location `json:"location,omitempty"`
}

// Request asks for tracking information for one number from one carrier.
type Request struct {
	TrackingNumber string  `json:"trackingNumber"`
	Carrier        Carrier `json:"carrier"`
}

// Result is the canonical tracking response shape every carrier response is
// normalized into. A Result with StatusError always carries ErrorMessage.
type Result struct {
	TrackingNumber    string     `json:"trackingNumber"`
	Carrier           Carrier    `json:"carrier"`
	Status            Status     `json:"status"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	Events            []Event    `json:"events"`
	Origin            *Location  `json:"origin,omitempty"`
	Destination       *Location  `json:"destination,omitempty"`
	DeliveryAddress   string     `json:"deliveryAddress,omitempty"`
	ServiceType       string     `json:"serviceType,omitempty"`
	Weight            string     `json:"weight,omitempty"`
	ReferenceNumbers  []string   `json:"referenceNumbers,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
}

// ErrorResult builds a Result describing a per-item failure. Batch callers
// rely on these instead of propagating errors so that one bad number never
// aborts its siblings.
func ErrorResult(c Carrier, trackingNumber, message string) Result {
	return Result{
		TrackingNumber: trackingNumber,
		Carrier:        c,
		Status:         StatusError,
		Events:         []Event{},
		ErrorMessage:   message,
	}
}

// NotFoundResult builds a Result for numbers the carrier does not know or
// that failed pre-flight validation.
func NotFoundResult(c Carrier, trackingNumber, message string) Result {
	return Result{
		TrackingNumber: trackingNumber,
		Carrier:        c,
		Status:         StatusNotFound,
		Events:         []Event{},
		ErrorMessage:   message,
	}
}
