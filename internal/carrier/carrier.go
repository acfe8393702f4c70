package carrier

import (
	"fmt"
	"strings"
)

// Carrier identifies a supported shipping provider.
type Carrier string

const (
	FedEx  Carrier = "fedex"
	UPS    Carrier = "ups"
	DHL    Carrier = "dhl"
	OnTrac Carrier = "ontrac"
)

// All returns the supported carriers in a stable order.
func All() []Carrier {
	return []Carrier{FedEx, UPS, DHL, OnTrac}
}

// Parse converts external input into a Carrier.
func Parse(value string) (Carrier, error) {
	switch Carrier(strings.ToLower(strings.TrimSpace(value))) {
	case FedEx:
		return FedEx, nil
	case UPS:
		return UPS, nil
	case DHL:
		return DHL, nil
	case OnTrac:
		return OnTrac, nil
	}
	return "", fmt.Errorf("unsupported carrier: %q", value)
}

// Valid reports whether the carrier is one of the supported providers.
func (c Carrier) Valid() bool {
	switch c {
	case FedEx, UPS, DHL, OnTrac:
		return true
	}
	return false
}

// BatchLimit returns the maximum number of tracking numbers accepted in a
// single inbound batch request. Zero means no published ceiling; OnTrac has
// no batch endpoint and fans out one request per number.
func (c Carrier) BatchLimit() int {
	switch c {
	case FedEx:
		return 30
	case UPS, DHL:
		return 10
	default:
		return 0
	}
}

// ChunkSize returns the maximum number of tracking numbers placed on one
// physical carrier request. UPS and OnTrac expose no batch endpoint, so their
// chunk size is one and batches are dispatched as concurrent single lookups.
func (c Carrier) ChunkSize() int {
	switch c {
	case FedEx:
		return 30
	case DHL:
		return 10
	default:
		return 1
	}
}
