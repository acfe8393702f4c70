package carrier

import "fmt"

// TrackingError wraps a failure to retrieve tracking data for a number.
type TrackingError struct {
	Carrier        Carrier
	TrackingNumber string
	Message        string
	Err            error
}

// Error implements the error interface.
func (e *TrackingError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Carrier, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Carrier, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *TrackingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AuthenticationError signals that a carrier rejected our credentials. It is
// fatal for that carrier until configuration changes but must not affect the
// other carriers.
type AuthenticationError struct {
	Carrier    Carrier
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s authentication failed: HTTP %d", e.Carrier, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s authentication failed: %v", e.Carrier, e.Err)
	}
	return fmt.Sprintf("%s authentication failed", e.Carrier)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *AuthenticationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError marks a tracking number that failed format or checksum
// validation. It never reaches the network.
type ValidationError struct {
	Carrier        Carrier
	TrackingNumber string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s tracking number format: %s", e.Carrier, e.TrackingNumber)
}
