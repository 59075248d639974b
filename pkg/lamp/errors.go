package lamp

import (
	"errors"
	"fmt"
)

// ErrHeartbeat is wrapped by errors from UpdateStatus. Heartbeat failures are
// only ever logged.
var ErrHeartbeat = errors.New("heartbeat failed")

// APIError is returned when the API answered with success set to false.
type APIError struct {
	Endpoint string
	Msg      string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: api reported failure", e.Endpoint)
	}
	return fmt.Sprintf("%s: api reported failure: %s", e.Endpoint, e.Msg)
}

// AuthError is returned when an access token could not be obtained.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// DirectoryError is returned when the device list could not be fetched.
type DirectoryError struct {
	Page int
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("listing devices (page %d): %v", e.Page, e.Err)
}
func (e *DirectoryError) Unwrap() error { return e.Err }

// FetchError is returned when a device's status could not be fetched.
type FetchError struct {
	Serial string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching status for %s: %v", e.Serial, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }
