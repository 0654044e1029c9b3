/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package clienttoken

import "fmt"

// AuthMethodClientCredentials is the authentication method attributed to token acquisition failures.
const AuthMethodClientCredentials = "client-credentials"

// AcquisitionError represents a failed token fetch or refresh.
// It always carries the client-credentials auth method and a correlation ID for traceability.
type AcquisitionError struct {
	StatusCode    int
	AuthMethod    string
	CorrelationID string
	Inner         error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("token acquisition failed (status: %d, correlation ID: %s): %s",
		e.StatusCode, e.CorrelationID, e.Inner.Error())
}

func (e *AcquisitionError) Unwrap() error {
	return e.Inner
}
