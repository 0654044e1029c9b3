/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package idputil

import (
	"fmt"
	"net/http"
)

// UnexpectedResponseError is returned when a token or discovery endpoint responds
// with a status code the caller cannot handle. The response headers are kept so
// correlation identifiers survive into the reported error.
type UnexpectedResponseError struct {
	StatusCode int
	Header     http.Header
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code %d", e.StatusCode)
}
