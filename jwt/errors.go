/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package jwt

import (
	"fmt"
)

// SignAlgUnknownError represents an error when JWT signing algorithm is unknown.
type SignAlgUnknownError struct {
	Alg string
}

func (e *SignAlgUnknownError) Error() string {
	return fmt.Sprintf("JWT has unknown signing algorithm %q", e.Alg)
}

// IssuerMissingError represents an error when JWT issuer is missing.
type IssuerMissingError struct {
	Claims *Claims
}

func (e *IssuerMissingError) Error() string {
	return "JWT issuer missing"
}

// IssuerMismatchError represents an error when JWT issuer differs from the expected one.
type IssuerMismatchError struct {
	Expected string
	Actual   string
}

func (e *IssuerMismatchError) Error() string {
	return fmt.Sprintf("JWT issuer %q does not match expected issuer %q", e.Actual, e.Expected)
}

// AudienceMissingError represents an error when JWT audience is missing, but it's required.
type AudienceMissingError struct {
	Claims *Claims
}

func (e *AudienceMissingError) Error() string {
	return "JWT audience missing"
}

// AudienceNotExpectedError represents an error when JWT contains not expected audience.
type AudienceNotExpectedError struct {
	Claims   *Claims
	Audience []string
}

func (e *AudienceNotExpectedError) Error() string {
	return fmt.Sprintf("JWT audience %q not expected", e.Audience)
}
