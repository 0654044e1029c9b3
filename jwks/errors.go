/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package jwks

import "fmt"

// GetJWKSError is an error that may occur during getting JWKS.
type GetJWKSError struct {
	Inner error
	URL   string
}

func (e *GetJWKSError) Error() string {
	return fmt.Sprintf("error while getting JWKS data (URL: %q): %s", e.URL, e.Inner.Error())
}

func (e *GetJWKSError) Unwrap() error {
	return e.Inner
}

// JWKNotFoundError is an error that occurs when JWK is not found by kid.
type JWKNotFoundError struct {
	JWKSURI string
	KeyID   string
}

func (e *JWKNotFoundError) Error() string {
	return fmt.Sprintf("JWK not found (Key ID: %q, JWKS URL: %q)", e.KeyID, e.JWKSURI)
}
