/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package misotest provides helper primitives and functions required for
// testing token signing and a simple HTTP server mocking the controller's
// token endpoint together with JWKS and OpenID configuration endpoints.
package misotest
