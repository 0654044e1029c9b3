/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package idputil provides shared plumbing for talking to the controller and
// identity providers: default HTTP clients, logger wiring and OpenID discovery.
// It's used in the internal code and not exposed to the public API.
package idputil
