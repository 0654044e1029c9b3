/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package strutil holds low-level string helpers shared by the hot paths.
package strutil

import "unsafe"

// StringToBytesUnsafe converts string to byte slice without memory allocation.
// The returned slice must not be mutated and must not outlive the string;
// it is meant for read-only uses like hashing a token into a cache key.
func StringToBytesUnsafe(s string) []byte {
	// nolint: gosec // memory optimization to prevent redundant slice copying
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
