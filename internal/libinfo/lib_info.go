/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package libinfo carries the library's name and version for User-Agent headers
// and log prefixes.
package libinfo

func UserAgent() string {
	return LibName + "/" + GetLibVersion()
}

func LogPrefix() string {
	return "[" + LibName + "/" + GetLibVersion() + "] "
}
