/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenvalidator

import "fmt"

// ConfigurationError represents missing or incomplete verification configuration.
// Results built from it are never cached because configuration may be supplied later.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

// ProviderNotFoundError represents the absence of a delegated provider for the token's issuer.
type ProviderNotFoundError struct {
	Issuer string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("no delegated provider configured for issuer %q", e.Issuer)
}
