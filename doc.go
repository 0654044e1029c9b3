/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package misoclient provides configuration and factories for the miso client:
// acquisition of short-lived client tokens from the controller, an HTTP client
// with authentication strategy resolution and error normalization, and local
// verification of bearer tokens against Keycloak or delegated OIDC providers.
package misoclient
