/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenvalidator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// TokenType discriminates which key set an inbound token is verified against.
type TokenType string

// Supported token types.
const (
	TokenTypeKeycloak  TokenType = "keycloak"
	TokenTypeDelegated TokenType = "delegated"
)

// KeycloakConfig describes the realm whose tokens are treated as first-party.
type KeycloakConfig struct {
	AuthServerURL  string   `mapstructure:"authServerUrl" yaml:"authServerUrl" json:"authServerUrl"`
	Realm          string   `mapstructure:"realm" yaml:"realm" json:"realm"`
	ClientID       string   `mapstructure:"clientId" yaml:"clientId" json:"clientId"`
	ClientSecret   string   `mapstructure:"clientSecret" yaml:"clientSecret" json:"clientSecret"`
	VerifyAudience bool     `mapstructure:"verifyAudience" yaml:"verifyAudience" json:"verifyAudience"`
	Audience       []string `mapstructure:"audience" yaml:"audience" json:"audience"`
}

// IsConfigured reports whether the realm settings are complete enough for verification.
func (c KeycloakConfig) IsConfigured() bool {
	return c.AuthServerURL != "" && c.Realm != ""
}

// Issuer returns the issuer URL of the configured realm.
func (c KeycloakConfig) Issuer() string {
	return strings.TrimSuffix(c.AuthServerURL, "/") + "/realms/" + c.Realm
}

// JWKSURI returns the JWKS endpoint URL of the configured realm.
func (c KeycloakConfig) JWKSURI() string {
	return c.Issuer() + "/protocol/openid-connect/certs"
}

// DelegatedProvider describes an external issuer whose tokens are accepted
// after verification against its own published keys.
// Issuer may be a glob pattern on the URL host (e.g. "https://*.idp.example.com/oauth2").
// JWKSURI is optional, it is resolved via OpenID discovery and memoized when empty.
type DelegatedProvider struct {
	Issuer   string   `mapstructure:"issuer" yaml:"issuer" json:"issuer"`
	JWKSURI  string   `mapstructure:"jwksUri" yaml:"jwksUri" json:"jwksUri"`
	Audience []string `mapstructure:"audience" yaml:"audience" json:"audience"`
}

// ProviderLookupFunc dynamically resolves a delegated provider descriptor for an issuer.
// A nil descriptor with a nil error means no provider is known for the issuer.
// The descriptor may be a DelegatedProvider value or any map-shaped value
// decodable into one (e.g. a deserialized configuration document).
type ProviderLookupFunc func(ctx context.Context, issuer string) (interface{}, error)

// LoadDelegatedProviders reads a YAML document of the form
//
//	providers:
//	  - issuer: https://idp.example.com
//	    jwksUri: https://idp.example.com/keys
//	    audience: ["https://*.example.com"]
//
// and returns the described delegated providers. Unknown fields are rejected.
func LoadDelegatedProviders(r io.Reader) ([]DelegatedProvider, error) {
	var doc struct {
		Providers []DelegatedProvider `yaml:"providers"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("delegated providers document is empty")
		}
		return nil, fmt.Errorf("decode delegated providers: %w", err)
	}
	for i, provider := range doc.Providers {
		if provider.Issuer == "" {
			return nil, fmt.Errorf("delegated provider #%d: issuer must not be empty", i+1)
		}
	}
	return doc.Providers, nil
}

func decodeProviderDescriptor(descriptor interface{}) (DelegatedProvider, error) {
	switch d := descriptor.(type) {
	case DelegatedProvider:
		return d, nil
	case *DelegatedProvider:
		if d == nil {
			return DelegatedProvider{}, fmt.Errorf("nil delegated provider descriptor")
		}
		return *d, nil
	}
	var provider DelegatedProvider
	if err := mapstructure.Decode(descriptor, &provider); err != nil {
		return DelegatedProvider{}, fmt.Errorf("decode delegated provider descriptor: %w", err)
	}
	return provider, nil
}
