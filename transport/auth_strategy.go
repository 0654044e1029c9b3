/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package transport executes HTTP calls against the controller with timeout and
// cancellation semantics, ordered authentication strategy resolution,
// and normalization of heterogeneous error payloads.
package transport

import (
	"net/http"
)

// AuthMethod is an authentication method that may be used for outgoing requests.
type AuthMethod string

// Supported authentication methods, in the order clients usually prefer them.
const (
	AuthMethodBearer            AuthMethod = "bearer"
	AuthMethodClientToken       AuthMethod = "client-token"
	AuthMethodClientCredentials AuthMethod = "client-credentials"
	AuthMethodAPIKey            AuthMethod = "api-key"
)

// HTTP header names used for authentication and correlation.
const (
	HeaderAuthorization = "Authorization"
	HeaderClientToken   = "X-Client-Token"
	HeaderClientID      = "X-Client-Id"
	HeaderClientSecret  = "X-Client-Secret"
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// AuthStrategy is an ordered list of acceptable authentication methods
// together with the explicit credentials some of them require.
// It is immutable per request.
type AuthStrategy struct {
	Methods     []AuthMethod
	BearerToken string
	APIKey      string
}

// BuildHeaders resolves the strategy against the credentials available at request time
// and returns the headers of the first satisfiable method.
// Methods are never mixed: exactly one method's headers are emitted, or none.
// An empty header set means the request will predictably fail authentication upstream;
// the resolver never invents credentials.
func (s AuthStrategy) BuildHeaders(clientToken, clientID, clientSecret string) http.Header {
	headers := make(http.Header)
	for _, method := range s.Methods {
		switch method {
		case AuthMethodBearer:
			if s.BearerToken == "" {
				continue
			}
			headers.Set(HeaderAuthorization, "Bearer "+s.BearerToken)
			return headers
		case AuthMethodClientToken:
			if clientToken == "" {
				continue
			}
			headers.Set(HeaderClientToken, clientToken)
			return headers
		case AuthMethodClientCredentials:
			if clientID == "" || clientSecret == "" {
				continue
			}
			headers.Set(HeaderClientID, clientID)
			headers.Set(HeaderClientSecret, clientSecret)
			return headers
		case AuthMethodAPIKey:
			if s.APIKey == "" {
				continue
			}
			headers.Set(HeaderAuthorization, "Bearer "+s.APIKey)
			return headers
		}
	}
	return headers
}

// needsClientToken reports whether resolving the strategy may require a client token.
func (s AuthStrategy) needsClientToken() bool {
	for _, method := range s.Methods {
		switch method {
		case AuthMethodBearer:
			if s.BearerToken != "" {
				return false
			}
		case AuthMethodClientToken:
			return true
		}
	}
	return false
}
