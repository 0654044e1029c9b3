/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package misotest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	jwtgo "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwt"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/transport"
)

// DefaultTokenExpiresIn is the lifetime in seconds of tokens issued by TokenHandler.
const DefaultTokenExpiresIn = int64(3600)

// ClaimsProvider is an interface for providing JWT claims for an issuing token request.
type ClaimsProvider interface {
	Provide(r *http.Request) (jwt.Claims, error)
}

// ClaimsProviderFunc is a function that implements ClaimsProvider interface.
type ClaimsProviderFunc func(r *http.Request) (jwt.Claims, error)

// Provide implements ClaimsProvider interface.
func (f ClaimsProviderFunc) Provide(r *http.Request) (jwt.Claims, error) {
	return f(r)
}

// TokenHandler is an implementation of the controller's token endpoint.
// It checks client credentials passed in the X-Client-Id/X-Client-Secret headers
// and responds with a signed client token in the {success, token, expiresIn} envelope
// (or the legacy nested {data: {token, expiresIn}} shape when LegacyNestedResponse is set).
type TokenHandler struct {
	servedCount atomic.Uint64

	// Issuer is the "iss" claim of issued tokens. Set automatically after the server starts listening.
	Issuer string

	// ClientID and ClientSecret, when non-empty, are required to match the request headers.
	ClientID     string
	ClientSecret string

	// ExpiresIn overrides the reported token lifetime in seconds.
	ExpiresIn int64

	// LegacyNestedResponse switches the response to the legacy nested shape.
	LegacyNestedResponse bool

	// ClaimsProvider customizes the claims of issued tokens.
	ClaimsProvider ClaimsProvider
}

func (h *TokenHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	h.servedCount.Add(1)

	if h.ClientID != "" || h.ClientSecret != "" {
		if r.Header.Get(transport.HeaderClientID) != h.ClientID ||
			r.Header.Get(transport.HeaderClientSecret) != h.ClientSecret {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(rw).Encode(map[string]interface{}{
				"success": false, "errors": []string{"invalid client credentials"}, "statusCode": http.StatusUnauthorized,
			})
			return
		}
	}

	var claims jwt.Claims
	if h.ClaimsProvider != nil {
		var err error
		if claims, err = h.ClaimsProvider.Provide(r); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				http.Error(rw, "Unauthorized", http.StatusUnauthorized)
				return
			}
			http.Error(rw, fmt.Sprintf("Claims provider failed to provide claims: %v", err), http.StatusInternalServerError)
			return
		}
	}
	expiresIn := h.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = DefaultTokenExpiresIn
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwtgo.NewNumericDate(time.Now().Add(time.Duration(expiresIn) * time.Second))
	}
	if claims.Issuer == "" {
		claims.Issuer = h.Issuer
	}
	if claims.Subject == "" {
		claims.Subject = r.Header.Get(transport.HeaderClientID)
	}

	token, err := MakeTokenStringSignedWithTestKey(&claims)
	if err != nil {
		http.Error(rw, fmt.Sprintf("Failed to generate token: %v", err), http.StatusInternalServerError)
		return
	}

	var response interface{}
	if h.LegacyNestedResponse {
		response = LegacyTokenResponse{Data: TokenData{Token: token, ExpiresIn: expiresIn}}
	} else {
		response = TokenResponse{Success: true, Token: token, ExpiresIn: expiresIn}
	}
	rw.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(rw).Encode(response); err != nil {
		http.Error(rw, fmt.Sprintf("Error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// ServedCount returns the number of times the handler has been served.
func (h *TokenHandler) ServedCount() uint64 {
	return h.servedCount.Load()
}

// ResetServedCount resets the number of times the handler has been served.
func (h *TokenHandler) ResetServedCount() {
	h.servedCount.Store(0)
}

// TokenResponse is a response of the controller's token endpoint.
type TokenResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// LegacyTokenResponse is the legacy nested response shape of the token endpoint.
type LegacyTokenResponse struct {
	Data TokenData `json:"data"`
}

type TokenData struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}
