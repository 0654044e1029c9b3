/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthStrategyBuildHeaders(t *testing.T) {
	tests := []struct {
		name         string
		strategy     AuthStrategy
		clientToken  string
		clientID     string
		clientSecret string
		wantHeaders  http.Header
	}{
		{
			name: "bearer wins over client token",
			strategy: AuthStrategy{
				Methods:     []AuthMethod{AuthMethodBearer, AuthMethodClientToken},
				BearerToken: "user-token",
			},
			clientToken: "client-token",
			wantHeaders: http.Header{HeaderAuthorization: {"Bearer user-token"}},
		},
		{
			name: "missing bearer falls back to client token",
			strategy: AuthStrategy{
				Methods: []AuthMethod{AuthMethodBearer, AuthMethodClientToken},
			},
			clientToken: "client-token",
			wantHeaders: http.Header{HeaderClientToken: {"client-token"}},
		},
		{
			name: "client credentials",
			strategy: AuthStrategy{
				Methods: []AuthMethod{AuthMethodClientToken, AuthMethodClientCredentials},
			},
			clientID:     "cli",
			clientSecret: "secret",
			wantHeaders:  http.Header{HeaderClientID: {"cli"}, HeaderClientSecret: {"secret"}},
		},
		{
			name: "client credentials require both parts",
			strategy: AuthStrategy{
				Methods: []AuthMethod{AuthMethodClientCredentials, AuthMethodAPIKey},
				APIKey:  "key-123",
			},
			clientID:    "cli",
			wantHeaders: http.Header{HeaderAuthorization: {"Bearer key-123"}},
		},
		{
			name: "api key",
			strategy: AuthStrategy{
				Methods: []AuthMethod{AuthMethodAPIKey},
				APIKey:  "key-123",
			},
			wantHeaders: http.Header{HeaderAuthorization: {"Bearer key-123"}},
		},
		{
			name: "nothing satisfiable yields no headers",
			strategy: AuthStrategy{
				Methods: []AuthMethod{AuthMethodBearer, AuthMethodClientToken, AuthMethodClientCredentials},
			},
			wantHeaders: http.Header{},
		},
		{
			name:        "empty method list yields no headers",
			strategy:    AuthStrategy{BearerToken: "user-token"},
			wantHeaders: http.Header{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.strategy.BuildHeaders(tt.clientToken, tt.clientID, tt.clientSecret)
			require.Equal(t, tt.wantHeaders, headers)
		})
	}
}

func TestAuthStrategyMethodsNeverMixed(t *testing.T) {
	strategy := AuthStrategy{
		Methods:     []AuthMethod{AuthMethodBearer, AuthMethodClientToken, AuthMethodClientCredentials, AuthMethodAPIKey},
		BearerToken: "user-token",
		APIKey:      "key-123",
	}
	headers := strategy.BuildHeaders("client-token", "cli", "secret")
	require.Len(t, headers, 1)
	require.Equal(t, "Bearer user-token", headers.Get(HeaderAuthorization))
}

func TestAuthStrategyNeedsClientToken(t *testing.T) {
	tests := []struct {
		name     string
		strategy AuthStrategy
		want     bool
	}{
		{
			name:     "client token listed",
			strategy: AuthStrategy{Methods: []AuthMethod{AuthMethodClientToken}},
			want:     true,
		},
		{
			name: "bearer satisfiable before client token",
			strategy: AuthStrategy{
				Methods:     []AuthMethod{AuthMethodBearer, AuthMethodClientToken},
				BearerToken: "user-token",
			},
			want: false,
		},
		{
			name:     "bearer not satisfiable before client token",
			strategy: AuthStrategy{Methods: []AuthMethod{AuthMethodBearer, AuthMethodClientToken}},
			want:     true,
		},
		{
			name:     "no client token method",
			strategy: AuthStrategy{Methods: []AuthMethod{AuthMethodClientCredentials, AuthMethodAPIKey}},
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.strategy.needsClientToken())
		})
	}
}
