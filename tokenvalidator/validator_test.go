/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenvalidator_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	jwtgo "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwt"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/misotest"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/tokenvalidator"
)

const testRealm = "main"

func startTestServer(t *testing.T, opts ...misotest.HTTPServerOption) *misotest.HTTPServer {
	t.Helper()
	server := misotest.NewHTTPServer(opts...)
	require.NoError(t, server.StartAndWaitForReady(time.Second * 5))
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	return server
}

func makeSignedToken(t *testing.T, issuer string, mutate ...func(claims *jwt.Claims)) string {
	t.Helper()
	claims := jwt.Claims{
		RegisteredClaims: jwtgo.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-1",
			ExpiresAt: jwtgo.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	for _, m := range mutate {
		m(&claims)
	}
	token, err := misotest.MakeTokenStringSignedWithTestKey(&claims)
	require.NoError(t, err)
	return token
}

// startKeycloakTestServer serves the realm's JWKS under the Keycloak certs path.
func startKeycloakTestServer(t *testing.T) (server *misotest.HTTPServer, keysHandler *misotest.JWKSHandler) {
	t.Helper()
	keysHandler = &misotest.JWKSHandler{}
	server = startTestServer(t, misotest.WithHTTPResourceHandler(
		"/realms/"+testRealm+"/protocol/openid-connect/certs", keysHandler))
	return server, keysHandler
}

func TestValidatorKeycloakToken(t *testing.T) {
	server, keysHandler := startKeycloakTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		Keycloak: tokenvalidator.KeycloakConfig{AuthServerURL: server.URL(), Realm: testRealm},
	})
	require.NoError(t, err)

	issuer := server.URL() + "/realms/" + testRealm
	token := makeSignedToken(t, issuer)

	result := validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid, result.Error)
	require.Equal(t, tokenvalidator.TokenTypeKeycloak, result.TokenType)
	require.Equal(t, "user-1", result.Claims.Subject)
	require.False(t, result.Cached)

	result = validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid)
	require.True(t, result.Cached)
	require.Equal(t, uint64(1), keysHandler.ServedCount())
}

func TestValidatorKeycloakAudience(t *testing.T) {
	server, _ := startKeycloakTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		Keycloak: tokenvalidator.KeycloakConfig{
			AuthServerURL:  server.URL(),
			Realm:          testRealm,
			VerifyAudience: true,
			Audience:       []string{"*.svc.example.com"},
		},
	})
	require.NoError(t, err)
	issuer := server.URL() + "/realms/" + testRealm

	t.Run("matching audience", func(t *testing.T) {
		token := makeSignedToken(t, issuer, func(claims *jwt.Claims) {
			claims.Audience = jwtgo.ClaimStrings{"billing.svc.example.com"}
		})
		result := validator.ValidateLocal(context.Background(), token)
		require.True(t, result.Valid, result.Error)
	})

	t.Run("unexpected audience is cached as invalid", func(t *testing.T) {
		token := makeSignedToken(t, issuer, func(claims *jwt.Claims) {
			claims.Audience = jwtgo.ClaimStrings{"evil.example.org"}
		})
		result := validator.ValidateLocal(context.Background(), token)
		require.False(t, result.Valid)
		require.Contains(t, result.Error, "audience")

		result = validator.ValidateLocal(context.Background(), token)
		require.False(t, result.Valid)
		require.True(t, result.Cached)
	})
}

func TestValidatorDelegatedStaticProvider(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: server.URL(), JWKSURI: server.URL() + misotest.JWKSEndpointPath},
		},
	})
	require.NoError(t, err)

	result := validator.ValidateLocal(context.Background(), makeSignedToken(t, server.URL()))
	require.True(t, result.Valid, result.Error)
	require.Equal(t, tokenvalidator.TokenTypeDelegated, result.TokenType)
}

func TestValidatorDelegatedProviderDiscovery(t *testing.T) {
	server := startTestServer(t)
	openIDCfgHandler := server.OpenIDConfigurationHandler.(*misotest.OpenIDConfigurationHandler)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		DelegatedProviders: []tokenvalidator.DelegatedProvider{{Issuer: server.URL()}},
	})
	require.NoError(t, err)

	result := validator.ValidateLocal(context.Background(), makeSignedToken(t, server.URL()))
	require.True(t, result.Valid, result.Error)
	require.Equal(t, uint64(1), openIDCfgHandler.ServedCount())

	// The discovered JWKS URI is memoized per issuer.
	anotherToken := makeSignedToken(t, server.URL(), func(claims *jwt.Claims) {
		claims.Subject = "user-2"
	})
	result = validator.ValidateLocal(context.Background(), anotherToken)
	require.True(t, result.Valid, result.Error)
	require.False(t, result.Cached)
	require.Equal(t, uint64(1), openIDCfgHandler.ServedCount())
	require.Equal(t, uint64(1), keysHandler.ServedCount())
}

func TestValidatorGlobIssuerMatching(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: "http://127.0.0.1:*", JWKSURI: server.URL() + misotest.JWKSEndpointPath},
		},
	})
	require.NoError(t, err)

	result := validator.ValidateLocal(context.Background(), makeSignedToken(t, server.URL()))
	require.True(t, result.Valid, result.Error)
	require.Equal(t, tokenvalidator.TokenTypeDelegated, result.TokenType)
}

func TestValidatorProviderLookup(t *testing.T) {
	t.Run("descriptor decoded and memoized", func(t *testing.T) {
		server := startTestServer(t)
		var lookupCalls int
		validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
			ProviderLookup: func(ctx context.Context, issuer string) (interface{}, error) {
				lookupCalls++
				return map[string]interface{}{
					"issuer":  issuer,
					"jwksUri": server.URL() + misotest.JWKSEndpointPath,
				}, nil
			},
		})
		require.NoError(t, err)

		result := validator.ValidateLocal(context.Background(), makeSignedToken(t, server.URL()))
		require.True(t, result.Valid, result.Error)

		anotherToken := makeSignedToken(t, server.URL(), func(claims *jwt.Claims) {
			claims.Subject = "user-2"
		})
		result = validator.ValidateLocal(context.Background(), anotherToken)
		require.True(t, result.Valid, result.Error)
		require.Equal(t, 1, lookupCalls)
	})

	t.Run("lookup error is not cached", func(t *testing.T) {
		server := startTestServer(t)
		validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
			ProviderLookup: func(ctx context.Context, issuer string) (interface{}, error) {
				return nil, fmt.Errorf("directory unavailable")
			},
		})
		require.NoError(t, err)

		token := makeSignedToken(t, server.URL())
		result := validator.ValidateLocal(context.Background(), token)
		require.False(t, result.Valid)
		require.Contains(t, result.Error, "lookup delegated provider")

		result = validator.ValidateLocal(context.Background(), token)
		require.False(t, result.Cached)
	})

	t.Run("nil descriptor means provider not found", func(t *testing.T) {
		server := startTestServer(t)
		validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
			ProviderLookup: func(ctx context.Context, issuer string) (interface{}, error) {
				return nil, nil
			},
		})
		require.NoError(t, err)

		result := validator.ValidateLocal(context.Background(), makeSignedToken(t, server.URL()))
		require.False(t, result.Valid)
		require.Contains(t, result.Error, "no delegated provider configured for issuer")
	})
}

func TestValidatorUnknownIssuer(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{})
	require.NoError(t, err)

	token := makeSignedToken(t, server.URL())
	result := validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)
	require.Contains(t, result.Error, "no delegated provider configured for issuer")

	// Configuration failures may be fixed at runtime and are never cached.
	result = validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Cached)
}

func TestValidatorKeycloakNotConfigured(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{})
	require.NoError(t, err)

	token := makeSignedToken(t, server.URL())
	result := validator.ValidateLocal(context.Background(), token,
		tokenvalidator.WithTokenType(tokenvalidator.TokenTypeKeycloak))
	require.False(t, result.Valid)
	require.Contains(t, result.Error, "Keycloak not configured")
	require.Equal(t, tokenvalidator.TokenTypeKeycloak, result.TokenType)

	result = validator.ValidateLocal(context.Background(), token,
		tokenvalidator.WithTokenType(tokenvalidator.TokenTypeKeycloak))
	require.False(t, result.Cached)
}

func TestValidatorTokenTypeOverride(t *testing.T) {
	server, _ := startKeycloakTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		Keycloak: tokenvalidator.KeycloakConfig{AuthServerURL: server.URL(), Realm: testRealm},
	})
	require.NoError(t, err)

	// The issuer belongs to the configured realm, but the caller insists on the delegated path.
	token := makeSignedToken(t, server.URL()+"/realms/"+testRealm)
	result := validator.ValidateLocal(context.Background(), token,
		tokenvalidator.WithTokenType(tokenvalidator.TokenTypeDelegated))
	require.False(t, result.Valid)
	require.Equal(t, tokenvalidator.TokenTypeDelegated, result.TokenType)
	require.Contains(t, result.Error, "no delegated provider configured for issuer")
}

func TestValidatorExpiredTokenIsCachedAsInvalid(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: server.URL(), JWKSURI: server.URL() + misotest.JWKSEndpointPath},
		},
	})
	require.NoError(t, err)

	token := makeSignedToken(t, server.URL(), func(claims *jwt.Claims) {
		claims.ExpiresAt = jwtgo.NewNumericDate(time.Now().Add(-time.Hour))
	})
	result := validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)
	require.Contains(t, result.Error, "expired")

	result = validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)
	require.True(t, result.Cached)
}

func TestValidatorTransientFailureIsNotCached(t *testing.T) {
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		HTTPClient: &http.Client{},
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: "http://127.0.0.1:1", JWKSURI: "http://127.0.0.1:1/idp/keys"},
		},
	})
	require.NoError(t, err)

	token := makeSignedToken(t, "http://127.0.0.1:1")
	result := validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)

	result = validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)
	require.False(t, result.Cached)
}

func TestValidatorCacheServesResultWhenJWKSUnavailable(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		HTTPClient: &http.Client{},
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: server.URL(), JWKSURI: server.URL() + misotest.JWKSEndpointPath},
		},
	})
	require.NoError(t, err)

	token := makeSignedToken(t, server.URL())
	result := validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid, result.Error)

	require.NoError(t, server.Shutdown(context.Background()))

	result = validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid)
	require.True(t, result.Cached)

	// Without the caches the verification has to hit the dead endpoint and fails transiently.
	validator.InvalidateResultCache()
	validator.InvalidateJWKSCache()
	result = validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)
	require.False(t, result.Cached)
}

func TestValidatorSkipResultCache(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: server.URL(), JWKSURI: server.URL() + misotest.JWKSEndpointPath},
		},
	})
	require.NoError(t, err)

	token := makeSignedToken(t, server.URL())
	result := validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid, result.Error)

	result = validator.ValidateLocal(context.Background(), token, tokenvalidator.WithSkipResultCache())
	require.True(t, result.Valid)
	require.False(t, result.Cached)
}

func TestValidatorResultCacheDisabled(t *testing.T) {
	server := startTestServer(t)
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		ResultCache: tokenvalidator.ResultCacheOpts{Disabled: true},
		DelegatedProviders: []tokenvalidator.DelegatedProvider{
			{Issuer: server.URL(), JWKSURI: server.URL() + misotest.JWKSEndpointPath},
		},
	})
	require.NoError(t, err)

	token := makeSignedToken(t, server.URL())
	result := validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid, result.Error)

	result = validator.ValidateLocal(context.Background(), token)
	require.True(t, result.Valid)
	require.False(t, result.Cached)
}

func TestValidatorInvalidateJWKSCacheForURI(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	jwksURI := server.URL() + misotest.JWKSEndpointPath
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		DelegatedProviders: []tokenvalidator.DelegatedProvider{{Issuer: server.URL(), JWKSURI: jwksURI}},
	})
	require.NoError(t, err)

	result := validator.ValidateLocal(context.Background(), makeSignedToken(t, server.URL()))
	require.True(t, result.Valid, result.Error)
	require.Equal(t, uint64(1), keysHandler.ServedCount())

	validator.InvalidateJWKSCacheForURI(jwksURI)
	anotherToken := makeSignedToken(t, server.URL(), func(claims *jwt.Claims) {
		claims.Subject = "user-2"
	})
	result = validator.ValidateLocal(context.Background(), anotherToken)
	require.True(t, result.Valid, result.Error)
	require.Equal(t, uint64(2), keysHandler.ServedCount())
}

func TestValidatorMalformedToken(t *testing.T) {
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{})
	require.NoError(t, err)

	result := validator.ValidateLocal(context.Background(), "definitely-not-a-jwt")
	require.False(t, result.Valid)
	require.Contains(t, result.Error, "decode token")
}

func TestValidatorMissingIssuer(t *testing.T) {
	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{})
	require.NoError(t, err)

	token := makeSignedToken(t, "")
	result := validator.ValidateLocal(context.Background(), token)
	require.False(t, result.Valid)
	require.Equal(t, "token issuer is missing", result.Error)
}
