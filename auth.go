/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package misoclient

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/clienttoken"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/tokenvalidator"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/transport"
)

// NewTokenProvider creates a new client token provider with the given configuration.
// The provider exchanges the configured client credentials for short-lived tokens
// at the controller's token endpoint.
func NewTokenProvider(cfg *Config, opts ...TokenProviderOption) *clienttoken.Provider {
	options := tokenProviderOptions{loggerProvider: middleware.GetLoggerFromContext}
	for _, opt := range opts {
		opt(&options)
	}
	httpClient := idputil.MakeDefaultHTTPClient(time.Duration(cfg.HTTPClient.RequestTimeout), options.loggerProvider)
	return clienttoken.NewProviderWithOpts(httpClient, clienttoken.ProviderOpts{
		LoggerProvider:             options.loggerProvider,
		RefreshTokenFunc:           options.refreshTokenFunc,
		CustomHeaders:              options.customHeaders,
		PrometheusLibInstanceLabel: options.prometheusLibInstanceLabel,
	}, clienttoken.Source{
		ControllerURL: cfg.Controller.URL,
		TokenURI:      cfg.Controller.TokenURI,
		ClientID:      cfg.Controller.ClientID,
		ClientSecret:  cfg.Controller.ClientSecret,
	})
}

type tokenProviderOptions struct {
	loggerProvider             func(ctx context.Context) log.FieldLogger
	prometheusLibInstanceLabel string
	refreshTokenFunc           clienttoken.RefreshTokenFunc
	customHeaders              map[string]string
}

// TokenProviderOption is an option for creating a client token provider.
type TokenProviderOption func(options *tokenProviderOptions)

// WithTokenProviderLoggerProvider sets the logger provider for the token provider.
func WithTokenProviderLoggerProvider(loggerProvider func(ctx context.Context) log.FieldLogger) TokenProviderOption {
	return func(options *tokenProviderOptions) {
		options.loggerProvider = loggerProvider
	}
}

// WithTokenProviderPrometheusLibInstanceLabel sets the Prometheus lib instance label for the token provider.
func WithTokenProviderPrometheusLibInstanceLabel(label string) TokenProviderOption {
	return func(options *tokenProviderOptions) {
		options.prometheusLibInstanceLabel = label
	}
}

// WithTokenProviderRefreshTokenFunc sets a caller-supplied token refresh callback.
// When set, it is preferred over the secret-exchange path, so the client secret
// never has to be present in this process.
func WithTokenProviderRefreshTokenFunc(refreshTokenFunc clienttoken.RefreshTokenFunc) TokenProviderOption {
	return func(options *tokenProviderOptions) {
		options.refreshTokenFunc = refreshTokenFunc
	}
}

// WithTokenProviderCustomHeaders sets custom headers attached to every token request.
func WithTokenProviderCustomHeaders(headers map[string]string) TokenProviderOption {
	return func(options *tokenProviderOptions) {
		options.customHeaders = headers
	}
}

// NewClient creates a new controller HTTP client with the given configuration.
// Unless a token provider is injected with WithClientTokenProvider, a new one is
// created from the configured controller credentials; each client exclusively
// owns its token state.
func NewClient(cfg *Config, opts ...ClientOption) *transport.Client {
	options := clientOptions{loggerProvider: middleware.GetLoggerFromContext}
	for _, opt := range opts {
		opt(&options)
	}
	tokenProvider := options.tokenProvider
	if tokenProvider == nil {
		tokenProvider = NewTokenProvider(cfg,
			WithTokenProviderLoggerProvider(options.loggerProvider),
			WithTokenProviderPrometheusLibInstanceLabel(options.prometheusLibInstanceLabel))
	}
	return transport.NewClientWithOpts(cfg.Controller.URL, transport.ClientOpts{
		TokenProvider:              tokenProvider,
		ClientID:                   cfg.Controller.ClientID,
		ClientSecret:               cfg.Controller.ClientSecret,
		RequestTimeout:             time.Duration(cfg.HTTPClient.RequestTimeout),
		LoggerProvider:             options.loggerProvider,
		PrometheusLibInstanceLabel: options.prometheusLibInstanceLabel,
	})
}

type clientOptions struct {
	loggerProvider             func(ctx context.Context) log.FieldLogger
	prometheusLibInstanceLabel string
	tokenProvider              transport.TokenProvider
}

// ClientOption is an option for creating a controller HTTP client.
type ClientOption func(options *clientOptions)

// WithClientLoggerProvider sets the logger provider for the client.
func WithClientLoggerProvider(loggerProvider func(ctx context.Context) log.FieldLogger) ClientOption {
	return func(options *clientOptions) {
		options.loggerProvider = loggerProvider
	}
}

// WithClientPrometheusLibInstanceLabel sets the Prometheus lib instance label for the client.
func WithClientPrometheusLibInstanceLabel(label string) ClientOption {
	return func(options *clientOptions) {
		options.prometheusLibInstanceLabel = label
	}
}

// WithClientTokenProvider injects an existing token provider instead of creating one.
func WithClientTokenProvider(tokenProvider transport.TokenProvider) ClientOption {
	return func(options *clientOptions) {
		options.tokenProvider = tokenProvider
	}
}

// NewTokenValidator creates a new local token validator with the given configuration.
func NewTokenValidator(cfg *Config, opts ...TokenValidatorOption) (*tokenvalidator.Validator, error) {
	options := tokenValidatorOptions{loggerProvider: middleware.GetLoggerFromContext}
	for _, opt := range opts {
		opt(&options)
	}

	if !cfg.Keycloak.IsConfigured() && len(cfg.DelegatedProviders) == 0 && options.providerLookup == nil {
		idputil.GetLoggerFromProvider(context.Background(), options.loggerProvider).Warn(
			"neither keycloak nor delegated providers are configured, token validation may not work properly")
	}

	validator, err := tokenvalidator.NewValidator(tokenvalidator.Opts{
		Keycloak:           cfg.Keycloak,
		DelegatedProviders: cfg.DelegatedProviders,
		ProviderLookup:     options.providerLookup,
		HTTPClient: idputil.MakeDefaultHTTPClient(
			time.Duration(cfg.HTTPClient.RequestTimeout), options.loggerProvider),
		LoggerProvider:             options.loggerProvider,
		PrometheusLibInstanceLabel: options.prometheusLibInstanceLabel,
		ResultCache: tokenvalidator.ResultCacheOpts{
			Disabled:    !cfg.Validation.ResultCache.Enabled,
			MaxEntries:  cfg.Validation.ResultCache.MaxEntries,
			TTL:         time.Duration(cfg.Validation.ResultCache.TTL),
			NegativeTTL: time.Duration(cfg.Validation.ResultCache.NegativeTTL),
		},
		JWKSCacheTTL:               time.Duration(cfg.JWKS.Cache.TTL),
		JWKSCacheUpdateMinInterval: time.Duration(cfg.JWKS.Cache.UpdateMinInterval),
	})
	if err != nil {
		return nil, fmt.Errorf("new token validator: %w", err)
	}
	return validator, nil
}

type tokenValidatorOptions struct {
	loggerProvider             func(ctx context.Context) log.FieldLogger
	prometheusLibInstanceLabel string
	providerLookup             tokenvalidator.ProviderLookupFunc
}

// TokenValidatorOption is an option for creating a token validator.
type TokenValidatorOption func(options *tokenValidatorOptions)

// WithTokenValidatorLoggerProvider sets the logger provider for the token validator.
func WithTokenValidatorLoggerProvider(loggerProvider func(ctx context.Context) log.FieldLogger) TokenValidatorOption {
	return func(options *tokenValidatorOptions) {
		options.loggerProvider = loggerProvider
	}
}

// WithTokenValidatorPrometheusLibInstanceLabel sets the Prometheus lib instance label for the token validator.
func WithTokenValidatorPrometheusLibInstanceLabel(label string) TokenValidatorOption {
	return func(options *tokenValidatorOptions) {
		options.prometheusLibInstanceLabel = label
	}
}

// WithTokenValidatorProviderLookup sets a dynamic delegated-provider lookup used
// when the token's issuer is missing from the static list.
func WithTokenValidatorProviderLookup(lookup tokenvalidator.ProviderLookupFunc) TokenValidatorOption {
	return func(options *tokenValidatorOptions) {
		options.providerLookup = lookup
	}
}

// SetDefaultLogger sets the default logger for the library.
func SetDefaultLogger(logger log.FieldLogger) {
	idputil.DefaultLogger = logger
}
