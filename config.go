/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package misoclient

import (
	"fmt"
	"net/url"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/clienttoken"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwks"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/tokenvalidator"
)

const cfgDefaultKeyPrefix = "auth"

const (
	cfgKeyHTTPClientRequestTimeout = "httpClient.requestTimeout"

	cfgKeyControllerURL          = "controller.url"
	cfgKeyControllerTokenURI     = "controller.tokenUri"
	cfgKeyControllerClientID     = "controller.clientId"
	cfgKeyControllerClientSecret = "controller.clientSecret" // nolint:gosec // false positive

	cfgKeyKeycloakAuthServerURL  = "keycloak.authServerUrl"
	cfgKeyKeycloakRealm          = "keycloak.realm"
	cfgKeyKeycloakClientID       = "keycloak.clientId"
	cfgKeyKeycloakClientSecret   = "keycloak.clientSecret" // nolint:gosec // false positive
	cfgKeyKeycloakVerifyAudience = "keycloak.verifyAudience"
	cfgKeyKeycloakAudience       = "keycloak.audience"

	cfgKeyResultCacheEnabled     = "validation.resultCache.enabled"
	cfgKeyResultCacheMaxEntries  = "validation.resultCache.maxEntries"
	cfgKeyResultCacheTTL         = "validation.resultCache.ttl"
	cfgKeyResultCacheNegativeTTL = "validation.resultCache.negativeTtl"

	cfgKeyJWKSCacheTTL               = "jwks.cache.ttl"
	cfgKeyJWKSCacheUpdateMinInterval = "jwks.cache.updateMinInterval"
)

// Config represents a set of configuration parameters for the miso client:
// controller access, token acquisition credentials, and local token validation.
type Config struct {
	HTTPClient HTTPClientConfig `mapstructure:"httpClient" yaml:"httpClient" json:"httpClient"`

	Controller ControllerConfig              `mapstructure:"controller" yaml:"controller" json:"controller"`
	Keycloak   tokenvalidator.KeycloakConfig `mapstructure:"keycloak" yaml:"keycloak" json:"keycloak"`

	// DelegatedProviders is a list of accepted external issuers. It is populated
	// when the whole document is unmarshalled (yaml/mapstructure tags) or set
	// programmatically; config.DataProvider exposes only flat typed keys.
	DelegatedProviders []tokenvalidator.DelegatedProvider `mapstructure:"delegatedProviders" yaml:"delegatedProviders" json:"delegatedProviders"` // nolint:lll

	Validation ValidationConfig `mapstructure:"validation" yaml:"validation" json:"validation"`
	JWKS       JWKSConfig       `mapstructure:"jwks" yaml:"jwks" json:"jwks"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ControllerConfig is a configuration of how the controller is reached
// and how client tokens are acquired from it.
type ControllerConfig struct {
	URL          string `mapstructure:"url" yaml:"url" json:"url"`
	TokenURI     string `mapstructure:"tokenUri" yaml:"tokenUri" json:"tokenUri"`
	ClientID     string `mapstructure:"clientId" yaml:"clientId" json:"clientId"`
	ClientSecret string `mapstructure:"clientSecret" yaml:"clientSecret" json:"clientSecret"`
}

// ValidationConfig is a configuration of local token validation.
type ValidationConfig struct {
	ResultCache ResultCacheConfig `mapstructure:"resultCache" yaml:"resultCache" json:"resultCache"`
}

// ResultCacheConfig is a configuration of the verification result cache.
type ResultCacheConfig struct {
	Enabled     bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MaxEntries  int                 `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`
	TTL         config.TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	NegativeTTL config.TimeDuration `mapstructure:"negativeTtl" yaml:"negativeTtl" json:"negativeTtl"`
}

// JWKSConfig is a configuration of how JWKS will be fetched and cached.
type JWKSConfig struct {
	Cache JWKSCacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`
}

type JWKSCacheConfig struct {
	TTL               config.TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	UpdateMinInterval config.TimeDuration `mapstructure:"updateMinInterval" yaml:"updateMinInterval" json:"updateMinInterval"`
}

type HTTPClientConfig struct {
	RequestTimeout config.TimeDuration `mapstructure:"requestTimeout" yaml:"requestTimeout" json:"requestTimeout"`
}

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		HTTPClient: HTTPClientConfig{
			RequestTimeout: config.TimeDuration(idputil.DefaultHTTPRequestTimeout),
		},
		Controller: ControllerConfig{
			TokenURI: clienttoken.DefaultTokenURI,
		},
		Validation: ValidationConfig{
			ResultCache: ResultCacheConfig{
				Enabled:     true,
				MaxEntries:  tokenvalidator.DefaultResultCacheMaxEntries,
				TTL:         config.TimeDuration(tokenvalidator.DefaultResultCacheTTL),
				NegativeTTL: config.TimeDuration(tokenvalidator.DefaultNegativeCacheTTL),
			},
		},
		JWKS: JWKSConfig{
			Cache: JWKSCacheConfig{
				TTL:               config.TimeDuration(jwks.DefaultCacheTTL),
				UpdateMinInterval: config.TimeDuration(jwks.DefaultCacheUpdateMinInterval),
			},
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyHTTPClientRequestTimeout, idputil.DefaultHTTPRequestTimeout.String())
	dp.SetDefault(cfgKeyControllerTokenURI, clienttoken.DefaultTokenURI)

	dp.SetDefault(cfgKeyResultCacheEnabled, true)
	dp.SetDefault(cfgKeyResultCacheMaxEntries, tokenvalidator.DefaultResultCacheMaxEntries)
	dp.SetDefault(cfgKeyResultCacheTTL, tokenvalidator.DefaultResultCacheTTL.String())
	dp.SetDefault(cfgKeyResultCacheNegativeTTL, tokenvalidator.DefaultNegativeCacheTTL.String())

	dp.SetDefault(cfgKeyJWKSCacheTTL, jwks.DefaultCacheTTL.String())
	dp.SetDefault(cfgKeyJWKSCacheUpdateMinInterval, jwks.DefaultCacheUpdateMinInterval.String())
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	var reqTimeout time.Duration
	if reqTimeout, err = dp.GetDuration(cfgKeyHTTPClientRequestTimeout); err != nil {
		return err
	}
	c.HTTPClient.RequestTimeout = config.TimeDuration(reqTimeout)

	if err = c.setControllerConfig(dp); err != nil {
		return err
	}
	if err = c.setKeycloakConfig(dp); err != nil {
		return err
	}
	if err = c.setValidationConfig(dp); err != nil {
		return err
	}
	return c.setJWKSConfig(dp)
}

func (c *Config) setControllerConfig(dp config.DataProvider) error {
	var err error

	if c.Controller.URL, err = dp.GetString(cfgKeyControllerURL); err != nil {
		return err
	}
	if c.Controller.URL != "" {
		if _, err = url.Parse(c.Controller.URL); err != nil {
			return dp.WrapKeyErr(cfgKeyControllerURL, err)
		}
	}
	if c.Controller.TokenURI, err = dp.GetString(cfgKeyControllerTokenURI); err != nil {
		return err
	}
	if c.Controller.ClientID, err = dp.GetString(cfgKeyControllerClientID); err != nil {
		return err
	}
	if c.Controller.ClientSecret, err = dp.GetString(cfgKeyControllerClientSecret); err != nil {
		return err
	}
	return nil
}

func (c *Config) setKeycloakConfig(dp config.DataProvider) error {
	var err error

	if c.Keycloak.AuthServerURL, err = dp.GetString(cfgKeyKeycloakAuthServerURL); err != nil {
		return err
	}
	if c.Keycloak.AuthServerURL != "" {
		if _, err = url.Parse(c.Keycloak.AuthServerURL); err != nil {
			return dp.WrapKeyErr(cfgKeyKeycloakAuthServerURL, err)
		}
	}
	if c.Keycloak.Realm, err = dp.GetString(cfgKeyKeycloakRealm); err != nil {
		return err
	}
	if c.Keycloak.ClientID, err = dp.GetString(cfgKeyKeycloakClientID); err != nil {
		return err
	}
	if c.Keycloak.ClientSecret, err = dp.GetString(cfgKeyKeycloakClientSecret); err != nil {
		return err
	}
	if c.Keycloak.VerifyAudience, err = dp.GetBool(cfgKeyKeycloakVerifyAudience); err != nil {
		return err
	}
	if c.Keycloak.Audience, err = dp.GetStringSlice(cfgKeyKeycloakAudience); err != nil {
		return err
	}
	return nil
}

func (c *Config) setValidationConfig(dp config.DataProvider) error {
	var err error

	if c.Validation.ResultCache.Enabled, err = dp.GetBool(cfgKeyResultCacheEnabled); err != nil {
		return err
	}
	if c.Validation.ResultCache.MaxEntries, err = dp.GetInt(cfgKeyResultCacheMaxEntries); err != nil {
		return err
	}
	if c.Validation.ResultCache.MaxEntries < 0 {
		return dp.WrapKeyErr(cfgKeyResultCacheMaxEntries, fmt.Errorf("max entries should be non-negative"))
	}
	var cacheTTL time.Duration
	if cacheTTL, err = dp.GetDuration(cfgKeyResultCacheTTL); err != nil {
		return err
	}
	c.Validation.ResultCache.TTL = config.TimeDuration(cacheTTL)
	if cacheTTL, err = dp.GetDuration(cfgKeyResultCacheNegativeTTL); err != nil {
		return err
	}
	c.Validation.ResultCache.NegativeTTL = config.TimeDuration(cacheTTL)
	return nil
}

func (c *Config) setJWKSConfig(dp config.DataProvider) error {
	cacheTTL, err := dp.GetDuration(cfgKeyJWKSCacheTTL)
	if err != nil {
		return err
	}
	c.JWKS.Cache.TTL = config.TimeDuration(cacheTTL)

	updateMinInterval, err := dp.GetDuration(cfgKeyJWKSCacheUpdateMinInterval)
	if err != nil {
		return err
	}
	c.JWKS.Cache.UpdateMinInterval = config.TimeDuration(updateMinInterval)
	return nil
}
