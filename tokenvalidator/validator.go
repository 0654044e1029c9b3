/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package tokenvalidator performs local (non-round-trip) verification of bearer
// tokens against the configured Keycloak realm or delegated OIDC providers.
// Verification outcomes are returned as values, never as Go errors, and are
// cached per raw token string.
package tokenvalidator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/lrucache"
	jwtgo "github.com/golang-jwt/jwt/v5"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/metrics"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/strutil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwks"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwt"
)

// Default result cache parameters.
const (
	DefaultResultCacheMaxEntries = 1000
	DefaultResultCacheTTL        = 5 * time.Minute
	DefaultNegativeCacheTTL      = 10 * time.Minute
)

// Result is the outcome of a local token verification.
// A failed verification is a normal control-flow branch, not an error.
type Result struct {
	Valid     bool
	Error     string
	Claims    *jwt.Claims
	TokenType TokenType
	Cached    bool
}

// ResultCacheOpts contains options for the verification result cache.
type ResultCacheOpts struct {
	// Disabled turns the result cache off entirely.
	Disabled bool

	// MaxEntries is the maximum number of entries kept in each of the
	// positive and negative caches. Default: DefaultResultCacheMaxEntries.
	MaxEntries int

	// TTL bounds how long successful verifications are served from the cache.
	// The effective TTL of an entry never exceeds the token's remaining lifetime.
	TTL time.Duration

	// NegativeTTL bounds how long token-intrinsic failures (expired token,
	// bad signature, claim mismatch) are served from the cache.
	NegativeTTL time.Duration
}

// Opts contains options for the Validator.
type Opts struct {
	// Keycloak is the first-party realm configuration. Optional:
	// without it every token is treated as delegated.
	Keycloak KeycloakConfig

	// DelegatedProviders is a static list of accepted external issuers.
	DelegatedProviders []DelegatedProvider

	// ProviderLookup dynamically resolves delegated providers missing from the static list.
	ProviderLookup ProviderLookupFunc

	// HTTPClient is an HTTP client for JWKS fetching and OpenID discovery.
	HTTPClient *http.Client

	// LoggerProvider is a function that provides a logger for the Validator.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// PrometheusLibInstanceLabel is a label for Prometheus metrics.
	// It allows distinguishing metrics from different instances of the same service.
	PrometheusLibInstanceLabel string

	// ResultCache configures the verification result cache.
	ResultCache ResultCacheOpts

	// JWKSCacheTTL is the time-to-live for cached key sets. Default: jwks.DefaultCacheTTL.
	JWKSCacheTTL time.Duration

	// JWKSCacheUpdateMinInterval rate-limits re-fetching of the same key set.
	// Default: jwks.DefaultCacheUpdateMinInterval.
	JWKSCacheUpdateMinInterval time.Duration
}

// Validator verifies JWTs locally: issuer detection, key resolution through a
// caching JWKS client, signature and claims verification, and result caching.
type Validator struct {
	keycloak         KeycloakConfig
	keycloakAudience *jwt.AudienceValidator
	providers        *providerStore
	providerLookup   ProviderLookupFunc

	parser       *jwt.Parser
	keysProvider *jwks.CachingClient
	httpClient   *http.Client

	loggerProvider func(ctx context.Context) log.FieldLogger
	promMetrics    *metrics.PrometheusMetrics

	resultCache      *lrucache.LRUCache[[sha256.Size]byte, resultCacheEntry]
	negativeCache    *lrucache.LRUCache[[sha256.Size]byte, resultCacheEntry]
	resultCacheTTL   time.Duration
	negativeCacheTTL time.Duration
}

type resultCacheEntry struct {
	result    Result
	expiresAt time.Time
}

// NewValidator returns a new Validator.
func NewValidator(opts Opts) (*Validator, error) {
	promMetrics := metrics.GetPrometheusMetrics(opts.PrometheusLibInstanceLabel, metrics.SourceTokenValidator)

	if opts.HTTPClient == nil {
		opts.HTTPClient = idputil.MakeDefaultHTTPClient(idputil.DefaultHTTPRequestTimeout, opts.LoggerProvider)
	}

	keysProvider := jwks.NewCachingClientWithOpts(jwks.CachingClientOpts{
		ClientOpts: jwks.ClientOpts{
			HTTPClient:                 opts.HTTPClient,
			LoggerProvider:             opts.LoggerProvider,
			PrometheusLibInstanceLabel: opts.PrometheusLibInstanceLabel,
		},
		CacheTTL:               opts.JWKSCacheTTL,
		CacheUpdateMinInterval: opts.JWKSCacheUpdateMinInterval,
	})

	v := &Validator{
		keycloak:       opts.Keycloak,
		providers:      newProviderStore(),
		providerLookup: opts.ProviderLookup,
		parser: jwt.NewParserWithOpts(keysProvider, jwt.ParserOpts{
			LoggerProvider: opts.LoggerProvider,
		}),
		keysProvider:   keysProvider,
		httpClient:     opts.HTTPClient,
		loggerProvider: opts.LoggerProvider,
		promMetrics:    promMetrics,
	}
	if opts.Keycloak.VerifyAudience {
		v.keycloakAudience = jwt.NewAudienceValidator(true, opts.Keycloak.Audience)
	}
	for _, provider := range opts.DelegatedProviders {
		if err := v.providers.Add(provider); err != nil {
			return nil, fmt.Errorf("add delegated provider: %w", err)
		}
	}

	if !opts.ResultCache.Disabled {
		maxEntries := opts.ResultCache.MaxEntries
		if maxEntries <= 0 {
			maxEntries = DefaultResultCacheMaxEntries
		}
		v.resultCacheTTL = opts.ResultCache.TTL
		if v.resultCacheTTL <= 0 {
			v.resultCacheTTL = DefaultResultCacheTTL
		}
		v.negativeCacheTTL = opts.ResultCache.NegativeTTL
		if v.negativeCacheTTL <= 0 {
			v.negativeCacheTTL = DefaultNegativeCacheTTL
		}
		var err error
		if v.resultCache, err = lrucache.New[[sha256.Size]byte, resultCacheEntry](
			maxEntries, promMetrics.TokenResultCache); err != nil {
			return nil, fmt.Errorf("new result cache: %w", err)
		}
		if v.negativeCache, err = lrucache.New[[sha256.Size]byte, resultCacheEntry](
			maxEntries, promMetrics.TokenNegativeCache); err != nil {
			return nil, fmt.Errorf("new negative result cache: %w", err)
		}
	}

	return v, nil
}

type validateOptions struct {
	tokenType       TokenType
	skipResultCache bool
}

// ValidateOption is an option for a single ValidateLocal call.
type ValidateOption func(options *validateOptions)

// WithTokenType overrides issuer-based token type detection.
func WithTokenType(tokenType TokenType) ValidateOption {
	return func(options *validateOptions) {
		options.tokenType = tokenType
	}
}

// WithSkipResultCache bypasses the result cache for both reading and storing.
func WithSkipResultCache() ValidateOption {
	return func(options *validateOptions) {
		options.skipResultCache = true
	}
}

// ValidateLocal verifies the passed token locally and returns a Result.
// It never returns a Go error: failures of any origin are reported through
// Result.Error. Token-intrinsic failures are cached, configuration problems
// and transient key-fetch failures are re-checked on every call.
func (v *Validator) ValidateLocal(ctx context.Context, token string, opts ...ValidateOption) Result {
	var options validateOptions
	for _, opt := range opts {
		opt(&options)
	}

	unverified, err := jwt.ParseUnverified(token)
	if err != nil {
		v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusError)
		return Result{Error: fmt.Sprintf("decode token: %s", err.Error())}
	}
	if unverified.Issuer == "" {
		// Config-independent failure, always re-checked, never cached.
		v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusError)
		return Result{Error: "token issuer is missing"}
	}

	useCache := !options.skipResultCache && v.resultCache != nil
	var cacheKey [sha256.Size]byte
	if useCache {
		cacheKey = sha256.Sum256(strutil.StringToBytesUnsafe(token))
		if result, found := v.getCachedResult(cacheKey); found {
			v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusCached)
			result.Cached = true
			return result
		}
	}

	tokenType := options.tokenType
	if tokenType == "" {
		tokenType = TokenTypeDelegated
		if v.keycloak.IsConfigured() && unverified.Issuer == v.keycloak.Issuer() {
			tokenType = TokenTypeKeycloak
		}
	}

	target, targetErr := v.buildTarget(ctx, tokenType, unverified.Issuer)
	if targetErr != nil {
		// Configuration and lookup failures may be fixed later, never cached.
		v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusError)
		return Result{Error: targetErr.Error(), TokenType: tokenType}
	}

	claims, parseErr := v.parser.Parse(ctx, token, target)
	if parseErr != nil {
		result := Result{Error: parseErr.Error(), TokenType: tokenType}
		if !isTokenIntrinsicError(parseErr) {
			v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusError)
			return result
		}
		v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusInvalid)
		if useCache {
			v.negativeCache.Add(cacheKey, resultCacheEntry{
				result: result, expiresAt: time.Now().Add(v.negativeCacheTTL)})
		}
		return result
	}

	result := Result{Valid: true, Claims: claims, TokenType: tokenType}
	v.promMetrics.IncTokenValidationsTotal(metrics.TokenValidationStatusValid)
	if useCache {
		if ttl := v.positiveEntryTTL(claims); ttl > 0 {
			v.resultCache.Add(cacheKey, resultCacheEntry{result: result, expiresAt: time.Now().Add(ttl)})
		}
	}
	return result
}

// InvalidateResultCache drops all cached verification results.
func (v *Validator) InvalidateResultCache() {
	if v.resultCache != nil {
		v.resultCache.Purge()
		v.negativeCache.Purge()
	}
}

// InvalidateJWKSCache drops all cached key sets.
func (v *Validator) InvalidateJWKSCache() {
	v.keysProvider.PurgeCache()
}

// InvalidateJWKSCacheForURI drops the cached key set for a specific JWKS URI.
func (v *Validator) InvalidateJWKSCacheForURI(jwksURI string) {
	v.keysProvider.RemoveFromCache(jwksURI)
}

func (v *Validator) buildTarget(ctx context.Context, tokenType TokenType, issuer string) (jwt.Target, error) {
	if tokenType == TokenTypeKeycloak {
		if !v.keycloak.IsConfigured() {
			return jwt.Target{}, &ConfigurationError{Msg: "Keycloak not configured"}
		}
		return jwt.Target{
			JWKSURI:  v.keycloak.JWKSURI(),
			Issuer:   v.keycloak.Issuer(),
			Audience: v.keycloakAudience,
		}, nil
	}

	entry, err := v.resolveProvider(ctx, issuer)
	if err != nil {
		return jwt.Target{}, err
	}
	jwksURI, err := entry.resolveJWKSURI(func() (string, error) {
		return v.discoverJWKSURI(ctx, issuer)
	})
	if err != nil {
		return jwt.Target{}, fmt.Errorf("resolve JWKS URI for issuer %q: %w", issuer, err)
	}
	return jwt.Target{JWKSURI: jwksURI, Issuer: issuer, Audience: entry.audience}, nil
}

func (v *Validator) resolveProvider(ctx context.Context, issuer string) (*providerEntry, error) {
	if entry, found := v.providers.Get(issuer); found {
		return entry, nil
	}
	if v.providerLookup == nil {
		return nil, &ProviderNotFoundError{Issuer: issuer}
	}
	descriptor, err := v.providerLookup(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("lookup delegated provider for issuer %q: %w", issuer, err)
	}
	if descriptor == nil {
		return nil, &ProviderNotFoundError{Issuer: issuer}
	}
	provider, err := decodeProviderDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	return v.providers.Memoize(issuer, provider), nil
}

func (v *Validator) discoverJWKSURI(ctx context.Context, issuer string) (string, error) {
	logger := idputil.GetLoggerFromProvider(ctx, v.loggerProvider)
	openIDCfgURL := issuer + idputil.OpenIDConfigurationPath
	openIDCfg, err := idputil.GetOpenIDConfiguration(
		ctx, v.httpClient, openIDCfgURL, nil, logger, v.promMetrics)
	if err != nil {
		return "", fmt.Errorf("get OpenID configuration: %w", err)
	}
	if openIDCfg.JWKSURI == "" {
		return "", fmt.Errorf("OpenID configuration of %q has no jwks_uri", issuer)
	}
	return openIDCfg.JWKSURI, nil
}

func (v *Validator) getCachedResult(cacheKey [sha256.Size]byte) (Result, bool) {
	if entry, found := v.resultCache.Get(cacheKey); found {
		if time.Now().Before(entry.expiresAt) {
			return entry.result, true
		}
		v.resultCache.Remove(cacheKey)
	}
	if entry, found := v.negativeCache.Get(cacheKey); found {
		if time.Now().Before(entry.expiresAt) {
			return entry.result, true
		}
		v.negativeCache.Remove(cacheKey)
	}
	return Result{}, false
}

// positiveEntryTTL caps the configured TTL by the token's remaining lifetime.
func (v *Validator) positiveEntryTTL(claims *jwt.Claims) time.Duration {
	ttl := v.resultCacheTTL
	if claims.ExpiresAt != nil {
		if untilExp := time.Until(claims.ExpiresAt.Time); untilExp < ttl {
			ttl = untilExp
		}
	}
	return ttl
}

// isTokenIntrinsicError reports whether the verification failure is a property
// of the token itself and will not change until the token does. Only such
// failures are eligible for negative caching. Key-fetch and network failures
// are transient and must be re-tried on the next call.
func isTokenIntrinsicError(err error) bool {
	var getJWKSErr *jwks.GetJWKSError
	if errors.As(err, &getJWKSErr) {
		return false
	}
	var jwkNotFoundErr *jwks.JWKNotFoundError
	if errors.As(err, &jwkNotFoundErr) {
		// The key may appear after a rotation propagates.
		return false
	}
	var signAlgErr *jwt.SignAlgUnknownError
	if errors.As(err, &signAlgErr) {
		return true
	}
	for _, sentinel := range []error{
		jwtgo.ErrTokenMalformed,
		jwtgo.ErrTokenExpired,
		jwtgo.ErrTokenNotValidYet,
		jwtgo.ErrTokenUsedBeforeIssued,
		jwtgo.ErrTokenSignatureInvalid,
		jwtgo.ErrTokenInvalidIssuer,
		jwtgo.ErrTokenInvalidAudience,
		jwtgo.ErrTokenInvalidClaims,
		jwtgo.ErrTokenRequiredClaimMissing,
		jwtgo.NoneSignatureTypeDisallowedError,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
