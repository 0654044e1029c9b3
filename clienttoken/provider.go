/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package clienttoken provides acquisition and caching of short-lived client tokens
// issued by the controller in exchange for long-lived client credentials.
package clienttoken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/metrics"
)

// DefaultTokenURI is the controller path used for the secret-exchange token fetch
// when Source.TokenURI is empty.
const DefaultTokenURI = "/api/v1/auth/token"

const (
	// freshnessBuffer is the proactive refresh buffer: a token expiring within
	// this window is refreshed even though it is technically still valid.
	freshnessBuffer = 60 * time.Second

	// expirySafetyBuffer is subtracted from the reported token lifetime
	// to guard against clock skew and in-flight latency.
	expirySafetyBuffer = 30 * time.Second
)

const correlationIDClientPrefixLen = 8

// Source describes where and with which credentials client tokens are acquired.
type Source struct {
	ControllerURL string
	TokenURI      string
	ClientID      string
	ClientSecret  string
}

// RefreshResult is the outcome of a caller-supplied token refresh callback.
type RefreshResult struct {
	Token string

	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64
}

// RefreshTokenFunc acquires a fresh token without exposing the client secret to this process.
// When configured, it is preferred over the secret-exchange path.
type RefreshTokenFunc func(ctx context.Context) (RefreshResult, error)

// ProviderOpts represents options for creating a new Provider.
type ProviderOpts struct {
	// LoggerProvider is a function that provides a logger for the Provider.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// RefreshTokenFunc is an alternative acquisition path, see RefreshTokenFunc.
	RefreshTokenFunc RefreshTokenFunc

	// CustomHeaders is a map of custom headers to be used in all token requests.
	CustomHeaders map[string]string

	// PrometheusLibInstanceLabel is a label for Prometheus metrics.
	// It allows distinguishing metrics from different instances of the same service.
	PrometheusLibInstanceLabel string
}

// Provider acquires and caches a client token for a single credentials set.
// Concurrent callers requesting a token during an in-flight refresh share one outcome.
type Provider struct {
	source         Source
	refreshFunc    RefreshTokenFunc
	httpClient     *http.Client
	loggerProvider func(ctx context.Context) log.FieldLogger
	promMetrics    *metrics.PrometheusMetrics
	customHeaders  map[string]string

	sfGroup singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewProvider returns a new instance of Provider.
func NewProvider(httpClient *http.Client, source Source) *Provider {
	return NewProviderWithOpts(httpClient, ProviderOpts{}, source)
}

// NewProviderWithOpts returns a new instance of Provider with custom options.
func NewProviderWithOpts(httpClient *http.Client, opts ProviderOpts, source Source) *Provider {
	if httpClient == nil {
		httpClient = idputil.MakeDefaultHTTPClient(idputil.DefaultHTTPRequestTimeout, opts.LoggerProvider)
	}
	if source.TokenURI == "" {
		source.TokenURI = DefaultTokenURI
	}
	return &Provider{
		source:         source,
		refreshFunc:    opts.RefreshTokenFunc,
		httpClient:     httpClient,
		loggerProvider: opts.LoggerProvider,
		promMetrics:    metrics.GetPrometheusMetrics(opts.PrometheusLibInstanceLabel, metrics.SourceTokenProvider),
		customHeaders:  opts.CustomHeaders,
	}
}

// GetToken returns a fresh client token, refreshing it if needed.
// A token is considered fresh while it expires later than now plus the proactive refresh buffer.
// When neither a refresh callback nor client credentials are configured,
// it returns an empty token without an error: such callers proceed unauthenticated.
func (p *Provider) GetToken(ctx context.Context) (string, error) {
	if token, ok := p.freshToken(); ok {
		return token, nil
	}
	if p.refreshFunc == nil && (p.source.ClientID == "" || p.source.ClientSecret == "") {
		return "", nil
	}

	v, err, _ := p.sfGroup.Do("token", func() (interface{}, error) {
		// A waiter may be scheduled right after the previous flight completed.
		if token, ok := p.freshToken(); ok {
			return token, nil
		}
		token, expiresIn, acquireErr := p.acquire(ctx)
		if acquireErr != nil {
			p.clearState()
			return nil, acquireErr
		}
		p.storeState(token, expiresIn)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate clears the cached token so the next GetToken call forces a fresh acquisition.
func (p *Provider) Invalidate() {
	p.clearState()
}

// HasValidToken reports whether a fresh token is currently cached.
func (p *Provider) HasValidToken() bool {
	_, ok := p.freshToken()
	return ok
}

// TokenExpiry returns the effective expiry instant of the cached token.
func (p *Provider) TokenExpiry() (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return time.Time{}, false
	}
	return p.expiresAt, true
}

func (p *Provider) freshToken() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" || !p.expiresAt.After(time.Now().Add(freshnessBuffer)) {
		return "", false
	}
	return p.token, true
}

func (p *Provider) storeState(token string, expiresIn int64) {
	expiresAt := time.Now().Add(time.Duration(expiresIn)*time.Second - expirySafetyBuffer)
	p.mu.Lock()
	p.token = token
	p.expiresAt = expiresAt
	p.mu.Unlock()
}

func (p *Provider) clearState() {
	p.mu.Lock()
	p.token = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()
}

func (p *Provider) acquire(ctx context.Context) (token string, expiresIn int64, err error) {
	if p.refreshFunc != nil {
		result, refreshErr := p.refreshFunc(ctx)
		if refreshErr != nil {
			return "", 0, &AcquisitionError{
				AuthMethod:    AuthMethodClientCredentials,
				CorrelationID: makeCorrelationID(p.source.ClientID),
				Inner:         fmt.Errorf("refresh token callback: %w", refreshErr),
			}
		}
		if result.Token == "" {
			return "", 0, &AcquisitionError{
				AuthMethod:    AuthMethodClientCredentials,
				CorrelationID: makeCorrelationID(p.source.ClientID),
				Inner:         fmt.Errorf("refresh token callback returned an empty token"),
			}
		}
		return result.Token, result.ExpiresIn, nil
	}
	return p.exchangeSecret(ctx)
}

func (p *Provider) exchangeSecret(ctx context.Context) (token string, expiresIn int64, err error) {
	logger := idputil.GetLoggerFromProvider(ctx, p.loggerProvider)
	correlationID := makeCorrelationID(p.source.ClientID)
	tokenURL := strings.TrimSuffix(p.source.ControllerURL, "/") + p.source.TokenURI

	req, err := http.NewRequest(http.MethodPost, tokenURL, http.NoBody)
	if err != nil {
		return "", 0, &AcquisitionError{
			AuthMethod: AuthMethodClientCredentials, CorrelationID: correlationID,
			Inner: fmt.Errorf("new request: %w", err),
		}
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", p.source.ClientID)
	req.Header.Set("X-Client-Secret", p.source.ClientSecret)
	for key, val := range p.customHeaders {
		req.Header.Set(key, val)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		p.promMetrics.ObserveHTTPClientRequest(http.MethodPost, tokenURL, 0, elapsed, metrics.HTTPRequestErrorDo)
		return "", 0, &AcquisitionError{
			AuthMethod: AuthMethodClientCredentials, CorrelationID: correlationID,
			Inner: fmt.Errorf("do request: %w", err),
		}
	}
	defer func() {
		if closeBodyErr := resp.Body.Close(); closeBodyErr != nil {
			logger.Error(fmt.Sprintf("(%s, %s): closing response body error",
				tokenURL, p.source.ClientID), log.Error(closeBodyErr))
		}
	}()

	var respBody tokenResponseBody
	if decodeErr := json.NewDecoder(resp.Body).Decode(&respBody); decodeErr != nil {
		p.promMetrics.ObserveHTTPClientRequest(
			http.MethodPost, tokenURL, resp.StatusCode, elapsed, metrics.HTTPRequestErrorDecodeBody)
		return "", 0, &AcquisitionError{
			StatusCode: resp.StatusCode, AuthMethod: AuthMethodClientCredentials, CorrelationID: correlationID,
			Inner: fmt.Errorf("decode response body json: %w", decodeErr),
		}
	}

	if resp.StatusCode != http.StatusOK {
		p.promMetrics.ObserveHTTPClientRequest(
			http.MethodPost, tokenURL, resp.StatusCode, elapsed, metrics.HTTPRequestErrorUnexpectedStatusCode)
		return "", 0, &AcquisitionError{
			StatusCode: resp.StatusCode, AuthMethod: AuthMethodClientCredentials, CorrelationID: correlationID,
			Inner: &idputil.UnexpectedResponseError{StatusCode: resp.StatusCode, Header: resp.Header},
		}
	}

	token, expiresIn, ok := respBody.tokenData()
	if !ok {
		p.promMetrics.ObserveHTTPClientRequest(
			http.MethodPost, tokenURL, resp.StatusCode, elapsed, metrics.HTTPRequestErrorDecodeBody)
		return "", 0, &AcquisitionError{
			StatusCode: http.StatusUnauthorized, AuthMethod: AuthMethodClientCredentials, CorrelationID: correlationID,
			Inner: fmt.Errorf("token endpoint response has unexpected shape"),
		}
	}

	p.promMetrics.ObserveHTTPClientRequest(http.MethodPost, tokenURL, resp.StatusCode, elapsed, "")
	logger.Infof("(%s, %s): issued token, expires in %ds", tokenURL, p.source.ClientID, expiresIn)
	return token, expiresIn, nil
}

type tokenResponseBody struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`

	// Data carries the legacy nested response shape.
	Data *struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	} `json:"data"`
}

func (b *tokenResponseBody) tokenData() (token string, expiresIn int64, ok bool) {
	if b.Success && b.Token != "" {
		return b.Token, b.ExpiresIn, true
	}
	if b.Data != nil && b.Data.Token != "" {
		return b.Data.Token, b.Data.ExpiresIn, true
	}
	return "", 0, false
}

func makeCorrelationID(clientID string) string {
	prefix := clientID
	if len(prefix) > correlationIDClientPrefixLen {
		prefix = prefix[:correlationIDClientPrefixLen]
	}
	if prefix == "" {
		prefix = "anon"
	}
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return prefix + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + suffix
}
