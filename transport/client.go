/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acronis/go-appkit/httpclient"
	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/libinfo"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/metrics"
)

// DefaultRequestTimeout bounds every call unless overridden per client or per request.
const DefaultRequestTimeout = 30 * time.Second

// TokenProvider supplies the current client token for outgoing requests
// and is invalidated when the controller rejects it.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
	Invalidate()
}

// ClientOpts contains options for the Client.
type ClientOpts struct {
	// HTTPClient is an HTTP client for making requests.
	// Note that the request timeout is enforced by the Client itself via context deadlines.
	HTTPClient *http.Client

	// TokenProvider supplies client tokens. Optional: without it requests
	// that would use the client-token method go out unauthenticated.
	TokenProvider TokenProvider

	// ClientID and ClientSecret are used when an auth strategy resolves
	// to the client-credentials method.
	ClientID     string
	ClientSecret string

	// RequestTimeout is a default timeout for each call. Default: DefaultRequestTimeout.
	RequestTimeout time.Duration

	// LoggerProvider is a function that provides a logger for the Client.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// PrometheusLibInstanceLabel is a label for Prometheus metrics.
	// It allows distinguishing metrics from different instances of the same service.
	PrometheusLibInstanceLabel string
}

// Client executes JSON HTTP requests against the controller.
// Each Client exclusively owns its token state through the configured TokenProvider.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokenProvider  TokenProvider
	clientID       string
	clientSecret   string
	requestTimeout time.Duration
	loggerProvider func(ctx context.Context) log.FieldLogger
	promMetrics    *metrics.PrometheusMetrics
}

// NewClient returns a new Client for the passed controller base URL.
func NewClient(baseURL string) *Client {
	return NewClientWithOpts(baseURL, ClientOpts{})
}

// NewClientWithOpts returns a new Client with options.
func NewClientWithOpts(baseURL string, opts ClientOpts) *Client {
	if opts.HTTPClient == nil {
		// The transport layer does not retry business calls,
		// so the default client carries no retry round tripper.
		var tr http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
		tr = httpclient.NewUserAgentRoundTripper(tr, libinfo.UserAgent())
		opts.HTTPClient = &http.Client{Transport: tr}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		httpClient:     opts.HTTPClient,
		tokenProvider:  opts.TokenProvider,
		clientID:       opts.ClientID,
		clientSecret:   opts.ClientSecret,
		requestTimeout: opts.RequestTimeout,
		loggerProvider: opts.LoggerProvider,
		promMetrics:    metrics.GetPrometheusMetrics(opts.PrometheusLibInstanceLabel, metrics.SourceTransport),
	}
}

type requestOptions struct {
	strategy *AuthStrategy
	timeout  time.Duration
	headers  http.Header
}

// RequestOption is an option for a single request.
type RequestOption func(options *requestOptions)

// WithAuthStrategy is an option to authenticate the request by resolving the passed strategy
// instead of the default client-token attachment.
func WithAuthStrategy(strategy AuthStrategy) RequestOption {
	return func(options *requestOptions) {
		options.strategy = &strategy
	}
}

// WithRequestTimeout is an option to override the request timeout for a single call.
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(options *requestOptions) {
		options.timeout = timeout
	}
}

// WithHeader is an option to attach an additional header to the request.
func WithHeader(key, value string) RequestOption {
	return func(options *requestOptions) {
		if options.headers == nil {
			options.headers = make(http.Header)
		}
		options.headers.Set(key, value)
	}
}

// Get executes a GET request and decodes the response into result.
func (c *Client) Get(ctx context.Context, path string, result interface{}, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, result, opts...)
}

// Post executes a POST request with a JSON body and decodes the response into result.
func (c *Client) Post(ctx context.Context, path string, body, result interface{}, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, result, opts...)
}

// Do executes a request against the controller.
// The call is bounded by a timeout composed with the caller's context: either one
// firing aborts the in-flight request. Non-2xx responses and malformed payloads
// are returned as a canonical *ErrorResponse or *TransportError, never passed through silently.
// A 401 clears the token state; if the request was authenticated with a client token,
// the token path is redriven once with a refreshed token before giving up.
func (c *Client) Do(
	ctx context.Context, method, path string, body, result interface{}, opts ...RequestOption,
) error {
	options := requestOptions{timeout: c.requestTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	if options.timeout <= 0 {
		options.timeout = DefaultRequestTimeout
	}
	reqURL := c.baseURL + path

	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return &TransportError{Method: method, URL: reqURL, Inner: fmt.Errorf("encode request body: %w", err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	authHeaders, usedClientToken, err := c.buildAuthHeaders(ctx, options.strategy)
	if err != nil {
		return err
	}

	status, respBody, outHeaders, err := c.doAttempt(ctx, method, reqURL, bodyBytes, authHeaders, options)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && c.tokenProvider != nil {
		c.tokenProvider.Invalidate()
		if usedClientToken {
			// Token-refresh-and-retry, not generic request retry.
			newToken, tokenErr := c.tokenProvider.GetToken(ctx)
			if tokenErr == nil && newToken != "" {
				authHeaders.Set(HeaderClientToken, newToken)
				if status, respBody, outHeaders, err = c.doAttempt(
					ctx, method, reqURL, bodyBytes, authHeaders, options); err != nil {
					return err
				}
				if status == http.StatusUnauthorized {
					c.tokenProvider.Invalidate()
				}
			}
		}
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return NormalizeErrorBody(respBody, status, reqURL, outHeaders)
	}

	return c.decodeResult(respBody, result, method, reqURL, status, outHeaders)
}

func (c *Client) buildAuthHeaders(
	ctx context.Context, strategy *AuthStrategy,
) (headers http.Header, usedClientToken bool, err error) {
	if strategy == nil {
		// Default behavior: attach the client token via request interception
		// so that legacy callers unaware of strategies still authenticate.
		headers = make(http.Header)
		if c.tokenProvider == nil {
			return headers, false, nil
		}
		token, tokenErr := c.tokenProvider.GetToken(ctx)
		if tokenErr != nil {
			return nil, false, tokenErr
		}
		if token != "" {
			headers.Set(HeaderClientToken, token)
			return headers, true, nil
		}
		return headers, false, nil
	}

	clientToken := ""
	if c.tokenProvider != nil && strategy.needsClientToken() {
		token, tokenErr := c.tokenProvider.GetToken(ctx)
		if tokenErr != nil {
			return nil, false, tokenErr
		}
		clientToken = token
	}
	headers = strategy.BuildHeaders(clientToken, c.clientID, c.clientSecret)
	return headers, headers.Get(HeaderClientToken) != "", nil
}

func (c *Client) doAttempt(
	ctx context.Context, method, reqURL string, body []byte, authHeaders http.Header, options requestOptions,
) (status int, respBody []byte, outHeaders http.Header, err error) {
	logger := idputil.GetLoggerFromProvider(ctx, c.loggerProvider)

	var bodyReader io.Reader = http.NoBody
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return 0, nil, nil, &TransportError{Method: method, URL: reqURL, Inner: fmt.Errorf("new request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, vals := range authHeaders {
		for _, val := range vals {
			req.Header.Set(key, val)
		}
	}
	for key, vals := range options.headers {
		for _, val := range vals {
			req.Header.Set(key, val)
		}
	}
	// Correlation headers are propagated transparently from the ambient per-call context.
	if reqID := middleware.GetRequestIDFromContext(ctx); reqID != "" {
		req.Header.Set(HeaderRequestID, reqID)
	}
	if corrID := GetCorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set(HeaderCorrelationID, corrID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.promMetrics.ObserveHTTPClientRequest(method, reqURL, 0, elapsed, metrics.HTTPRequestErrorDo)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, nil, &TimeoutError{Method: method, URL: reqURL, Timeout: options.timeout, Inner: err}
		}
		return 0, nil, nil, &TransportError{Method: method, URL: reqURL, Inner: err}
	}
	defer func() {
		if closeBodyErr := resp.Body.Close(); closeBodyErr != nil {
			logger.Error(fmt.Sprintf("closing response body error for %s %s", method, reqURL), log.Error(closeBodyErr))
		}
	}()

	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		c.promMetrics.ObserveHTTPClientRequest(
			method, reqURL, resp.StatusCode, elapsed, metrics.HTTPRequestErrorDecodeBody)
		return 0, nil, nil, &TransportError{Method: method, URL: reqURL, Inner: fmt.Errorf("read response body: %w", err)}
	}

	errType := ""
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errType = metrics.HTTPRequestErrorUnexpectedStatusCode
	}
	c.promMetrics.ObserveHTTPClientRequest(method, reqURL, resp.StatusCode, elapsed, errType)
	return resp.StatusCode, respBody, req.Header, nil
}

func (c *Client) decodeResult(
	respBody []byte, result interface{}, method, reqURL string, status int, outHeaders http.Header,
) error {
	if result == nil {
		return nil
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Success != nil {
		if !*envelope.Success {
			return NormalizeErrorBody(respBody, status, reqURL, outHeaders)
		}
		if len(envelope.Data) == 0 {
			return &TransportError{Method: method, URL: reqURL,
				Inner: fmt.Errorf("response envelope is missing the data field")}
		}
		if err = json.Unmarshal(envelope.Data, result); err != nil {
			return &TransportError{Method: method, URL: reqURL,
				Inner: fmt.Errorf("decode response envelope data: %w", err)}
		}
		return nil
	}

	// Flat legacy shape without an envelope.
	if err := json.Unmarshal(respBody, result); err != nil {
		return &TransportError{Method: method, URL: reqURL, Inner: fmt.Errorf("decode response body json: %w", err)}
	}
	return nil
}
