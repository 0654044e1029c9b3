/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package idputil

import (
	"context"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/httpclient"
	"github.com/acronis/go-appkit/log"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/libinfo"
)

const (
	DefaultHTTPRequestTimeout          = 30 * time.Second
	DefaultHTTPRequestMaxRetryAttempts = 3
)

// DefaultLogger is used as a fallback when no logger provider is configured.
var DefaultLogger log.FieldLogger

func MakeDefaultHTTPClient(
	reqTimeout time.Duration, loggerProvider func(ctx context.Context) log.FieldLogger,
) *http.Client {
	if reqTimeout == 0 {
		reqTimeout = DefaultHTTPRequestTimeout
	}
	var tr http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	tr, _ = httpclient.NewRetryableRoundTripperWithOpts(tr, httpclient.RetryableRoundTripperOpts{
		MaxRetryAttempts: DefaultHTTPRequestMaxRetryAttempts,
		Logger:           GetLoggerFromProvider(context.Background(), loggerProvider),
	}) // error is always nil
	tr = httpclient.NewUserAgentRoundTripper(tr, libinfo.UserAgent())
	return &http.Client{Timeout: reqTimeout, Transport: tr}
}

func PrepareLogger(logger log.FieldLogger) log.FieldLogger {
	if logger == nil {
		return log.NewDisabledLogger()
	}
	return log.NewPrefixedLogger(logger, libinfo.LogPrefix())
}

// GetLoggerFromProvider returns a logger from the provider if it is set,
// otherwise it returns DefaultLogger or a disabled logger.
func GetLoggerFromProvider(
	ctx context.Context, provider func(ctx context.Context) log.FieldLogger,
) log.FieldLogger {
	if provider != nil {
		return PrepareLogger(provider(ctx))
	}
	if DefaultLogger != nil {
		return PrepareLogger(DefaultLogger)
	}
	return log.NewDisabledLogger()
}
