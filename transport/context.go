/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package transport

import "context"

type ctxKey int

const ctxKeyCorrelationID ctxKey = iota

// NewContextWithCorrelationID creates a new context carrying a correlation ID.
// The transport attaches it to outgoing requests as the X-Correlation-ID header.
func NewContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, correlationID)
}

// GetCorrelationIDFromContext extracts a correlation ID from the context.
func GetCorrelationIDFromContext(ctx context.Context) string {
	value := ctx.Value(ctxKeyCorrelationID)
	if value == nil {
		return ""
	}
	return value.(string)
}
