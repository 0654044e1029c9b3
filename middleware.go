/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package misoclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwt"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/tokenvalidator"
)

// HeaderAuthorization contains the name of HTTP header with data that is used for authentication and authorization.
const HeaderAuthorization = "Authorization"

// Authentication and authorization error codes.
// We are using "var" here because some services may want to use different error codes.
var (
	ErrCodeBearerTokenMissing   = "bearerTokenMissing"
	ErrCodeAuthenticationFailed = "authenticationFailed"
	ErrCodeAuthorizationFailed  = "authorizationFailed"
)

// Authentication error messages.
// We are using "var" here because some services may want to use different error messages.
var (
	ErrMessageBearerTokenMissing   = "Authorization bearer token is missing."
	ErrMessageAuthenticationFailed = "Authentication is failed."
	ErrMessageAuthorizationFailed  = "Authorization is failed."
)

type ctxKey int

const (
	ctxKeyJWTClaims ctxKey = iota
	ctxKeyBearerToken
)

// TokenValidator is an interface for local verification of bearer tokens.
type TokenValidator interface {
	ValidateLocal(ctx context.Context, token string, opts ...tokenvalidator.ValidateOption) tokenvalidator.Result
}

type bearerAuthHandler struct {
	next           http.Handler
	errorDomain    string
	validator      TokenValidator
	verifyAccess   func(r *http.Request, claims *jwt.Claims) bool
	loggerProvider func(ctx context.Context) log.FieldLogger
}

type bearerAuthMiddlewareOpts struct {
	verifyAccess   func(r *http.Request, claims *jwt.Claims) bool
	loggerProvider func(ctx context.Context) log.FieldLogger
}

// BearerAuthMiddlewareOption is an option for BearerAuthMiddleware.
type BearerAuthMiddlewareOption func(options *bearerAuthMiddlewareOpts)

// WithBearerAuthMiddlewareVerifyAccess is an option to set a function that verifies access for BearerAuthMiddleware.
func WithBearerAuthMiddlewareVerifyAccess(
	verifyAccess func(r *http.Request, claims *jwt.Claims) bool,
) BearerAuthMiddlewareOption {
	return func(options *bearerAuthMiddlewareOpts) {
		options.verifyAccess = verifyAccess
	}
}

// WithBearerAuthMiddlewareLoggerProvider is an option to set a logger provider for BearerAuthMiddleware.
func WithBearerAuthMiddlewareLoggerProvider(
	loggerProvider func(ctx context.Context) log.FieldLogger,
) BearerAuthMiddlewareOption {
	return func(options *bearerAuthMiddlewareOpts) {
		options.loggerProvider = loggerProvider
	}
}

// BearerAuthMiddleware is a middleware that does authentication by locally verifying
// the Access Token from the "Authorization" HTTP header of incoming request.
// errorDomain is used for error responses. It is usually the name of the service that uses the middleware,
// and its goal is distinguishing errors from different services.
// For example, if the "Authorization" HTTP header is missing, the middleware will return 401 with the following response body:
//
//	{"error": {"domain": "MyService", "code": "bearerTokenMissing", "message": "Authorization bearer token is missing."}}
func BearerAuthMiddleware(
	errorDomain string, validator TokenValidator, opts ...BearerAuthMiddlewareOption,
) func(next http.Handler) http.Handler {
	options := bearerAuthMiddlewareOpts{loggerProvider: middleware.GetLoggerFromContext}
	for _, opt := range opts {
		opt(&options)
	}
	return func(next http.Handler) http.Handler {
		return &bearerAuthHandler{
			next:           next,
			errorDomain:    errorDomain,
			validator:      validator,
			verifyAccess:   options.verifyAccess,
			loggerProvider: options.loggerProvider,
		}
	}
}

func (h *bearerAuthHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := idputil.GetLoggerFromProvider(r.Context(), h.loggerProvider)

	bearerToken := GetBearerTokenFromRequest(r)
	if bearerToken == "" {
		apiErr := restapi.NewError(h.errorDomain, ErrCodeBearerTokenMissing, ErrMessageBearerTokenMissing)
		restapi.RespondError(rw, http.StatusUnauthorized, apiErr, logger)
		return
	}
	// Add the bearer token to the request context
	r = r.WithContext(NewContextWithBearerToken(r.Context(), bearerToken))

	result := h.validator.ValidateLocal(r.Context(), bearerToken)
	if !result.Valid {
		logger.Error("authentication failed: " + result.Error)
		apiErr := restapi.NewError(h.errorDomain, ErrCodeAuthenticationFailed, ErrMessageAuthenticationFailed)
		restapi.RespondError(rw, http.StatusUnauthorized, apiErr, logger)
		return
	}
	// Add the JWT claims to the request context
	r = r.WithContext(NewContextWithJWTClaims(r.Context(), result.Claims))

	if h.verifyAccess != nil {
		// By passing a *http.Request to verifyAccess, we allow its implementations
		// to inject new key/value pairs into the request context.
		if !h.verifyAccess(r, result.Claims) {
			apiErr := restapi.NewError(h.errorDomain, ErrCodeAuthorizationFailed, ErrMessageAuthorizationFailed)
			restapi.RespondError(rw, http.StatusForbidden, apiErr, logger)
			return
		}
	}

	h.next.ServeHTTP(rw, r)
}

// NewVerifyAccessByRealmRoles creates a new function which may be used for verifying
// access by realm roles in the token claims.
func NewVerifyAccessByRealmRoles(roles ...string) func(r *http.Request, claims *jwt.Claims) bool {
	return func(_ *http.Request, claims *jwt.Claims) bool {
		for i := range roles {
			for j := range claims.RealmAccess.Roles {
				if roles[i] == claims.RealmAccess.Roles[j] {
					return true
				}
			}
		}
		return false
	}
}

// GetBearerTokenFromRequest extracts jwt token from request headers.
func GetBearerTokenFromRequest(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	if strings.HasPrefix(authHeader, "Bearer ") || strings.HasPrefix(authHeader, "bearer ") {
		return authHeader[7:]
	}
	return ""
}

// NewContextWithJWTClaims creates a new context with JWT claims.
func NewContextWithJWTClaims(ctx context.Context, jwtClaims *jwt.Claims) context.Context {
	return context.WithValue(ctx, ctxKeyJWTClaims, jwtClaims)
}

// GetJWTClaimsFromContext extracts JWT claims from the context.
func GetJWTClaimsFromContext(ctx context.Context) *jwt.Claims {
	value := ctx.Value(ctxKeyJWTClaims)
	if value == nil {
		return nil
	}
	return value.(*jwt.Claims)
}

// NewContextWithBearerToken creates a new context with token.
func NewContextWithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyBearerToken, token)
}

// GetBearerTokenFromContext extracts token from the context.
func GetBearerTokenFromContext(ctx context.Context) string {
	value := ctx.Value(ctxKeyBearerToken)
	if value == nil {
		return ""
	}
	return value.(string)
}
