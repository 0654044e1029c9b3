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

func TestNormalizeErrorBodyCanonical(t *testing.T) {
	body := []byte(`{"errors": ["access denied"], "statusCode": 403, "type": "forbidden", "title": "Forbidden"}`)
	errResp := NormalizeErrorBody(body, http.StatusForbidden, "http://ctrl/api/v1/users", nil)
	require.Equal(t, []string{"access denied"}, errResp.Errors)
	require.Equal(t, http.StatusForbidden, errResp.StatusCode)
	require.Equal(t, "forbidden", errResp.Type)
	require.Equal(t, "Forbidden", errResp.Title)
	// The instance defaults to the request URL when the payload omits it.
	require.Equal(t, "http://ctrl/api/v1/users", errResp.Instance)
}

func TestNormalizeErrorBodyCanonicalKeepsInstance(t *testing.T) {
	body := []byte(`{"errors": ["gone"], "statusCode": 410, "instance": "/api/v1/things/42"}`)
	errResp := NormalizeErrorBody(body, http.StatusGone, "http://ctrl/api/v1/things/42", nil)
	require.Equal(t, "/api/v1/things/42", errResp.Instance)
}

func TestNormalizeErrorBodyProblemDetails(t *testing.T) {
	body := []byte(`{"type": "https://errors.example.com/not-found", "title": "Not Found", "status": 404, "detail": "no such user"}`)
	errResp := NormalizeErrorBody(body, http.StatusNotFound, "http://ctrl/api/v1/users/42", nil)
	require.Equal(t, []string{"no such user"}, errResp.Errors)
	require.Equal(t, http.StatusNotFound, errResp.StatusCode)
	require.Equal(t, "Not Found", errResp.Title)
	require.Equal(t, "https://errors.example.com/not-found", errResp.Type)
}

func TestNormalizeErrorBodyProblemDetailsTitleOnly(t *testing.T) {
	body := []byte(`{"title": "Conflict", "status": 409}`)
	errResp := NormalizeErrorBody(body, http.StatusConflict, "http://ctrl/api/v1/things", nil)
	require.Equal(t, []string{"Conflict"}, errResp.Errors)
	require.Equal(t, http.StatusConflict, errResp.StatusCode)
}

func TestNormalizeErrorBodyEmbeddedJSON(t *testing.T) {
	body := []byte(`upstream proxy error: {"errors": ["backend unavailable"], "statusCode": 502} (request aborted)`)
	errResp := NormalizeErrorBody(body, http.StatusBadGateway, "http://ctrl/api/v1/users", nil)
	require.Equal(t, []string{"backend unavailable"}, errResp.Errors)
	require.Equal(t, http.StatusBadGateway, errResp.StatusCode)
}

func TestNormalizeErrorBodyFallback(t *testing.T) {
	t.Run("plain text", func(t *testing.T) {
		errResp := NormalizeErrorBody([]byte("  internal server error\n"), http.StatusInternalServerError, "http://ctrl/api", nil)
		require.Equal(t, []string{"internal server error"}, errResp.Errors)
		require.Equal(t, ErrorTypeFallback, errResp.Type)
		require.Equal(t, http.StatusInternalServerError, errResp.StatusCode)
	})

	t.Run("empty body", func(t *testing.T) {
		errResp := NormalizeErrorBody(nil, http.StatusServiceUnavailable, "http://ctrl/api", nil)
		require.Equal(t, []string{"Unknown error"}, errResp.Errors)
		require.Equal(t, ErrorTypeFallback, errResp.Type)
	})

	t.Run("unparseable braces", func(t *testing.T) {
		errResp := NormalizeErrorBody([]byte("oops {not json"), http.StatusBadGateway, "http://ctrl/api", nil)
		require.Equal(t, ErrorTypeFallback, errResp.Type)
		require.Equal(t, []string{"oops {not json"}, errResp.Errors)
	})
}

func TestNormalizeErrorBodyInfersAuthMethodOn401(t *testing.T) {
	tests := []struct {
		name       string
		outHeaders http.Header
		statusCode int
		want       AuthMethod
	}{
		{
			name:       "bearer",
			outHeaders: http.Header{HeaderAuthorization: {"Bearer abc"}},
			statusCode: http.StatusUnauthorized,
			want:       AuthMethodBearer,
		},
		{
			name:       "client token",
			outHeaders: http.Header{HeaderClientToken: {"abc"}},
			statusCode: http.StatusUnauthorized,
			want:       AuthMethodClientToken,
		},
		{
			name:       "client credentials",
			outHeaders: http.Header{HeaderClientID: {"cli"}, HeaderClientSecret: {"secret"}},
			statusCode: http.StatusUnauthorized,
			want:       AuthMethodClientCredentials,
		},
		{
			name:       "no auth headers",
			outHeaders: http.Header{},
			statusCode: http.StatusUnauthorized,
			want:       "",
		},
		{
			name:       "not inferred for non-401",
			outHeaders: http.Header{HeaderClientToken: {"abc"}},
			statusCode: http.StatusForbidden,
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errResp := NormalizeErrorBody([]byte("denied"), tt.statusCode, "http://ctrl/api", tt.outHeaders)
			require.Equal(t, tt.want, errResp.AuthMethod)
		})
	}
}

func TestNormalizeErrorBodyKeepsExplicitAuthMethod(t *testing.T) {
	body := []byte(`{"errors": ["bad api key"], "statusCode": 401, "authMethod": "api-key"}`)
	outHeaders := http.Header{HeaderClientToken: {"abc"}}
	errResp := NormalizeErrorBody(body, http.StatusUnauthorized, "http://ctrl/api", outHeaders)
	require.Equal(t, AuthMethodAPIKey, errResp.AuthMethod)
}

func TestExtractEmbeddedJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{
			name:  "simple object",
			input: `prefix {"a": 1} suffix`,
			want:  `{"a": 1}`,
			found: true,
		},
		{
			name:  "nested objects",
			input: `error: {"outer": {"inner": 2}}`,
			want:  `{"outer": {"inner": 2}}`,
			found: true,
		},
		{
			name:  "braces inside strings are skipped",
			input: `{"msg": "weird } value", "n": 1}`,
			want:  `{"msg": "weird } value", "n": 1}`,
			found: true,
		},
		{
			name:  "escaped quotes inside strings",
			input: `{"msg": "say \"}\" loud"}`,
			want:  `{"msg": "say \"}\" loud"}`,
			found: true,
		},
		{
			name:  "no object",
			input: "plain text",
			found: false,
		},
		{
			name:  "unbalanced",
			input: `{"a": 1`,
			found: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := extractEmbeddedJSON(tt.input)
			require.Equal(t, tt.found, found)
			if found {
				require.Equal(t, tt.want, string(got))
			}
		})
	}
}

func TestErrorResponseMessage(t *testing.T) {
	errResp := &ErrorResponse{Errors: []string{"first", "second"}, StatusCode: http.StatusBadRequest}
	require.Equal(t, "request failed with status 400: first; second", errResp.Error())

	errResp = &ErrorResponse{StatusCode: http.StatusBadGateway}
	require.Equal(t, "request failed with status 502: unknown error", errResp.Error())
}
