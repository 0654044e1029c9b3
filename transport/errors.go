/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorTypeFallback is the "type" value of errors built from unparseable payloads.
const ErrorTypeFallback = "about:blank"

// ErrorResponse is the canonical error shape returned to callers for every failed call,
// regardless of failure origin. It is constructed once per failed call and immutable thereafter.
type ErrorResponse struct {
	Errors     []string   `json:"errors"`
	Type       string     `json:"type,omitempty"`
	Title      string     `json:"title,omitempty"`
	StatusCode int        `json:"statusCode"`
	Instance   string     `json:"instance,omitempty"`
	AuthMethod AuthMethod `json:"authMethod,omitempty"`
}

func (e *ErrorResponse) Error() string {
	msg := "unknown error"
	if len(e.Errors) != 0 {
		msg = strings.Join(e.Errors, "; ")
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, msg)
}

// TimeoutError is returned when the configured timeout elapsed before a response.
// It is distinguished from generic transport failure.
type TimeoutError struct {
	Method  string
	URL     string
	Timeout time.Duration
	Inner   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Method, e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Inner
}

// TransportError is returned when the underlying HTTP call failed for reasons
// other than authentication or an error status: network unreachable, malformed response body.
type TransportError struct {
	Method string
	URL    string
	Inner  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Inner.Error())
}

func (e *TransportError) Unwrap() error {
	return e.Inner
}

// NormalizeErrorBody parses a heterogeneous failure payload into the canonical ErrorResponse.
// Decoders are attempted in priority order, first match wins:
// an already-canonical payload, a problem-details object, a string body embedding a JSON object,
// and finally a fallback built from the raw payload.
// For 401 responses the auth method is inferred from the outgoing request headers
// when the payload did not already specify it.
func NormalizeErrorBody(body []byte, statusCode int, requestURL string, outHeaders http.Header) *ErrorResponse {
	errResp, ok := decodeCanonical(body)
	if !ok {
		errResp, ok = decodeProblemDetails(body)
	}
	if !ok {
		if embedded, found := extractEmbeddedJSON(string(body)); found {
			if errResp, ok = decodeCanonical(embedded); !ok {
				errResp, ok = decodeProblemDetails(embedded)
			}
		}
	}
	if !ok {
		errResp = fallbackErrorResponse(body)
	}

	if errResp.StatusCode == 0 {
		errResp.StatusCode = statusCode
	}
	if errResp.Instance == "" {
		errResp.Instance = requestURL
	}
	if statusCode == http.StatusUnauthorized && errResp.AuthMethod == "" {
		errResp.AuthMethod = inferAuthMethod(outHeaders)
	}
	return errResp
}

func decodeCanonical(body []byte) (*ErrorResponse, bool) {
	var probe struct {
		Errors     []string   `json:"errors"`
		Type       string     `json:"type"`
		Title      string     `json:"title"`
		StatusCode *int       `json:"statusCode"`
		Instance   string     `json:"instance"`
		AuthMethod AuthMethod `json:"authMethod"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, false
	}
	if len(probe.Errors) == 0 || probe.StatusCode == nil {
		return nil, false
	}
	return &ErrorResponse{
		Errors:     probe.Errors,
		Type:       probe.Type,
		Title:      probe.Title,
		StatusCode: *probe.StatusCode,
		Instance:   probe.Instance,
		AuthMethod: probe.AuthMethod,
	}, true
}

func decodeProblemDetails(body []byte) (*ErrorResponse, bool) {
	var probe struct {
		Type     string `json:"type"`
		Title    string `json:"title"`
		Status   *int   `json:"status"`
		Detail   string `json:"detail"`
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, false
	}
	if probe.Status == nil || (probe.Title == "" && probe.Detail == "") {
		return nil, false
	}
	msg := probe.Detail
	if msg == "" {
		msg = probe.Title
	}
	return &ErrorResponse{
		Errors:     []string{msg},
		Type:       probe.Type,
		Title:      probe.Title,
		StatusCode: *probe.Status,
		Instance:   probe.Instance,
	}, true
}

// extractEmbeddedJSON scans the string for the first balanced {...} span.
// Braces inside JSON strings are skipped.
func extractEmbeddedJSON(s string) ([]byte, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), true
			}
		}
	}
	return nil, false
}

func fallbackErrorResponse(body []byte) *ErrorResponse {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "Unknown error"
	}
	return &ErrorResponse{
		Errors: []string{msg},
		Type:   ErrorTypeFallback,
	}
}

func inferAuthMethod(outHeaders http.Header) AuthMethod {
	if outHeaders == nil {
		return ""
	}
	switch {
	case outHeaders.Get(HeaderAuthorization) != "":
		return AuthMethodBearer
	case outHeaders.Get(HeaderClientToken) != "":
		return AuthMethodClientToken
	case outHeaders.Get(HeaderClientID) != "":
		return AuthMethodClientCredentials
	}
	return ""
}
