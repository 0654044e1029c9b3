/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/clienttoken"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/misotest"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/transport"
)

const (
	testClientID     = "test-client"
	testClientSecret = "test-client-secret"
)

type userInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func startTestServer(t *testing.T, opts ...misotest.HTTPServerOption) *misotest.HTTPServer {
	t.Helper()
	server := misotest.NewHTTPServer(opts...)
	require.NoError(t, server.StartAndWaitForReady(time.Second * 5))
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	return server
}

func newTestClient(server *misotest.HTTPServer, opts transport.ClientOpts) *transport.Client {
	if opts.TokenProvider == nil {
		opts.TokenProvider = clienttoken.NewProvider(nil, clienttoken.Source{
			ControllerURL: server.URL(),
			ClientID:      testClientID,
			ClientSecret:  testClientSecret,
		})
	}
	return transport.NewClientWithOpts(server.URL(), opts)
}

func envelopeHandler(data interface{}) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]interface{}{"success": true, "data": data})
	})
}

func TestClientAttachesClientToken(t *testing.T) {
	var gotClientToken string
	server := startTestServer(t,
		misotest.WithHTTPClientCredentials(testClientID, testClientSecret),
		misotest.WithHTTPResourceHandler("/api/v1/users/me", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				gotClientToken = r.Header.Get(transport.HeaderClientToken)
				envelopeHandler(userInfo{ID: "42", Name: "svc"}).ServeHTTP(rw, r)
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	var user userInfo
	require.NoError(t, client.Get(context.Background(), "/api/v1/users/me", &user))
	require.Equal(t, userInfo{ID: "42", Name: "svc"}, user)
	require.NotEmpty(t, gotClientToken)

	// The token is fetched once and reused for subsequent calls.
	require.NoError(t, client.Get(context.Background(), "/api/v1/users/me", &user))
	tokenHandler := server.TokenHandler.(*misotest.TokenHandler)
	require.Equal(t, uint64(1), tokenHandler.ServedCount())
}

func TestClientRedrivesOnceAfter401(t *testing.T) {
	var resourceCalls int
	server := startTestServer(t,
		misotest.WithHTTPClientCredentials(testClientID, testClientSecret),
		misotest.WithHTTPResourceHandler("/api/v1/things", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				resourceCalls++
				if resourceCalls == 1 {
					rw.Header().Set("Content-Type", "application/json")
					rw.WriteHeader(http.StatusUnauthorized)
					_, _ = rw.Write([]byte(`{"errors": ["token expired"], "statusCode": 401}`))
					return
				}
				envelopeHandler(userInfo{ID: "1"}).ServeHTTP(rw, r)
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	var result userInfo
	require.NoError(t, client.Get(context.Background(), "/api/v1/things", &result))
	require.Equal(t, 2, resourceCalls)
	// One fetch for the initial attempt plus one forced by the 401.
	tokenHandler := server.TokenHandler.(*misotest.TokenHandler)
	require.Equal(t, uint64(2), tokenHandler.ServedCount())
}

func TestClientGivesUpAfterSecond401(t *testing.T) {
	server := startTestServer(t,
		misotest.WithHTTPClientCredentials(testClientID, testClientSecret),
		misotest.WithHTTPResourceHandler("/api/v1/things", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(http.StatusUnauthorized)
				_, _ = rw.Write([]byte(`{"errors": ["nope"], "statusCode": 401}`))
			})),
	)
	tokenProvider := clienttoken.NewProvider(nil, clienttoken.Source{
		ControllerURL: server.URL(),
		ClientID:      testClientID,
		ClientSecret:  testClientSecret,
	})
	client := newTestClient(server, transport.ClientOpts{TokenProvider: tokenProvider})

	err := client.Get(context.Background(), "/api/v1/things", &struct{}{})
	require.Error(t, err)
	var errResp *transport.ErrorResponse
	require.ErrorAs(t, err, &errResp)
	require.Equal(t, http.StatusUnauthorized, errResp.StatusCode)
	require.Equal(t, []string{"nope"}, errResp.Errors)
	// The rejected token must not be served to the next call.
	require.False(t, tokenProvider.HasValidToken())
}

func TestClientRequestTimeout(t *testing.T) {
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/slow", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second * 3):
				case <-r.Context().Done():
				}
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	start := time.Now()
	err := client.Get(context.Background(), "/api/v1/slow", &struct{}{},
		transport.WithRequestTimeout(time.Millisecond*100))
	elapsed := time.Since(start)

	var timeoutErr *transport.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, time.Millisecond*100, timeoutErr.Timeout)
	require.Less(t, elapsed, time.Second)
}

func TestClientCallerContextCancellation(t *testing.T) {
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/slow", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second * 3):
				case <-r.Context().Done():
				}
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 50)
		cancel()
	}()
	err := client.Get(ctx, "/api/v1/slow", &struct{}{})
	require.Error(t, err)
	var transportErr *transport.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClientEnvelopeFailure(t *testing.T) {
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/things", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				rw.Header().Set("Content-Type", "application/json")
				_, _ = rw.Write([]byte(`{"success": false, "errors": ["backend rejected the request"], "statusCode": 400}`))
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	err := client.Get(context.Background(), "/api/v1/things", &struct{}{})
	var errResp *transport.ErrorResponse
	require.ErrorAs(t, err, &errResp)
	require.Equal(t, http.StatusBadRequest, errResp.StatusCode)
	require.Equal(t, []string{"backend rejected the request"}, errResp.Errors)
}

func TestClientEnvelopeWithoutData(t *testing.T) {
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/things", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				rw.Header().Set("Content-Type", "application/json")
				_, _ = rw.Write([]byte(`{"success": true}`))
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	err := client.Get(context.Background(), "/api/v1/things", &struct{}{})
	var transportErr *transport.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Contains(t, transportErr.Error(), "missing the data field")
}

func TestClientFlatResponse(t *testing.T) {
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/legacy", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				rw.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(rw).Encode(userInfo{ID: "7", Name: "legacy"})
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	var user userInfo
	require.NoError(t, client.Get(context.Background(), "/api/v1/legacy", &user))
	require.Equal(t, userInfo{ID: "7", Name: "legacy"}, user)
}

func TestClientPostBody(t *testing.T) {
	var gotBody userInfo
	var gotContentType string
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/users", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				gotContentType = r.Header.Get("Content-Type")
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				envelopeHandler(userInfo{ID: "new", Name: gotBody.Name}).ServeHTTP(rw, r)
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	var created userInfo
	require.NoError(t, client.Post(context.Background(), "/api/v1/users", userInfo{Name: "alice"}, &created))
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "alice", gotBody.Name)
	require.Equal(t, "new", created.ID)
}

func TestClientAuthStrategy(t *testing.T) {
	var gotHeaders http.Header
	server := startTestServer(t,
		misotest.WithHTTPClientCredentials(testClientID, testClientSecret),
		misotest.WithHTTPResourceHandler("/api/v1/things", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				gotHeaders = r.Header.Clone()
				envelopeHandler(struct{}{}).ServeHTTP(rw, r)
			})),
	)
	tokenHandler := server.TokenHandler.(*misotest.TokenHandler)
	client := newTestClient(server, transport.ClientOpts{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
	})

	t.Run("bearer preferred, token provider untouched", func(t *testing.T) {
		require.NoError(t, client.Get(context.Background(), "/api/v1/things", nil,
			transport.WithAuthStrategy(transport.AuthStrategy{
				Methods:     []transport.AuthMethod{transport.AuthMethodBearer, transport.AuthMethodClientToken},
				BearerToken: "user-token",
			})))
		require.Equal(t, "Bearer user-token", gotHeaders.Get(transport.HeaderAuthorization))
		require.Empty(t, gotHeaders.Get(transport.HeaderClientToken))
		require.Equal(t, uint64(0), tokenHandler.ServedCount())
	})

	t.Run("falls back to client token", func(t *testing.T) {
		require.NoError(t, client.Get(context.Background(), "/api/v1/things", nil,
			transport.WithAuthStrategy(transport.AuthStrategy{
				Methods: []transport.AuthMethod{transport.AuthMethodBearer, transport.AuthMethodClientToken},
			})))
		require.Empty(t, gotHeaders.Get(transport.HeaderAuthorization))
		require.NotEmpty(t, gotHeaders.Get(transport.HeaderClientToken))
		require.Equal(t, uint64(1), tokenHandler.ServedCount())
	})

	t.Run("client credentials", func(t *testing.T) {
		require.NoError(t, client.Get(context.Background(), "/api/v1/things", nil,
			transport.WithAuthStrategy(transport.AuthStrategy{
				Methods: []transport.AuthMethod{transport.AuthMethodClientCredentials},
			})))
		require.Equal(t, testClientID, gotHeaders.Get(transport.HeaderClientID))
		require.Equal(t, testClientSecret, gotHeaders.Get(transport.HeaderClientSecret))
	})
}

func TestClientExtraHeadersAndCorrelationID(t *testing.T) {
	var gotHeaders http.Header
	server := startTestServer(t,
		misotest.WithHTTPResourceHandler("/api/v1/things", http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				gotHeaders = r.Header.Clone()
				envelopeHandler(struct{}{}).ServeHTTP(rw, r)
			})),
	)
	client := newTestClient(server, transport.ClientOpts{})

	ctx := transport.NewContextWithCorrelationID(context.Background(), "corr-123")
	require.NoError(t, client.Get(ctx, "/api/v1/things", nil, transport.WithHeader("X-Tenant-Id", "tenant-42")))
	require.Equal(t, "tenant-42", gotHeaders.Get("X-Tenant-Id"))
	require.Equal(t, "corr-123", gotHeaders.Get(transport.HeaderCorrelationID))
}

func TestClientTransportError(t *testing.T) {
	client := transport.NewClient("http://127.0.0.1:1")

	err := client.Get(context.Background(), "/api/v1/things", &struct{}{})
	var transportErr *transport.TransportError
	require.ErrorAs(t, err, &transportErr)
}
