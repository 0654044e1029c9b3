/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package misotest

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/acronis/go-appkit/testutil"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/clienttoken"
)

const (
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
	JWKSEndpointPath        = "/idp/keys"
	TokenEndpointPath       = clienttoken.DefaultTokenURI
)

const localhostWithDynamicPortAddr = "127.0.0.1:0"

var ErrUnauthorized = errors.New("unauthorized")

// HTTPServerOption is an option for HTTPServer.
type HTTPServerOption func(s *HTTPServer)

// WithHTTPAddress is an option to set HTTP server address.
func WithHTTPAddress(addr string) HTTPServerOption {
	return func(s *HTTPServer) {
		s.addr.Store(addr)
	}
}

// WithHTTPEndpointPaths is an option to set custom paths for different endpoints.
func WithHTTPEndpointPaths(paths HTTPPaths) HTTPServerOption {
	return func(s *HTTPServer) {
		s.paths = paths
	}
}

// WithHTTPKeysHandler is an option to set custom handler for GET /idp/keys.
// Otherwise, JWKSHandler will be used.
func WithHTTPKeysHandler(handler http.Handler) HTTPServerOption {
	return func(s *HTTPServer) {
		s.KeysHandler = handler
	}
}

// WithHTTPPublicJWKS is an option to set public JWKS for JWKSHandler which will be used for GET /idp/keys.
func WithHTTPPublicJWKS(keys []PublicJWK) HTTPServerOption {
	return func(s *HTTPServer) {
		s.KeysHandler = &JWKSHandler{PublicJWKS: keys}
	}
}

// WithHTTPTokenHandler is an option to set custom handler for the token endpoint.
func WithHTTPTokenHandler(handler http.Handler) HTTPServerOption {
	return func(s *HTTPServer) {
		s.TokenHandler = handler
	}
}

// WithHTTPClientCredentials is an option to make the default TokenHandler require
// the passed client credentials in the X-Client-Id/X-Client-Secret headers.
func WithHTTPClientCredentials(clientID, clientSecret string) HTTPServerOption {
	return func(s *HTTPServer) {
		h := &TokenHandler{ClientID: clientID, ClientSecret: clientSecret}
		s.TokenHandler = h
		s.afterListenCallbacks = append(s.afterListenCallbacks, func() {
			h.Issuer = s.URL()
		})
	}
}

// WithHTTPClaimsProvider is an option to set ClaimsProvider for TokenHandler
// which will be used for the token endpoint.
func WithHTTPClaimsProvider(claimsProvider ClaimsProvider) HTTPServerOption {
	return func(s *HTTPServer) {
		h := &TokenHandler{ClaimsProvider: claimsProvider}
		s.TokenHandler = h
		s.afterListenCallbacks = append(s.afterListenCallbacks, func() {
			h.Issuer = s.URL()
		})
	}
}

// WithHTTPResourceHandler is an option to register an arbitrary resource handler.
func WithHTTPResourceHandler(path string, handler http.Handler) HTTPServerOption {
	return func(s *HTTPServer) {
		s.resourceHandlers = append(s.resourceHandlers, resourceHandler{path: path, handler: handler})
	}
}

func WithHTTPMiddleware(mw func(http.Handler) http.Handler) HTTPServerOption {
	return func(s *HTTPServer) {
		s.middleware = mw
	}
}

// HTTPPaths contains paths for different endpoints.
type HTTPPaths struct {
	OpenIDConfiguration string
	Token               string
	JWKS                string
}

type resourceHandler struct {
	path    string
	handler http.Handler
}

// HTTPServer is a mock controller plus IDP server for testing purposes.
type HTTPServer struct {
	*http.Server
	addr                       atomic.Value
	middleware                 func(http.Handler) http.Handler
	paths                      HTTPPaths
	KeysHandler                http.Handler
	TokenHandler               http.Handler
	OpenIDConfigurationHandler http.Handler
	Router                     *http.ServeMux
	resourceHandlers           []resourceHandler
	afterListenCallbacks       []func()
}

// NewHTTPServer creates a new mock server with provided options.
func NewHTTPServer(options ...HTTPServerOption) *HTTPServer {
	s := &HTTPServer{}
	for _, opt := range options {
		opt(s)
	}

	if s.TokenHandler == nil {
		tokenHandler := &TokenHandler{}
		s.TokenHandler = tokenHandler
		s.afterListenCallbacks = append(s.afterListenCallbacks, func() {
			tokenHandler.Issuer = s.URL()
		})
	}

	if s.KeysHandler == nil {
		s.KeysHandler = &JWKSHandler{}
	}

	if s.paths.OpenIDConfiguration == "" {
		s.paths.OpenIDConfiguration = OpenIDConfigurationPath
	}
	if s.paths.Token == "" {
		s.paths.Token = TokenEndpointPath
	}
	if s.paths.JWKS == "" {
		s.paths.JWKS = JWKSEndpointPath
	}
	openIDCfgHandler := &OpenIDConfigurationHandler{}
	s.OpenIDConfigurationHandler = openIDCfgHandler
	s.afterListenCallbacks = append(s.afterListenCallbacks, func() {
		openIDCfgHandler.Issuer = s.URL()
		openIDCfgHandler.JWKSURL = s.URL() + s.paths.JWKS
		openIDCfgHandler.TokenEndpointURL = s.URL() + s.paths.Token
	})

	s.Router = http.NewServeMux()
	s.Router.Handle(s.paths.OpenIDConfiguration, s.OpenIDConfigurationHandler)
	s.Router.Handle(s.paths.JWKS, s.KeysHandler)
	s.Router.Handle(s.paths.Token, s.TokenHandler)
	for _, rh := range s.resourceHandlers {
		s.Router.Handle(rh.path, rh.handler)
	}

	// nolint:gosec // This server is used for testing purposes only.
	s.Server = &http.Server{Handler: s.Router}
	if s.middleware != nil {
		s.Server.Handler = s.middleware(s.Router)
	}

	return s
}

// URL method returns the URL of the server.
func (s *HTTPServer) URL() string {
	if srvURL := s.addr.Load(); srvURL != nil {
		return "http://" + srvURL.(string)
	}
	return ""
}

// Start starts the HTTPServer.
func (s *HTTPServer) Start() error {
	addr, ok := s.addr.Load().(string)
	if !ok {
		addr = localhostWithDynamicPortAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	s.addr.Store(ln.Addr().String())

	for _, cb := range s.afterListenCallbacks {
		cb()
	}

	go func() { _ = s.Server.Serve(ln) }()

	return nil
}

// StartAndWaitForReady starts the server waits for the server to start listening.
func (s *HTTPServer) StartAndWaitForReady(timeout time.Duration) error {
	if err := s.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	return testutil.WaitListeningServer(s.addr.Load().(string), timeout)
}
