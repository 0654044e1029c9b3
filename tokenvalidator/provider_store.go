/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenvalidator

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/vasayxtx/go-glob"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwt"
)

type providerURLMatcher func(issURL *url.URL) bool

type providerEntry struct {
	provider DelegatedProvider
	audience *jwt.AudienceValidator

	// jwksURI is memoized here after OpenID discovery when the provider omits it.
	jwksMu  sync.Mutex
	jwksURI string
}

// resolveJWKSURI returns the provider's JWKS URI, running discovery at most once
// per entry: concurrent callers for the same issuer share one discovery call.
func (e *providerEntry) resolveJWKSURI(discover func() (string, error)) (string, error) {
	e.jwksMu.Lock()
	defer e.jwksMu.Unlock()
	if e.jwksURI != "" {
		return e.jwksURI, nil
	}
	jwksURI, err := discover()
	if err != nil {
		return "", err
	}
	e.jwksURI = jwksURI
	return jwksURI, nil
}

type providerMatcher struct {
	match    providerURLMatcher
	provider DelegatedProvider
}

// providerStore holds delegated providers matched by exact issuer or by issuer URL glob pattern.
// Dynamically looked-up providers are memoized here under their concrete issuer.
type providerStore struct {
	mu       sync.RWMutex
	exact    map[string]*providerEntry
	matchers []providerMatcher
}

func newProviderStore() *providerStore {
	return &providerStore{exact: make(map[string]*providerEntry)}
}

// Add registers a delegated provider. Issuers containing a glob meta-character
// are matched by URL pattern, everything else by exact issuer string.
func (s *providerStore) Add(provider DelegatedProvider) error {
	if provider.Issuer == "" {
		return fmt.Errorf("delegated provider issuer must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.ContainsAny(provider.Issuer, "*?") {
		s.exact[provider.Issuer] = newProviderEntry(provider)
		return nil
	}
	urlMatcher, err := makeProviderURLMatcher(provider.Issuer)
	if err != nil {
		return err
	}
	s.matchers = append(s.matchers, providerMatcher{match: urlMatcher, provider: provider})
	return nil
}

// Get returns the provider entry for the issuer.
// A glob match is memoized under the concrete issuer so that discovery results
// are shared by subsequent calls.
func (s *providerStore) Get(issuer string) (*providerEntry, bool) {
	s.mu.RLock()
	entry, found := s.exact[issuer]
	s.mu.RUnlock()
	if found {
		return entry, true
	}

	parsedIssURL, err := url.Parse(issuer)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, found = s.exact[issuer]; found {
		return entry, true
	}
	for i := range s.matchers {
		if s.matchers[i].match(parsedIssURL) {
			entry = newProviderEntry(s.matchers[i].provider)
			entry.provider.Issuer = issuer
			s.exact[issuer] = entry
			return entry, true
		}
	}
	return nil, false
}

// Memoize stores a dynamically resolved provider under its concrete issuer.
func (s *providerStore) Memoize(issuer string, provider DelegatedProvider) *providerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, found := s.exact[issuer]; found {
		return entry
	}
	entry := newProviderEntry(provider)
	entry.provider.Issuer = issuer
	s.exact[issuer] = entry
	return entry
}

func newProviderEntry(provider DelegatedProvider) *providerEntry {
	entry := &providerEntry{provider: provider, jwksURI: provider.JWKSURI}
	if len(provider.Audience) != 0 {
		entry.audience = jwt.NewAudienceValidator(true, provider.Audience)
	}
	return entry
}

func makeProviderURLMatcher(urlPattern string) (providerURLMatcher, error) {
	parsedURL, err := url.Parse(urlPattern)
	if err != nil {
		return nil, fmt.Errorf("parse issuer URL glob pattern: %w", err)
	}
	hostMatcher := glob.Compile(parsedURL.Host)
	return func(issURL *url.URL) bool {
		return hostMatcher(issURL.Host) &&
			parsedURL.Path == issURL.Path &&
			parsedURL.Scheme == issURL.Scheme &&
			parsedURL.RawQuery == issURL.RawQuery
	}, nil
}
