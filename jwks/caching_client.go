/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package jwks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/lrucache"
)

const DefaultCacheUpdateMinInterval = time.Minute * 1

// DefaultCacheTTL is the default time-to-live for cached JWKS entries.
// After this duration, cached entries are considered expired and will be refreshed.
// This prevents revoked keys from remaining in cache indefinitely.
const DefaultCacheTTL = time.Hour * 1

// CachingClientOpts contains options for CachingClient.
type CachingClientOpts struct {
	ClientOpts

	// CacheUpdateMinInterval is a minimal interval between cache updates for the same JWKS URI.
	CacheUpdateMinInterval time.Duration

	// CacheTTL is the time-to-live for cached JWKS entries.
	// After this duration, cached entries expire and will be refreshed on next access.
	// Default: DefaultCacheTTL (1 hour).
	CacheTTL time.Duration
}

// CachingClient is a Client for getting keys from remote JWKS with a caching mechanism.
// Cache entries are keyed by the JWKS URI.
type CachingClient struct {
	mu                     sync.RWMutex
	rawClient              *Client
	uriCache               map[string]uriCacheEntry
	cacheUpdateMinInterval time.Duration
	cacheTTL               time.Duration
}

const missingKeysCacheSize = 100

type uriCacheEntry struct {
	updatedAt   time.Time
	expiresAt   time.Time
	keys        map[string]interface{}
	missingKeys *lrucache.LRUCache[string, time.Time]
}

func (uce *uriCacheEntry) isExpired() bool {
	return time.Now().After(uce.expiresAt)
}

// NewCachingClient returns a new Client that can cache fetched data.
func NewCachingClient() *CachingClient {
	return NewCachingClientWithOpts(CachingClientOpts{})
}

// NewCachingClientWithOpts returns a new Client that can cache fetched data with options.
func NewCachingClientWithOpts(opts CachingClientOpts) *CachingClient {
	if opts.CacheUpdateMinInterval <= 0 {
		opts.CacheUpdateMinInterval = DefaultCacheUpdateMinInterval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &CachingClient{
		rawClient:              NewClientWithOpts(opts.ClientOpts),
		uriCache:               make(map[string]uriCacheEntry),
		cacheUpdateMinInterval: opts.CacheUpdateMinInterval,
		cacheTTL:               opts.CacheTTL,
	}
}

// GetRSAPublicKey searches JWK with passed key ID in JWKS and returns decoded RSA public key for it.
// The last one can be used for verifying JWT signature. Obtained JWKS is cached.
// If passed JWKS URI or key ID is not found in the cache, JWKS will be fetched again,
// but not more than once in a some (configurable) period of time.
func (cc *CachingClient) GetRSAPublicKey(ctx context.Context, jwksURI, keyID string) (interface{}, error) {
	pubKey, found, needInvalidate := cc.getPubKeyFromCache(jwksURI, keyID)
	if found {
		return pubKey, nil
	}
	if needInvalidate {
		var err error
		if pubKey, found, err = cc.getPubKeyFromCacheAndInvalidate(ctx, jwksURI, keyID); err != nil || found {
			return pubKey, err
		}
	}
	return nil, &JWKNotFoundError{JWKSURI: jwksURI, KeyID: keyID}
}

// InvalidateCacheIfNeeded does cache invalidation for the specific JWKS URI if possible.
// It returns true if the cache was invalidated, false if invalidation was skipped due to rate limiting.
func (cc *CachingClient) InvalidateCacheIfNeeded(ctx context.Context, jwksURI string) (invalidated bool, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var missingKeys *lrucache.LRUCache[string, time.Time]
	uriCache, found := cc.uriCache[jwksURI]
	if found {
		if time.Since(uriCache.updatedAt) < cc.cacheUpdateMinInterval {
			return false, nil
		}
		missingKeys = uriCache.missingKeys
	} else {
		if missingKeys, err = lrucache.New[string, time.Time](missingKeysCacheSize, nil); err != nil {
			return false, fmt.Errorf("new lru cache for missing keys: %w", err)
		}
	}

	pubKeys, err := cc.rawClient.getRSAPubKeys(ctx, jwksURI)
	if err != nil {
		return false, fmt.Errorf("get rsa public keys (jwks_url: %q): %w", jwksURI, err)
	}
	now := time.Now()
	cc.uriCache[jwksURI] = uriCacheEntry{
		updatedAt:   now,
		expiresAt:   now.Add(cc.cacheTTL),
		keys:        pubKeys,
		missingKeys: missingKeys,
	}
	return true, nil
}

// RemoveFromCache drops the cache entry for the specific JWKS URI.
func (cc *CachingClient) RemoveFromCache(jwksURI string) {
	cc.mu.Lock()
	delete(cc.uriCache, jwksURI)
	cc.mu.Unlock()
}

// PurgeCache drops all cached JWKS entries.
func (cc *CachingClient) PurgeCache() {
	cc.mu.Lock()
	cc.uriCache = make(map[string]uriCacheEntry)
	cc.mu.Unlock()
}

func (cc *CachingClient) getPubKeyFromCache(
	jwksURI, keyID string,
) (pubKey interface{}, found bool, needInvalidate bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	uriCache, uriFound := cc.uriCache[jwksURI]
	if !uriFound {
		return nil, false, true
	}

	if uriCache.isExpired() {
		return nil, false, true
	}

	if pubKey, found = uriCache.keys[keyID]; found {
		return
	}
	missedAt, miss := uriCache.missingKeys.Get(keyID)
	if !miss || time.Since(missedAt) > cc.cacheUpdateMinInterval {
		return nil, false, true
	}
	return nil, false, false
}

func (cc *CachingClient) getPubKeyFromCacheAndInvalidate(
	ctx context.Context, jwksURI, keyID string,
) (pubKey interface{}, found bool, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var missingKeys *lrucache.LRUCache[string, time.Time]
	if uriCache, uriFound := cc.uriCache[jwksURI]; uriFound {
		if !uriCache.isExpired() {
			if pubKey, found = uriCache.keys[keyID]; found {
				return pubKey, true, nil
			}
			missedAt, miss := uriCache.missingKeys.Get(keyID)
			if miss && time.Since(missedAt) < cc.cacheUpdateMinInterval {
				return nil, false, nil
			}
		}
		missingKeys = uriCache.missingKeys
	} else {
		missingKeys, err = lrucache.New[string, time.Time](missingKeysCacheSize, nil)
		if err != nil {
			return nil, false, fmt.Errorf("new lru cache for missing keys: %w", err)
		}
	}

	pubKeys, err := cc.rawClient.getRSAPubKeys(ctx, jwksURI)
	if err != nil {
		return nil, false, fmt.Errorf("get rsa public keys (jwks_url: %q): %w", jwksURI, err)
	}
	pubKey, found = pubKeys[keyID]
	if !found {
		missingKeys.Add(keyID, time.Now())
	}
	now := time.Now()
	cc.uriCache[jwksURI] = uriCacheEntry{
		updatedAt:   now,
		expiresAt:   now.Add(cc.cacheTTL),
		keys:        pubKeys,
		missingKeys: missingKeys,
	}
	return pubKey, found, nil
}
