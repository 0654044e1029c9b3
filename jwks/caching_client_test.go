/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package jwks_test

import (
	"context"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/jwks"
	"github.com/esystemsdev/aifabrix-miso-client-sub005/misotest"
)

const secondTestKeyID = "737c5114f09b5ed05276bd4b520245982f7fb29f"

func TestCachingClientGetRSAPublicKey(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClient()
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	pubKey, err := client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)
	require.IsType(t, &rsa.PublicKey{}, pubKey)

	// A different kid from the same key set is served from the cache.
	pubKey2, err := client.GetRSAPublicKey(context.Background(), jwksURI, secondTestKeyID)
	require.NoError(t, err)
	require.IsType(t, &rsa.PublicKey{}, pubKey2)
	require.Equal(t, uint64(1), keysHandler.ServedCount())
}

func TestCachingClientGetRSAPublicKeyConcurrently(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClient()
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	const callersNum = 10
	errs := make([]error, callersNum)
	var wg sync.WaitGroup
	for i := 0; i < callersNum; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callersNum; i++ {
		require.NoError(t, errs[i])
	}
	require.Equal(t, uint64(1), keysHandler.ServedCount())
}

func TestCachingClientMissingKeyRateLimiting(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClient()
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	_, err := client.GetRSAPublicKey(context.Background(), jwksURI, "unknown-kid")
	var jwkNotFoundErr *jwks.JWKNotFoundError
	require.ErrorAs(t, err, &jwkNotFoundErr)
	fetchesAfterMiss := keysHandler.ServedCount()

	// A repeated lookup of the same missing kid must not hammer the endpoint.
	_, err = client.GetRSAPublicKey(context.Background(), jwksURI, "unknown-kid")
	require.ErrorAs(t, err, &jwkNotFoundErr)
	require.Equal(t, fetchesAfterMiss, keysHandler.ServedCount())
}

func TestCachingClientInvalidateCacheIfNeeded(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClientWithOpts(jwks.CachingClientOpts{
		CacheUpdateMinInterval: time.Millisecond * 10,
	})
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	_, err := client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)

	// Right after a fetch the invalidation is rate-limited.
	invalidated, err := client.InvalidateCacheIfNeeded(context.Background(), jwksURI)
	require.NoError(t, err)
	require.False(t, invalidated)

	time.Sleep(time.Millisecond * 20)
	invalidated, err = client.InvalidateCacheIfNeeded(context.Background(), jwksURI)
	require.NoError(t, err)
	require.True(t, invalidated)
	require.Equal(t, uint64(2), keysHandler.ServedCount())
}

func TestCachingClientRemoveFromCache(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClient()
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	_, err := client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)

	client.RemoveFromCache(jwksURI)
	_, err = client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), keysHandler.ServedCount())
}

func TestCachingClientPurgeCache(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClient()
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	_, err := client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)

	client.PurgeCache()
	_, err = client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), keysHandler.ServedCount())
}

func TestCachingClientExpiredEntryIsRefetched(t *testing.T) {
	server := startTestServer(t)
	keysHandler := server.KeysHandler.(*misotest.JWKSHandler)
	client := jwks.NewCachingClientWithOpts(jwks.CachingClientOpts{
		CacheTTL: time.Millisecond * 20,
	})
	jwksURI := server.URL() + misotest.JWKSEndpointPath

	_, err := client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)

	time.Sleep(time.Millisecond * 30)
	_, err = client.GetRSAPublicKey(context.Background(), jwksURI, misotest.TestKeyID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), keysHandler.ServedCount())
}
