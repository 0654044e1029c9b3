/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package jwt

import (
	"context"
	"errors"
	"fmt"

	"github.com/acronis/go-appkit/log"
	jwtgo "github.com/golang-jwt/jwt/v5"

	"github.com/esystemsdev/aifabrix-miso-client-sub005/internal/idputil"
)

// KeysProvider is an interface for providing keys for verifying JWT.
type KeysProvider interface {
	GetRSAPublicKey(ctx context.Context, jwksURI, keyID string) (interface{}, error)
}

// CachingKeysProvider is an interface for providing keys for verifying JWT.
// Unlike KeysProvider, it supports caching of obtained keys.
type CachingKeysProvider interface {
	KeysProvider
	InvalidateCacheIfNeeded(ctx context.Context, jwksURI string) (bool, error)
}

// Target describes against what the token must be verified:
// where to get signing keys and which issuer (and optionally audience) to expect.
type Target struct {
	// JWKSURI is the URI of the JWKS endpoint with the issuer's public keys.
	JWKSURI string

	// Issuer is the expected value of the "iss" claim.
	Issuer string

	// Audience is an optional audience validator applied after signature verification.
	Audience *AudienceValidator
}

// ParserOpts additional options for parser.
type ParserOpts struct {
	// SkipClaimsValidation allows skipping claims validation (e.g., checking expiration time).
	// It doesn't affect signature verification.
	SkipClaimsValidation bool

	// LoggerProvider is a function that provides a logger for the Parser.
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// Parser is an object for parsing, validation and verification of JWT.
type Parser struct {
	parser               *jwtgo.Parser
	skipClaimsValidation bool
	keysProvider         KeysProvider
	loggerProvider       func(ctx context.Context) log.FieldLogger
}

// NewParser creates new JWT parser with specified keys provider.
func NewParser(keysProvider KeysProvider) *Parser {
	return NewParserWithOpts(keysProvider, ParserOpts{})
}

// NewParserWithOpts creates new JWT parser with specified keys provider and additional options.
func NewParserWithOpts(keysProvider KeysProvider, opts ParserOpts) *Parser {
	parserOpts := []jwtgo.ParserOption{jwtgo.WithExpirationRequired()}
	if opts.SkipClaimsValidation {
		parserOpts = append(parserOpts, jwtgo.WithoutClaimsValidation())
	}
	return &Parser{
		parser:               jwtgo.NewParser(parserOpts...),
		skipClaimsValidation: opts.SkipClaimsValidation,
		keysProvider:         keysProvider,
		loggerProvider:       opts.LoggerProvider,
	}
}

// Parse parses, validates and verifies passed token (its string representation)
// against the passed target. Parsed claims are returned.
func (p *Parser) Parse(ctx context.Context, token string, target Target) (*Claims, error) {
	keyFunc := p.getKeyFunc(ctx, target.JWKSURI)
	claims := &Claims{}
	if _, err := p.parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		if !errors.Is(err, jwtgo.ErrTokenSignatureInvalid) {
			return nil, err
		}

		// If keys provider supports caching, keys may be stale after a rotation.
		// Invalidate the cache and try parsing JWT again.
		cachingKeysProvider, ok := p.keysProvider.(CachingKeysProvider)
		if !ok {
			return nil, err
		}
		invalidated, invalidateErr := cachingKeysProvider.InvalidateCacheIfNeeded(ctx, target.JWKSURI)
		if invalidateErr != nil {
			idputil.GetLoggerFromProvider(ctx, p.loggerProvider).Error(
				fmt.Sprintf("keys provider invalidating cache error for JWKS URI %q", target.JWKSURI),
				log.Error(invalidateErr))
			return nil, err
		}
		if !invalidated {
			return nil, err
		}

		if _, err = p.parser.ParseWithClaims(token, claims, keyFunc); err != nil {
			return nil, err
		}
	}

	if target.Issuer != "" && claims.Issuer != target.Issuer {
		return nil, fmt.Errorf("%w: %w", jwtgo.ErrTokenInvalidIssuer,
			&IssuerMismatchError{Expected: target.Issuer, Actual: claims.Issuer})
	}

	if !p.skipClaimsValidation && target.Audience != nil {
		if err := target.Audience.Validate(claims); err != nil {
			return nil, fmt.Errorf("%w: %w", jwtgo.ErrTokenInvalidClaims, err)
		}
	}

	return claims, nil
}

func (p *Parser) getKeyFunc(ctx context.Context, jwksURI string) func(token *jwtgo.Token) (interface{}, error) {
	return func(token *jwtgo.Token) (i interface{}, err error) {
		switch signAlg := token.Method.Alg(); signAlg {
		case "none": //nolint:goconst
			return nil, jwtgo.NoneSignatureTypeDisallowedError

		case "RS256", "RS384", "RS512":
			// Empty kid is LEGAL, not all IDP impl support kid.
			kidStr := ""
			if kid, found := token.Header["kid"]; found {
				kidStr = kid.(string)
			}
			return p.keysProvider.GetRSAPublicKey(ctx, jwksURI, kidStr)

		default:
			return nil, &SignAlgUnknownError{signAlg}
		}
	}
}

// ParseUnverified decodes the token without verifying its signature or claims.
// It is intended for reading the issuer before the verification target is known.
// Never use its result for authorization decisions.
func ParseUnverified(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwtgo.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
