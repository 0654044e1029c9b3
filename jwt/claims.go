/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package jwt

import (
	"encoding/json"

	jwtgo "github.com/golang-jwt/jwt/v5"
)

// RealmAccess contains realm-level roles of the token subject.
type RealmAccess struct {
	Roles []string `json:"roles,omitempty"`
}

// ResourceRoles contains client-level roles of the token subject for a single resource (client).
type ResourceRoles struct {
	Roles []string `json:"roles,omitempty"`
}

// Claims is a set of JWT claims produced by token verification.
// In addition to the registered claims it carries the identity
// and role claims issued by Keycloak and compatible providers.
type Claims struct {
	jwtgo.RegisteredClaims
	Email             string                   `json:"email,omitempty"`
	PreferredUsername string                   `json:"preferred_username,omitempty"`
	Name              string                   `json:"name,omitempty"`
	Scope             string                   `json:"scope,omitempty"`
	RealmAccess       RealmAccess              `json:"realm_access,omitempty"`
	ResourceAccess    map[string]ResourceRoles `json:"resource_access,omitempty"`
}

// UnmarshalJSON unmarshals claims folding the snake_case and camelCase
// variants of the preferred username claim into one field.
// Some providers emit "preferredUsername" instead of the standard "preferred_username".
func (c *Claims) UnmarshalJSON(data []byte) error {
	type claimsAlias Claims
	aux := struct {
		*claimsAlias
		PreferredUsernameCamel string `json:"preferredUsername"`
	}{claimsAlias: (*claimsAlias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.PreferredUsername == "" {
		c.PreferredUsername = aux.PreferredUsernameCamel
	}
	return nil
}

// Clone returns a deep copy of the claims.
func (c *Claims) Clone() *Claims {
	newClaims := &Claims{
		RegisteredClaims: jwtgo.RegisteredClaims{
			Issuer:  c.Issuer,
			Subject: c.Subject,
			ID:      c.ID,
		},
		Email:             c.Email,
		PreferredUsername: c.PreferredUsername,
		Name:              c.Name,
		Scope:             c.Scope,
	}
	if len(c.Audience) != 0 {
		newClaims.Audience = make(jwtgo.ClaimStrings, len(c.Audience))
		copy(newClaims.Audience, c.Audience)
	}
	if c.ExpiresAt != nil {
		newClaims.ExpiresAt = jwtgo.NewNumericDate(c.ExpiresAt.Time)
	}
	if c.NotBefore != nil {
		newClaims.NotBefore = jwtgo.NewNumericDate(c.NotBefore.Time)
	}
	if c.IssuedAt != nil {
		newClaims.IssuedAt = jwtgo.NewNumericDate(c.IssuedAt.Time)
	}
	if len(c.RealmAccess.Roles) != 0 {
		newClaims.RealmAccess.Roles = make([]string, len(c.RealmAccess.Roles))
		copy(newClaims.RealmAccess.Roles, c.RealmAccess.Roles)
	}
	if len(c.ResourceAccess) != 0 {
		newClaims.ResourceAccess = make(map[string]ResourceRoles, len(c.ResourceAccess))
		for client, roles := range c.ResourceAccess {
			rolesCopy := ResourceRoles{Roles: make([]string, len(roles.Roles))}
			copy(rolesCopy.Roles, roles.Roles)
			newClaims.ResourceAccess[client] = rolesCopy
		}
	}
	return newClaims
}
