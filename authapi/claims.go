package authapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes carried in Claims.Scope.
const (
	ScopeFull = "full"
	ScopeMFA  = "mfa"
)

// Claims is the payload of access tokens issued by the backend.
type Claims struct {
	UserID   string `json:"uid"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
	Scope    string `json:"scope"`
	SID      string `json:"sid"`
	jwt.RegisteredClaims
}

// Identity returns the identity summary encoded in the claims.
func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Email: c.Email, Role: c.Role, Verified: c.Verified}
}

// ClaimsFromToken decodes an access token WITHOUT verifying its signature.
// It is only suitable for display and for building a provisional identity
// when the profile endpoint is unreachable; authorization decisions always
// belong to the backend.
func ClaimsFromToken(token string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("decode access token: %w", err)
	}
	return claims, nil
}

// Expiry returns the token expiry or the zero time when absent.
func (c Claims) Expiry() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}
