// Package auth provides stateless JWT authentication and role gating.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "filebrowser"

// Role is the authorization level of an identity.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Identity is the authenticated user behind a request.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Claims holds JWT token claims.
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Authority signs and verifies tokens with a server-held secret.
type Authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthority creates an Authority issuing tokens valid for ttl.
func NewAuthority(secret string, ttl time.Duration) *Authority {
	return &Authority{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for id that expires after the configured TTL.
func (a *Authority) Issue(id Identity) (string, time.Time, error) {
	return a.IssueUntil(id, a.now().Add(a.ttl))
}

// IssueUntil signs a token for id with an explicit expiry.
func (a *Authority) IssueUntil(id Identity, expiresAt time.Time) (string, time.Time, error) {
	if id.Username == "" {
		return "", time.Time{}, fmt.Errorf("username required")
	}
	if !id.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("invalid role %q", id.Role)
	}

	claims := &Claims{
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(a.now()),
			Issuer:    issuer,
			Subject:   id.Username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Verify checks the signature, algorithm, issuer and expiry of tokenStr and
// returns the identity it carries. Any failure yields nil; the reason is
// deliberately not reported.
func (a *Authority) Verify(tokenStr string) *Identity {
	if tokenStr == "" {
		return nil
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(token *jwt.Token) (interface{}, error) {
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil
	}
	if claims.Username == "" || !claims.Role.Valid() {
		return nil
	}

	return &Identity{Username: claims.Username, Role: claims.Role}
}
