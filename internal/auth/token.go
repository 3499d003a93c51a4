// Package auth turns an opaque bearer credential into the identity the live
// server trusts: id, display name and role.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
)

const issuer = "eventhub"

// Identity is a verified principal.
type Identity struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == directory.RoleAdmin }

// Claims is the JWT payload issued by the platform's login flow.
type Claims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// UserLookup resolves the current profile of a user.
type UserLookup interface {
	User(ctx context.Context, id int64) (directory.User, error)
}

// Authenticator validates HS256 tokens and loads the profile behind them.
type Authenticator struct {
	secret []byte
	users  UserLookup
}

func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Resolve validates token and returns the identity of its subject. Invalid or
// expired tokens and unknown users are Unauthorized; blocked users are
// Forbidden.
func (a *Authenticator) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, errdef.NewUnauthorized("missing token")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return Identity{}, errdef.NewUnauthorized("invalid token: %v", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return Identity{}, errdef.NewUnauthorized("invalid token claims")
	}

	u, err := a.users.User(ctx, claims.UserID)
	if errdef.IsNotFound(err) {
		return Identity{}, errdef.NewUnauthorized("user %d no longer exists", claims.UserID)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: load user: %w", err)
	}
	if u.Blocked {
		return Identity{}, errdef.NewForbidden("user %d is blocked", u.ID)
	}

	name := u.Username
	if name == "" {
		name = directory.FallbackName(u.ID)
	}
	return Identity{ID: u.ID, DisplayName: name, Role: u.Role}, nil
}
