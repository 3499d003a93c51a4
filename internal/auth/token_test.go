package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/errdef"
)

type fakeUsers map[int64]directory.User

func (f fakeUsers) User(_ context.Context, id int64) (directory.User, error) {
	u, ok := f[id]
	if !ok {
		return directory.User{}, errdef.NewNotFound("user %d not found", id)
	}
	return u, nil
}

var users = fakeUsers{
	7: {ID: 7, Username: "anna", Role: "user"},
	1: {ID: 1, Username: "root", Role: directory.RoleAdmin},
	9: {ID: 9, Username: "troll", Role: "user", Blocked: true},
}

func TestResolve(t *testing.T) {
	a := NewAuthenticator("secret", users)

	token, err := a.Issue(7, time.Hour)
	require.NoError(t, err)

	id, err := a.Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: 7, DisplayName: "anna", Role: "user"}, id)
	assert.False(t, id.IsAdmin())

	token, err = a.Issue(1, time.Hour)
	require.NoError(t, err)
	id, err = a.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())
}

func TestResolve_Rejects(t *testing.T) {
	a := NewAuthenticator("secret", users)
	other := NewAuthenticator("other-secret", users)

	expired, err := a.Issue(7, -time.Minute)
	require.NoError(t, err)
	foreign, err := other.Issue(7, time.Hour)
	require.NoError(t, err)
	ghost, err := a.Issue(404, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not.a.jwt",
		"expired":   expired,
		"signature": foreign,
		"ghost":     ghost,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Resolve(context.Background(), token)
			assert.True(t, errdef.IsUnauthorized(err), "got %v", err)
		})
	}
}

func TestResolve_RejectsNoneAlgorithm(t *testing.T) {
	a := NewAuthenticator("secret", users)

	claims := Claims{UserID: 7, RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Resolve(context.Background(), token)
	assert.True(t, errdef.IsUnauthorized(err))
}

func TestResolve_BlockedUser(t *testing.T) {
	a := NewAuthenticator("secret", users)

	token, err := a.Issue(9, time.Hour)
	require.NoError(t, err)

	_, err = a.Resolve(context.Background(), token)
	assert.True(t, errdef.IsForbidden(err))
}
