package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	claims *Claims
	err    error
}

func (s stubVerifier) Validate(string) (*Claims, error) { return s.claims, s.err }
func (s stubVerifier) Close() error                     { return nil }

func TestAuthenticateLegacy(t *testing.T) {
	token, err := IssueLegacyToken("user-1", "a@example.com", "secret", time.Hour)
	require.NoError(t, err)

	a := NewAuthenticator(nil, "secret")
	id, err := a.Authenticate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "user-1", Email: "a@example.com"}, id)

	_, err = NewAuthenticator(nil, "other").Authenticate("Bearer " + token)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	expired, err := IssueLegacyToken("user-1", "", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate("Bearer " + expired)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticateHeaderErrors(t *testing.T) {
	a := NewAuthenticator(nil, "secret")
	_, err := a.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = a.Authenticate("Basic abc")
	assert.ErrorIs(t, err, ErrMalformedHeader)
	_, err = a.Authenticate("Bearer")
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = NewAuthenticator(nil, "").Authenticate("Bearer x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAuthenticatePrefersVerifier(t *testing.T) {
	v := stubVerifier{claims: &Claims{UserID: "oidc-user", Name: "Ada"}}
	id, err := NewAuthenticator(v, "").Authenticate("bearer tok")
	require.NoError(t, err)
	assert.Equal(t, "oidc-user", id.UserID)
	assert.Equal(t, "Ada", id.Name)

	failing := stubVerifier{err: errors.New("bad signature")}
	_, err = NewAuthenticator(failing, "").Authenticate("Bearer tok")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// falls back to the legacy secret
	token, err := IssueLegacyToken("legacy-user", "", "secret", time.Hour)
	require.NoError(t, err)
	id, err = NewAuthenticator(failing, "secret").Authenticate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "legacy-user", id.UserID)
}
