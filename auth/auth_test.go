package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New(Options{
		ServiceName:   "billing-service",
		JWTSigningKey: "super-secret-signing-key",
		TokenTTL:      time.Minute,
	})
	require.NoError(t, err)
	return a
}

func TestServiceTokenRoundTrip(t *testing.T) {
	a := testAuth(t)

	token, err := a.CreateServiceToken()
	require.NoError(t, err)

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims)
	require.Equal(t, "billing-service", claims.Service)
	require.False(t, claims.Admin)
}

func TestVerifyTokenRejectsForeignKey(t *testing.T) {
	a := testAuth(t)

	other, err := New(Options{
		ServiceName:   "member-service",
		JWTSigningKey: "a-different-signing-key!",
	})
	require.NoError(t, err)

	token, err := other.CreateServiceToken()
	require.NoError(t, err)

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	require.Nil(t, claims)
}

func TestNewRequiresStrongKey(t *testing.T) {
	_, err := New(Options{
		ServiceName:   "billing-service",
		JWTSigningKey: "short",
	})
	require.Error(t, err)
}
