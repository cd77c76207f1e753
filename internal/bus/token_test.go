package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.chandispatch.dev/internal/bus"
)

func TestTokenSigner_SignThenVerifyRoundTrips(t *testing.T) {
	signer, err := bus.NewTokenSigner([]byte("super-secret"), "chandispatch", time.Minute)
	require.NoError(t, err)

	token, err := signer.Sign("create_channel", "acct-1")
	require.NoError(t, err)

	method, subject, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "create_channel", method)
	require.Equal(t, "acct-1", subject)
}

func TestTokenSigner_VerifyRejectsTokenFromDifferentSecret(t *testing.T) {
	signer, err := bus.NewTokenSigner([]byte("secret-a"), "chandispatch", time.Minute)
	require.NoError(t, err)
	other, err := bus.NewTokenSigner([]byte("secret-b"), "chandispatch", time.Minute)
	require.NoError(t, err)

	token, err := signer.Sign("ensure_channel", "acct-2")
	require.NoError(t, err)

	_, _, err = other.Verify(token)
	require.Error(t, err)
}

func TestTokenSigner_VerifyRejectsExpiredToken(t *testing.T) {
	signer, err := bus.NewTokenSigner([]byte("super-secret"), "chandispatch", -time.Minute)
	require.NoError(t, err)

	token, err := signer.Sign("create_channel", "acct-3")
	require.NoError(t, err)

	_, _, err = signer.Verify(token)
	require.Error(t, err)
}
