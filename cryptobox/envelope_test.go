package cryptobox

import (
	"testing"

	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/identity"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	alice, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("hello across the mesh")

	env, err := EncryptFor(alice, bob.Public, plaintext)
	require.NoError(t, err)

	got, err := DecryptFrom(bob, env)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEnvelopeTamperedCiphertextFails(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()

	env, err := EncryptFor(alice, bob.Public, []byte("payload"))
	require.NoError(t, err)

	env.Ciphertext[len(env.Ciphertext)-1] ^= 0xFF

	_, err = DecryptFrom(bob, env)
	require.Error(t, err)
	require.ErrorIs(t, err, errkind.Of(errkind.InvalidSignature))
}

func TestEnvelopeTamperedSignatureFails(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()

	env, err := EncryptFor(alice, bob.Public, []byte("payload"))
	require.NoError(t, err)

	env.Signature[0] ^= 0xFF

	_, err = DecryptFrom(bob, env)
	require.Error(t, err)
	require.ErrorIs(t, err, errkind.Of(errkind.InvalidSignature))
}

func TestEnvelopeWrongRecipientFails(t *testing.T) {
	alice, _ := identity.GenerateKeyPair()
	bob, _ := identity.GenerateKeyPair()
	mallory, _ := identity.GenerateKeyPair()

	env, err := EncryptFor(alice, bob.Public, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptFrom(mallory, env)
	require.Error(t, err)
}
