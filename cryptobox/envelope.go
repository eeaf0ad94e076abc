/*
Package cryptobox implements the authenticated-encryption envelope
exchanged between two node identities: an X25519 shared secret derives
a ChaCha20-Poly1305 key, and the ciphertext is signed with the
sender's Ed25519 key so forwarding or tampering invalidates it.
*/
package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/identity"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// NonceSize and SignatureSize describe the fixed-length fields of an
// Envelope.
const (
	NonceSize     = chacha20poly1305.NonceSize // 12
	TagSize       = chacha20poly1305.Overhead  // 16
	SignatureSize = ed25519.SignatureSize      // 64
)

// Envelope is the signed, encrypted wrapper around every application
// message exchanged between two peers.
type Envelope struct {
	SenderAddress   identity.Address
	SenderPublicKey ed25519.PublicKey
	Ciphertext      []byte // nonce || ciphertext || tag, as produced by AEAD.Seal
	Signature       []byte // Ed25519 signature over Ciphertext
}

// sharedSecret derives the ECDH shared secret between an Ed25519
// signing key pair and a remote Ed25519 public key by converting both
// into their X25519 (Curve25519) representation.
//
// Ed25519 private keys already contain a 32-byte seed that, once
// hashed, is a valid X25519 scalar; converting the public key uses the
// standard birational map between Edwards25519 and Curve25519.
func sharedSecret(privateKey ed25519.PrivateKey, remotePublic ed25519.PublicKey) ([]byte, error) {
	localScalar, err := ed25519PrivateToX25519(privateKey)
	if err != nil {
		return nil, err
	}

	remoteX25519, err := ed25519PublicToX25519(remotePublic)
	if err != nil {
		return nil, err
	}

	secret, err := curve25519.X25519(localScalar, remoteX25519)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// EncryptFor builds an envelope from sender to recipient: derive the
// shared secret via ECDH, AEAD-encrypt the plaintext with a fresh
// nonce, and sign the ciphertext with the sender's Ed25519 key.
func EncryptFor(sender *identity.KeyPair, recipientPublicKey ed25519.PublicKey, plaintext []byte) (*Envelope, error) {
	secret, err := sharedSecret(sender.Private, recipientPublicKey)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := append(nonce, sealed...)

	signature := ed25519.Sign(sender.Private, ciphertext)

	return &Envelope{
		SenderAddress:   sender.Address(),
		SenderPublicKey: append(ed25519.PublicKey{}, sender.Public...),
		Ciphertext:      ciphertext,
		Signature:       signature,
	}, nil
}

// DecryptFrom verifies the envelope's signature against its declared
// sender public key, checks that the sender address matches the
// public key, derives the shared secret, and AEAD-decrypts the body.
func DecryptFrom(recipient *identity.KeyPair, env *Envelope) ([]byte, error) {
	if len(env.SenderPublicKey) != ed25519.PublicKeySize {
		return nil, errkind.New(errkind.InvalidSignature, errors.New("missing sender public key"))
	}

	if !ed25519.Verify(env.SenderPublicKey, env.Ciphertext, env.Signature) {
		return nil, errkind.New(errkind.InvalidSignature, errors.New("signature verification failed"))
	}

	if identity.Derive(env.SenderPublicKey) != env.SenderAddress {
		return nil, errkind.New(errkind.InvalidSignature, errors.New("sender address does not match public key"))
	}

	secret, err := sharedSecret(recipient.Private, env.SenderPublicKey)
	if err != nil {
		return nil, errkind.New(errkind.DecryptionFailed, err)
	}

	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, errkind.New(errkind.DecryptionFailed, err)
	}

	if len(env.Ciphertext) < NonceSize {
		return nil, errkind.New(errkind.DecryptionFailed, errors.New("ciphertext too short"))
	}

	nonce := env.Ciphertext[:NonceSize]
	body := env.Ciphertext[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errkind.New(errkind.DecryptionFailed, err)
	}

	return plaintext, nil
}
