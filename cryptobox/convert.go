package cryptobox

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"math/big"
)

// p25519 is the field prime 2^255 - 19 shared by Edwards25519 and
// Curve25519.
var p25519 = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// ed25519PrivateToX25519 derives the Curve25519 scalar from an
// Ed25519 seed the same way Ed25519 itself derives its signing scalar:
// clamp the first 32 bytes of SHA-512(seed).
func ed25519PrivateToX25519(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key length")
	}

	h := sha512.Sum512(priv.Seed())
	x := make([]byte, 32)
	copy(x, h[:32])
	x[0] &= 248
	x[31] &= 127
	x[31] |= 64
	return x, nil
}

// ed25519PublicToX25519 maps an Edwards25519 public key to its
// birationally equivalent Montgomery u-coordinate: u = (1+y)/(1-y).
// Identity keys are Ed25519 only, so ECDH needs this conversion to
// reach a Curve25519 point for X25519.
func ed25519PublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key length")
	}

	yLE := make([]byte, 32)
	copy(yLE, pub)
	yLE[31] &= 0x7F // clear the sign bit, it encodes the x parity, not part of y

	y := new(big.Int).SetBytes(reverseBytes(yLE))

	one := big.NewInt(1)
	num := new(big.Int).Mod(new(big.Int).Add(one, y), p25519)
	den := new(big.Int).Mod(new(big.Int).Sub(one, y), p25519)

	denInv := new(big.Int).ModInverse(den, p25519)
	if denInv == nil {
		return nil, errors.New("public key has no valid montgomery mapping")
	}

	u := new(big.Int).Mod(new(big.Int).Mul(num, denInv), p25519)

	return bigIntToLE32(u), nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func bigIntToLE32(v *big.Int) []byte {
	be := v.Bytes()
	out := make([]byte, 32)
	for i := 0; i < len(be) && i < 32; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}
