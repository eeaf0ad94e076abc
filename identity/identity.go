/*
Package identity implements node identity: Ed25519 key pairs, the
derived 20-byte address, its spx1 text encoding, and the XOR distance
metric used by the routing table.
*/
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/btcsuite/btcutil/base58"
	"github.com/sparxnet/core/errkind"
	"lukechampine.com/blake3"
)

// AddressSize is the length in bytes of a derived node address.
const AddressSize = 20

// addressPrefix is the human-readable prefix of an encoded address.
const addressPrefix = "spx1"

// checksumSize is the number of checksum bytes appended before Base58
// encoding, following the Base58Check convention.
const checksumSize = 4

// Address uniquely identifies a node in the 160-bit identity space.
type Address [AddressSize]byte

// KeyPair owns a signing secret for the lifetime of the node. Call
// Zero when the node shuts down so the secret does not linger in
// memory longer than necessary.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// KeyPairFromSeed derives a deterministic key pair from an arbitrary
// length seed phrase by hashing it to the 32-byte Ed25519 seed size.
func KeyPairFromSeed(seed []byte) *KeyPair {
	h := blake3.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(h[:])
	return &KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}
}

// Zero wipes the private key material. The KeyPair must not be used
// afterwards.
func (k *KeyPair) Zero() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}

// Address returns the address derived from this key pair's public key.
func (k *KeyPair) Address() Address {
	return Derive(k.Public)
}

// Derive computes the 20-byte address of a public key: the first
// AddressSize bytes of its blake3 hash.
func Derive(publicKey ed25519.PublicKey) (addr Address) {
	h := blake3.Sum256(publicKey)
	copy(addr[:], h[:AddressSize])
	return addr
}

// String encodes the address as "spx1" + Base58Check(hash || checksum).
func (a Address) String() string {
	payload := make([]byte, AddressSize)
	copy(payload, a[:])
	sum := checksum(payload)
	full := append(payload, sum...)
	return addressPrefix + base58.Encode(full)
}

// checksum computes the first 4 bytes of the double blake3 hash of
// data, mirroring Bitcoin's double-SHA256 Base58Check convention but
// with the hash function already used throughout this module.
func checksum(data []byte) []byte {
	first := blake3.Sum256(data)
	second := blake3.Sum256(first[:])
	return second[:checksumSize]
}

// Decode parses an address string produced by String, validating the
// prefix, length, and checksum.
func Decode(s string) (Address, error) {
	var addr Address

	if len(s) <= len(addressPrefix) || s[:len(addressPrefix)] != addressPrefix {
		return addr, errkind.New(errkind.InvalidAddress, errors.New("missing spx1 prefix"))
	}

	decoded := base58.Decode(s[len(addressPrefix):])
	if len(decoded) != AddressSize+checksumSize {
		return addr, errkind.New(errkind.InvalidAddress, errors.New("invalid decoded length"))
	}

	payload := decoded[:AddressSize]
	gotSum := decoded[AddressSize:]
	wantSum := checksum(payload)

	for i := range wantSum {
		if gotSum[i] != wantSum[i] {
			return addr, errkind.New(errkind.InvalidAddress, errors.New("invalid checksum"))
		}
	}

	copy(addr[:], payload)
	return addr, nil
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Distance computes the XOR distance between two addresses, used as
// the Kademlia metric.
func Distance(a, b Address) (d Address) {
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// BucketIndex returns the number of leading zero bits of the XOR
// distance between self and other, clamped to [0, 160). This is the
// K-bucket index used by the routing table: identical addresses (self
// compared to itself) return 159, the caller is responsible for
// rejecting self-inserts.
func BucketIndex(self, other Address) int {
	d := Distance(self, other)
	return leadingZeroBits(d)
}

func leadingZeroBits(d Address) int {
	bits := 0
	for _, b := range d {
		if b == 0 {
			bits += 8
			continue
		}
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) != 0 {
				return bits
			}
			bits++
		}
	}
	if bits > AddressSize*8-1 {
		return AddressSize*8 - 1
	}
	return bits
}

// RandomInBucket returns an address whose BucketIndex relative to self
// is exactly i. Used to refresh stale buckets with a lookup target.
func RandomInBucket(self Address, i int) (Address, error) {
	if i < 0 || i >= AddressSize*8 {
		return Address{}, errors.New("bucket index out of range")
	}

	result := self
	byteIndex := i / 8
	bitInByte := uint(i % 8)

	// Flip the bit at position i (counting from the most significant
	// bit of byteIndex), then randomize every bit after it.
	result[byteIndex] ^= 1 << (7 - bitInByte)

	randTail := make([]byte, AddressSize-byteIndex-1)
	if _, err := rand.Read(randTail); err != nil {
		return Address{}, err
	}
	copy(result[byteIndex+1:], randTail)

	// Randomize the remaining low bits of byteIndex below bitInByte.
	if bitInByte < 7 {
		var randByte [1]byte
		if _, err := rand.Read(randByte[:]); err != nil {
			return Address{}, err
		}
		mask := byte(0xFF) >> (bitInByte + 1)
		result[byteIndex] = (result[byteIndex] &^ mask) | (randByte[0] & mask)
	}

	return result, nil
}
