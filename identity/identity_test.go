package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripIdentity(t *testing.T) {
	for i := 0; i < 20; i++ {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)

		addr := kp.Address()
		encoded := addr.String()

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, addr, decoded)
	}
}

func TestDecodeRejectsCorruptedChecksum(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := kp.Address().String()
	corrupted := []byte(encoded)
	corrupted[len(corrupted)-1]++

	_, err = Decode(string(corrupted))
	require.Error(t, err)
}

func TestDecodeRejectsWrongPrefix(t *testing.T) {
	_, err := Decode("xyz1abcd")
	require.Error(t, err)
}

func TestDistanceProperties(t *testing.T) {
	kpA, _ := GenerateKeyPair()
	kpB, _ := GenerateKeyPair()
	a, b := kpA.Address(), kpB.Address()

	require.Equal(t, Distance(a, b), Distance(b, a))
	require.Equal(t, Address{}, Distance(a, a))
}

func TestBucketIndexIsLeadingZeroCount(t *testing.T) {
	var self, other Address
	other[0] = 0x01 // differs in the last bit of the first byte

	idx := BucketIndex(self, other)
	require.Equal(t, 7, idx)
}

func TestRandomInBucketProducesCorrectIndex(t *testing.T) {
	kp, _ := GenerateKeyPair()
	self := kp.Address()

	for _, i := range []int{0, 1, 7, 8, 63, 159} {
		target, err := RandomInBucket(self, i)
		require.NoError(t, err)
		require.Equal(t, i, BucketIndex(self, target))
	}
}
