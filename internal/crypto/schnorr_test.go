package crypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSchnorrSignVerifyRoundTrip(t *testing.T) {
	sk, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pub := XOnly(sk.PubKey())
	msg := SHA256([]byte("cross-layer transfer commitment"))
	aux, err := SecureRandom(32)
	require.NoError(t, err)
	var auxArr [32]byte
	copy(auxArr[:], aux)

	sig, err := SchnorrSign(sk, msg, auxArr)
	require.NoError(t, err)
	require.True(t, SchnorrVerify(pub, msg, sig))

	// Flipping any bit of the signature must invalidate it.
	mutatedSig := sig
	mutatedSig[0] ^= 0x01
	require.False(t, SchnorrVerify(pub, msg, mutatedSig))

	// Flipping any bit of the message must invalidate it.
	mutatedMsg := msg
	mutatedMsg[0] ^= 0x01
	require.False(t, SchnorrVerify(pub, mutatedMsg, sig))
}

func TestSchnorrVerifyRejectsMalformedInput(t *testing.T) {
	var zero [32]byte
	var zeroSig [64]byte
	// An all-zero "public key" is not a valid x-only point; must fail
	// closed, never panic.
	require.False(t, SchnorrVerify(zero, zero, zeroSig))
}

func TestTaggedHashDomainSeparation(t *testing.T) {
	data := []byte("leaf-script")
	a := TaggedHash(TagTapLeaf, data)
	b := TaggedHash(TagTapBranch, data)
	require.NotEqual(t, a, b, "different tags must produce different hashes for the same data")

	// Deterministic: same tag + data always yields the same hash.
	c := TaggedHash(TagTapLeaf, data)
	require.Equal(t, a, c)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	require.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	require.False(t, ConstantTimeEqual([]byte("abc"), []byte("abcd")))
}

func TestSecureRandomLength(t *testing.T) {
	b, err := SecureRandom(32)
	require.NoError(t, err)
	require.Len(t, b, 32)
}
