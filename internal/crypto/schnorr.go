// Package crypto provides the constant-time BIP-340 Schnorr primitives,
// tagged hashing, and secure randomness that every other component of the
// dispatcher (taproot tree construction, PSBT signing, the HSM Bitcoin
// provider) builds on. It never implements field arithmetic itself —
// btcec/v2 and its schnorr subpackage already do that correctly and
// constant-time; this package only supplies the uniform error taxonomy
// and the tagged-hash/RNG helpers the spec requires on top.
package crypto

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/helpers"
)

// BIP-340 tag constants. Each tagged hash is
// SHA256(SHA256(tag) || SHA256(tag) || data).
const (
	TagBIP340Aux   = "BIP0340/aux"
	TagBIP340Nonce = "BIP0340/nonce"
	TagTapTweak    = "TapTweak"
	TagTapLeaf     = "TapLeaf"
	TagTapBranch   = "TapBranch"
	TagTapSighash  = "TapSighash"
)

// TaggedHash computes SHA256(SHA256(tag) || SHA256(tag) || data...), the
// domain-separated hash construction defined by BIP-340.
func TaggedHash(tag string, data ...[]byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))

	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, d := range data {
		h.Write(d)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SHA256 hashes data with plain SHA-256.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SecureRandom returns n cryptographically secure random bytes, failing
// loudly rather than ever falling back to a weaker source.
func SecureRandom(n int) ([]byte, error) {
	b, err := helpers.GenerateSecureRandom(n)
	if err != nil {
		return nil, l2err.Wrap(l2err.RngUnavailable, "secure random source unavailable", err)
	}
	return b, nil
}

// ConstantTimeEqual compares a and b without leaking timing information
// about where they first differ. Slices of different length return false
// at once, so their lengths are not hidden from a timing observer.
func ConstantTimeEqual(a, b []byte) bool {
	return helpers.ConstantTimeCompare(a, b)
}

// SchnorrVerify checks a BIP-340 signature over msg by pubKey. It never
// panics on malformed input and never distinguishes, via control flow
// visible to a timing observer, which structural check failed: a bad
// x-only key, R.x >= p, s >= n, and a failed sG = R + eP all collapse to
// a single false return.
func SchnorrVerify(pubKey [32]byte, msg [32]byte, sig [64]byte) bool {
	pk, err := schnorr.ParsePubKey(pubKey[:])
	if err != nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return parsed.Verify(msg[:], pk)
}

// SchnorrSign produces a BIP-340 signature over msg using sk, with nonce
// derivation seeded by auxRand per BIP-340's
// k = H_BIP0340/nonce(t || P || msg), t = sk XOR H_BIP0340/aux(auxRand).
// Callers must supply a fresh auxRand (normally SecureRandom(32) output)
// on every call; this function never caches or reuses a prior nonce.
func SchnorrSign(sk *btcec.PrivateKey, msg [32]byte, auxRand [32]byte) ([64]byte, error) {
	var out [64]byte
	if sk == nil {
		return out, l2err.New(l2err.InvalidPublicKey, "nil signing key")
	}

	sig, err := schnorr.Sign(sk, msg[:], schnorr.CustomNonce(auxRand))
	if err != nil {
		return out, l2err.Wrap(l2err.InvalidSignature, "schnorr signing failed", err)
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

// ParseXOnlyPubKey validates and parses a 32-byte x-only public key,
// translating the underlying library's error into InvalidPublicKey.
func ParseXOnlyPubKey(b [32]byte) (*btcec.PublicKey, error) {
	pk, err := schnorr.ParsePubKey(b[:])
	if err != nil {
		return nil, l2err.Wrap(l2err.InvalidPublicKey, "invalid x-only public key", err)
	}
	return pk, nil
}

// XOnly serializes a public key to its 32-byte x-only form.
func XOnly(pub *btcec.PublicKey) [32]byte {
	var out [32]byte
	copy(out[:], schnorr.SerializePubKey(pub))
	return out
}
