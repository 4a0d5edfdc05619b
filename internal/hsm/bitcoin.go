package hsm

import (
	"context"

	l2crypto "github.com/klingon-exchange/l2dispatch/internal/crypto"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/taproot"
)

// Bitcoin wraps an underlying key-custody Provider (normally Software or
// a vendor HSM) and adds taproot output commitments on top. The Provider
// methods pass straight through to the wrapped provider; a tweaked
// signature comes only from SignTaprootKeyPath, which tweaks the key per
// BIP-341 against the merkle root it is given, so callers never have to
// hand-roll the tweak arithmetic outside this package.
type Bitcoin struct {
	inner Provider
}

// NewBitcoin wraps inner as a taproot-specialized composite provider.
func NewBitcoin(inner Provider) *Bitcoin {
	return &Bitcoin{inner: inner}
}

func (b *Bitcoin) Variant() Variant { return VariantBitcoin }

func (b *Bitcoin) Health(ctx context.Context) (HealthReport, error) {
	return b.inner.Health(ctx)
}

func (b *Bitcoin) GenerateKey(ctx context.Context, req GenerateKeyRequest) (KeyMetadata, error) {
	return b.inner.GenerateKey(ctx, req)
}

func (b *Bitcoin) ImportKey(ctx context.Context, req ImportKeyRequest) (KeyMetadata, error) {
	return b.inner.ImportKey(ctx, req)
}

func (b *Bitcoin) ExportPublic(ctx context.Context, handle KeyHandle) (PublicKeyBytes, error) {
	return b.inner.ExportPublic(ctx, handle)
}

func (b *Bitcoin) Sign(ctx context.Context, req SignRequest) (Signature, error) {
	return b.inner.Sign(ctx, req)
}

func (b *Bitcoin) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	return b.inner.Verify(ctx, req)
}

func (b *Bitcoin) DeleteKey(ctx context.Context, handle KeyHandle) error {
	return b.inner.DeleteKey(ctx, handle)
}

func (b *Bitcoin) DeriveChild(ctx context.Context, handle KeyHandle, path []uint32) (KeyMetadata, error) {
	return b.inner.DeriveChild(ctx, handle, path)
}

// TaprootOutputFor computes the BIP-341 taproot commitment for the
// internal key held at handle, optionally over a set of tapscript
// leaves, without ever exposing the underlying private key outside the
// wrapped provider.
func (b *Bitcoin) TaprootOutputFor(ctx context.Context, handle KeyHandle, leaves []taproot.TapLeaf) (*taproot.TaprootOutput, *taproot.ControlBlockBuilder, error) {
	pub, err := b.inner.ExportPublic(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	var xonly [32]byte
	switch len(pub) {
	case 32:
		copy(xonly[:], pub)
	case 33:
		copy(xonly[:], pub[1:])
	default:
		return nil, nil, l2err.New(l2err.InvalidPublicKey, "unexpected public key length for taproot internal key")
	}
	return taproot.BuildOutput(xonly, leaves)
}

// SignTaprootKeyPath produces a BIP-341 key-path-spend signature: the
// handle's private key is tweaked by merkleRoot (nil for a pure
// key-path-only output) before signing sighash, so the resulting
// signature verifies against the tweaked output key, not the raw
// internal key. This requires the wrapped provider to expose its private
// scalar for tweaking, which only Software supports; other providers
// (Simulator included) return Unsupported, reflecting that most
// hardware backends cannot perform an arbitrary scalar tweak internally.
func (b *Bitcoin) SignTaprootKeyPath(ctx context.Context, handle KeyHandle, sighash [32]byte, merkleRoot *[32]byte) (Signature, error) {
	tweaker, ok := b.inner.(taprootTweaker)
	if !ok {
		return nil, l2err.New(l2err.Unsupported, "wrapped provider cannot perform a taproot key-path tweak")
	}
	tweaked, err := tweaker.tweakedHandleForTaproot(ctx, handle, merkleRoot)
	if err != nil {
		return nil, err
	}
	return b.inner.Sign(ctx, SignRequest{Handle: tweaked, Algorithm: AlgoSecp256k1Schnorr, MsgHash: sighash})
}

// taprootTweaker is implemented by providers (Software today) that can
// derive an ephemeral tweaked signing handle in-process. It is
// unexported: callers only ever reach it through Bitcoin.
type taprootTweaker interface {
	tweakedHandleForTaproot(ctx context.Context, handle KeyHandle, merkleRoot *[32]byte) (KeyHandle, error)
}

// tweakedHandleForTaproot implements taprootTweaker for Software by
// minting a short-lived in-memory handle holding internalKey + tweak,
// per BIP-341's private-key tweaking rule (negate if the internal pubkey
// has an odd Y, then add the tap tweak scalar).
func (s *Software) tweakedHandleForTaproot(ctx context.Context, handle KeyHandle, merkleRoot *[32]byte) (KeyHandle, error) {
	sk, err := s.lookup(handle)
	if err != nil {
		return KeyHandle{}, err
	}
	if sk.meta.Algorithm != AlgoSecp256k1Schnorr {
		return KeyHandle{}, l2err.New(l2err.AlgorithmMismatch, "taproot tweak requires a schnorr key")
	}

	internalXOnly := l2crypto.XOnly(sk.ecKey.PubKey())
	tweaked, err := taproot.TweakPrivateKey(sk.ecKey, internalXOnly, merkleRoot)
	if err != nil {
		return KeyHandle{}, err
	}

	child := &softwareKey{
		meta: KeyMetadata{
			Handle:    mustHandle(),
			Algorithm: AlgoSecp256k1Schnorr,
			Purpose:   PurposeTransferSigning,
			Ephemeral: true,
		},
		ecKey: tweaked,
	}
	meta, err := s.store_(child)
	if err != nil {
		return KeyHandle{}, err
	}
	return meta.Handle, nil
}

var _ Provider = (*Bitcoin)(nil)
