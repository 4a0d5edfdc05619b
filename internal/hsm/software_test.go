package hsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSoftwareGenerateSignVerifySchnorr(t *testing.T) {
	ctx := context.Background()
	sw, err := NewSoftware(nil, nil)
	require.NoError(t, err)

	meta, err := sw.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr, Purpose: PurposeTransferSigning})
	require.NoError(t, err)
	require.True(t, meta.Ephemeral, "in-memory keystore handles must be marked ephemeral")

	pub, err := sw.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)
	require.Len(t, pub, 32)

	var msg [32]byte
	copy(msg[:], []byte("cross-layer transfer commitment"))

	sig, err := sw.Sign(ctx, SignRequest{Handle: meta.Handle, Algorithm: AlgoSecp256k1Schnorr, MsgHash: msg})
	require.NoError(t, err)

	ok, err := sw.Verify(ctx, VerifyRequest{PublicKey: pub, Algorithm: AlgoSecp256k1Schnorr, MsgHash: msg, Signature: sig})
	require.NoError(t, err)
	require.True(t, ok)

	// Usage counter advances, and a key not recognized by this provider
	// fails closed rather than panicking.
	updated, err := sw.lookup(meta.Handle)
	require.NoError(t, err)
	require.Equal(t, uint64(1), updated.meta.UsageCounter)

	_, err = sw.Sign(ctx, SignRequest{Handle: KeyHandle{0xFF}, Algorithm: AlgoSecp256k1Schnorr, MsgHash: msg})
	require.Error(t, err)
}

func TestSoftwareImportKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	sw, err := NewSoftware(nil, nil)
	require.NoError(t, err)

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	meta, err := sw.ImportKey(ctx, ImportKeyRequest{Bytes: seed, Algorithm: AlgoSecp256k1Ecdsa})
	require.NoError(t, err)

	pub, err := sw.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)
	require.Len(t, pub, 33)
}

func TestSoftwareDeleteKeyThenOperationsFail(t *testing.T) {
	ctx := context.Background()
	sw, err := NewSoftware(nil, nil)
	require.NoError(t, err)

	meta, err := sw.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoEd25519})
	require.NoError(t, err)

	require.NoError(t, sw.DeleteKey(ctx, meta.Handle))
	_, err = sw.ExportPublic(ctx, meta.Handle)
	require.Error(t, err)
}

func TestSoftwareDurableKeystoreSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := newMemKeystore()
	sw1, err := NewSoftware(store, nil)
	require.NoError(t, err)

	meta, err := sw1.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	require.False(t, meta.Ephemeral)

	sw2, err := NewSoftware(store, nil)
	require.NoError(t, err)
	require.NoError(t, sw2.LoadHandle(meta))

	pub1, err := sw1.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)
	pub2, err := sw2.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)
}

func TestSoftwareDeriveChildHardenedOnly(t *testing.T) {
	ctx := context.Background()
	sw, err := NewSoftware(nil, nil)
	require.NoError(t, err)

	master, err := sw.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Ecdsa, Purpose: PurposeHDMaster})
	require.NoError(t, err)

	child, err := sw.DeriveChild(ctx, master.Handle, []uint32{1<<31 + 0})
	require.NoError(t, err)
	require.NotEqual(t, master.Handle, child.Handle)

	_, err = sw.DeriveChild(ctx, master.Handle, []uint32{0})
	require.Error(t, err, "non-hardened derivation must be rejected")
}
