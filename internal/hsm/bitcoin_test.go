package hsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	l2crypto "github.com/klingon-exchange/l2dispatch/internal/crypto"
	"github.com/klingon-exchange/l2dispatch/internal/taproot"
)

func TestBitcoinTaprootOutputForKeyPathOnly(t *testing.T) {
	ctx := context.Background()
	sw, err := NewSoftware(nil, nil)
	require.NoError(t, err)
	btc := NewBitcoin(sw)

	meta, err := sw.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr, Purpose: PurposeChannelFunding})
	require.NoError(t, err)

	out, _, err := btc.TaprootOutputFor(ctx, meta.Handle, nil)
	require.NoError(t, err)
	require.Nil(t, out.MerkleRoot)
	require.True(t, taproot.VerifyOutput(out))
}

func TestBitcoinSignTaprootKeyPathVerifiesAgainstOutputKey(t *testing.T) {
	ctx := context.Background()
	sw, err := NewSoftware(nil, nil)
	require.NoError(t, err)
	btc := NewBitcoin(sw)

	meta, err := sw.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr})
	require.NoError(t, err)

	out, _, err := btc.TaprootOutputFor(ctx, meta.Handle, nil)
	require.NoError(t, err)

	var sighash [32]byte
	copy(sighash[:], []byte("taproot key-path spend sighash"))

	sig, err := btc.SignTaprootKeyPath(ctx, meta.Handle, sighash, out.MerkleRoot)
	require.NoError(t, err)

	var sig64 [64]byte
	copy(sig64[:], sig)
	require.True(t, l2crypto.SchnorrVerify(out.OutputKey, sighash, sig64))
}

func TestBitcoinSignTaprootKeyPathUnsupportedForStub(t *testing.T) {
	ctx := context.Background()
	btc := NewBitcoin(NewLedger())

	var sighash [32]byte
	_, err := btc.SignTaprootKeyPath(ctx, KeyHandle{}, sighash, nil)
	require.Error(t, err)
}
