package psbt2

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/l2dispatch/internal/hsm"
)

func newKeyPathPacket(t *testing.T, outputKey []byte, amount int64) *Psbt {
	t.Helper()

	var prevHash chainhash.Hash
	prevHash[0] = 0x01

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevHash, Index: 0},
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    amount - 500,
		PkScript: append([]byte{txscript.OP_1, 0x20}, outputKey...),
	})

	pkt, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	pkScript := append([]byte{txscript.OP_1, 0x20}, outputKey...)
	pkt.Inputs[0].WitnessUtxo = &wire.TxOut{Value: amount, PkScript: pkScript}

	return &Psbt{Packet: pkt}
}

func prevOutFetcherFor(p *Psbt) txscript.PrevOutputFetcher {
	outs := map[wire.OutPoint]*wire.TxOut{}
	for i, in := range p.Packet.UnsignedTx.TxIn {
		outs[in.PreviousOutPoint] = p.Packet.Inputs[i].WitnessUtxo
	}
	return txscript.NewMultiPrevOutFetcher(outs)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	sim, err := hsm.NewSimulator()
	require.NoError(t, err)
	ctx := context.Background()

	meta, err := sim.GenerateKey(ctx, hsm.GenerateKeyRequest{Algorithm: hsm.AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	pub, err := sim.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)

	p := newKeyPathPacket(t, pub, 100000)

	encoded, err := Encode(p)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	reEncoded, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, encoded, reEncoded)
}

func TestSignAndFinalizeAndExtract(t *testing.T) {
	sim, err := hsm.NewSimulator()
	require.NoError(t, err)
	ctx := context.Background()

	meta, err := sim.GenerateKey(ctx, hsm.GenerateKeyRequest{Algorithm: hsm.AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	pub, err := sim.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)

	p := newKeyPathPacket(t, pub, 100000)
	fetcher := prevOutFetcherFor(p)

	err = Sign(ctx, p, sim, meta.Handle, 0, fetcher)
	require.NoError(t, err)
	require.NotNil(t, p.Packet.Inputs[0].TaprootKeySpendSig)

	sighash, err := SighashFor(p, 0, fetcher)
	require.NoError(t, err)

	sig, err := schnorr.ParseSignature(p.Packet.Inputs[0].TaprootKeySpendSig)
	require.NoError(t, err)
	pubKey, err := schnorr.ParsePubKey(pub)
	require.NoError(t, err)
	require.True(t, sig.Verify(sighash[:], pubKey))

	finalized, err := Finalize(p)
	require.NoError(t, err)

	tx, err := ExtractTx(finalized)
	require.NoError(t, err)
	require.Len(t, tx.TxIn[0].Witness, 1)
	require.Equal(t, []byte(p.Packet.Inputs[0].TaprootKeySpendSig), []byte(tx.TxIn[0].Witness[0]))
}

func TestExtractTxFailsWhenInputUnfinalized(t *testing.T) {
	sim, err := hsm.NewSimulator()
	require.NoError(t, err)
	ctx := context.Background()

	meta, err := sim.GenerateKey(ctx, hsm.GenerateKeyRequest{Algorithm: hsm.AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	pub, err := sim.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)

	p := newKeyPathPacket(t, pub, 100000)

	_, err = ExtractTx(p)
	require.Error(t, err)
}

func TestCombineMergesPartialSigsAndIsOrderIndependent(t *testing.T) {
	sim, err := hsm.NewSimulator()
	require.NoError(t, err)
	ctx := context.Background()

	meta, err := sim.GenerateKey(ctx, hsm.GenerateKeyRequest{Algorithm: hsm.AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	pub, err := sim.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)

	base := newKeyPathPacket(t, pub, 100000)
	fetcher := prevOutFetcherFor(base)

	signed := newKeyPathPacket(t, pub, 100000)
	err = Sign(ctx, signed, sim, meta.Handle, 0, fetcher)
	require.NoError(t, err)

	combinedAB, err := Combine(clonePsbt(t, base), clonePsbt(t, signed))
	require.NoError(t, err)
	require.NotNil(t, combinedAB.Packet.Inputs[0].TaprootKeySpendSig)

	combinedBA, err := Combine(clonePsbt(t, signed), clonePsbt(t, base))
	require.NoError(t, err)
	require.Equal(t,
		[]byte(combinedAB.Packet.Inputs[0].TaprootKeySpendSig),
		[]byte(combinedBA.Packet.Inputs[0].TaprootKeySpendSig),
	)
}

func clonePsbt(t *testing.T, p *Psbt) *Psbt {
	t.Helper()
	b, err := Encode(p)
	require.NoError(t, err)
	clone, err := Decode(b)
	require.NoError(t, err)
	return clone
}
