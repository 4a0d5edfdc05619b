package statechannels

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/l2dispatch/internal/crypto"
)

func setupConnected(t *testing.T) *Adapter {
	t.Helper()
	a := New(24*time.Hour, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func sign(t *testing.T, sk *btcec.PrivateKey, msg [32]byte) [64]byte {
	t.Helper()
	aux, err := crypto.SecureRandom(32)
	require.NoError(t, err)
	var auxArr [32]byte
	copy(auxArr[:], aux)
	sig, err := crypto.SchnorrSign(sk, msg, auxArr)
	require.NoError(t, err)
	return sig
}

func TestUpdateStateRejectsNonIncreasingStateNum(t *testing.T) {
	a := setupConnected(t)
	id := a.OpenChannel(nil, 0)

	require.NoError(t, a.UpdateState(id, 1, [32]byte{1}))
	require.NoError(t, a.UpdateState(id, 2, [32]byte{2}))
	require.Error(t, a.UpdateState(id, 2, [32]byte{3}), "replaying the same state number must be rejected")
	require.Error(t, a.UpdateState(id, 1, [32]byte{4}), "a lower state number must be rejected")
}

func TestCoSignRequiresValidSignatureAndFullSetUnlocksDispute(t *testing.T) {
	sk1, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sk2, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubs := [][32]byte{crypto.XOnly(sk1.PubKey()), crypto.XOnly(sk2.PubKey())}

	a := setupConnected(t)
	id := a.OpenChannel(pubs, 0)
	require.NoError(t, a.UpdateState(id, 1, [32]byte{9}))

	require.Error(t, a.OpenDispute(id), "must not be disputable before fully co-signed")

	var wrongMsg [32]byte
	wrongMsg[0] = 0xff
	badSig := sign(t, sk1, wrongMsg)
	require.Error(t, a.CoSign(id, 0, badSig), "a signature over the wrong message must fail verification")

	goodSig1 := sign(t, sk1, [32]byte{9})
	require.NoError(t, a.CoSign(id, 0, goodSig1))
	require.Error(t, a.OpenDispute(id), "still missing the second signer")

	goodSig2 := sign(t, sk2, [32]byte{9})
	require.NoError(t, a.CoSign(id, 1, goodSig2))
	require.NoError(t, a.OpenDispute(id))
}

func TestDisputeWindowElapsed(t *testing.T) {
	sk, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubs := [][32]byte{crypto.XOnly(sk.PubKey())}

	a := setupConnected(t)
	id := a.OpenChannel(pubs, time.Hour)
	require.NoError(t, a.UpdateState(id, 1, [32]byte{1}))
	sig := sign(t, sk, [32]byte{1})
	require.NoError(t, a.CoSign(id, 0, sig))
	require.NoError(t, a.OpenDispute(id))

	elapsed, err := a.DisputeWindowElapsed(id, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	require.False(t, elapsed)

	elapsed, err = a.DisputeWindowElapsed(id, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, elapsed)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	a := setupConnected(t)
	id := a.OpenChannel(nil, 0)
	require.NoError(t, a.UpdateState(id, 5, [32]byte{5}))

	rec, err := a.Serialize()
	require.NoError(t, err)

	b := New(time.Hour, nil, nil)
	require.NoError(t, b.Deserialize(rec))
	require.Equal(t, uint64(5), b.channels[id].StateNum)
}
