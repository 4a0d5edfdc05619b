package hsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulatorDeterministicAcrossInstances(t *testing.T) {
	ctx := context.Background()

	sim1, err := NewSimulator()
	require.NoError(t, err)
	sim2, err := NewSimulator()
	require.NoError(t, err)

	m1, err := sim1.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	m2, err := sim2.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr})
	require.NoError(t, err)

	pub1, err := sim1.ExportPublic(ctx, m1.Handle)
	require.NoError(t, err)
	pub2, err := sim2.ExportPublic(ctx, m2.Handle)
	require.NoError(t, err)

	require.Equal(t, pub1, pub2, "same handle sequence must derive the same key across instances")
}

func TestSimulatorSignVerify(t *testing.T) {
	ctx := context.Background()
	sim, err := NewSimulator()
	require.NoError(t, err)

	meta, err := sim.GenerateKey(ctx, GenerateKeyRequest{Algorithm: AlgoSecp256k1Schnorr})
	require.NoError(t, err)
	pub, err := sim.ExportPublic(ctx, meta.Handle)
	require.NoError(t, err)

	var msg [32]byte
	copy(msg[:], []byte("simulated oracle attestation"))
	sig, err := sim.Sign(ctx, SignRequest{Handle: meta.Handle, Algorithm: AlgoSecp256k1Schnorr, MsgHash: msg})
	require.NoError(t, err)

	ok, err := sim.Verify(ctx, VerifyRequest{PublicKey: pub, Algorithm: AlgoSecp256k1Schnorr, MsgHash: msg, Signature: sig})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSimulatorDisabledInReleaseBuild(t *testing.T) {
	ReleaseBuild = "1"
	defer func() { ReleaseBuild = "" }()

	_, err := NewSimulator()
	require.Error(t, err)
}

func TestSimulatorRejectsImport(t *testing.T) {
	ctx := context.Background()
	sim, err := NewSimulator()
	require.NoError(t, err)

	_, err = sim.ImportKey(ctx, ImportKeyRequest{Bytes: make([]byte, 32), Algorithm: AlgoEd25519})
	require.Error(t, err)
}
