package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

// fakeProtocol is a minimal layer2.Protocol double whose behavior per call
// is scripted by the test, enough to exercise Manager without pulling in a
// real adapter's network dependencies.
type fakeProtocol struct {
	id layer2.ProtocolID

	initErr    error
	connectErr error

	transferResult layer2.TransferResult
	transferErr    error

	issueErr error

	txStatus  layer2.TxStatus
	statusErr error

	proof    layer2.Proof
	proofErr error

	seq uint64

	feeSchedule layer2.FeeSchedule
	feeErr      error
}

func (f *fakeProtocol) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeProtocol) Connect(ctx context.Context) error     { return f.connectErr }
func (f *fakeProtocol) Disconnect(ctx context.Context) error  { return nil }
func (f *fakeProtocol) Health(ctx context.Context) (layer2.ProtocolHealth, error) {
	return layer2.ProtocolHealth{Healthy: true}, nil
}
func (f *fakeProtocol) GetState(ctx context.Context) (layer2.ProtocolState, error) {
	return layer2.ProtocolState{ProtocolID: f.id, SequenceNum: f.seq}, nil
}
func (f *fakeProtocol) SubmitTransaction(ctx context.Context, raw []byte) (layer2.TxID, error) {
	return "tx", nil
}
func (f *fakeProtocol) CheckTransactionStatus(ctx context.Context, id layer2.TxID) (layer2.TxStatus, error) {
	return f.txStatus, f.statusErr
}
func (f *fakeProtocol) IssueAsset(ctx context.Context, params layer2.IssueParams) (layer2.AssetID, error) {
	return layer2.AssetID(params.Name), f.issueErr
}
func (f *fakeProtocol) TransferAsset(ctx context.Context, t layer2.Transfer) (layer2.TransferResult, error) {
	return f.transferResult, f.transferErr
}
func (f *fakeProtocol) EstimateFees(ctx context.Context, op layer2.OpKind, params layer2.FeeParams) (layer2.FeeSchedule, error) {
	return f.feeSchedule, f.feeErr
}
func (f *fakeProtocol) GenerateProof(ctx context.Context, id layer2.TxID) (layer2.Proof, error) {
	return f.proof, f.proofErr
}
func (f *fakeProtocol) VerifyProof(ctx context.Context, p layer2.Proof) (bool, error) {
	return true, nil
}
func (f *fakeProtocol) ProtocolID() layer2.ProtocolID { return f.id }

func TestInitializeProtocolsCollectsPartialFailures(t *testing.T) {
	m := New(nil, nil)
	m.Register(&fakeProtocol{id: layer2.ProtocolLightning})
	m.Register(&fakeProtocol{id: layer2.ProtocolRGB, connectErr: l2err.New(l2err.Unavailable, "down")})

	report, err := m.InitializeProtocols(context.Background())
	require.Error(t, err)
	require.Len(t, report.Succeeded, 1)
	require.Contains(t, report.Failed, layer2.ProtocolRGB)
	require.Equal(t, layer2.ProtocolLightning, report.Succeeded[0])
}

func TestCrossLayerTransferRejectsDuplicateNonce(t *testing.T) {
	m := New(nil, nil)
	src := &fakeProtocol{id: layer2.ProtocolLightning, transferResult: layer2.TransferResult{TxID: "s1"}, txStatus: layer2.TxStatus{Kind: layer2.TxFinal}, proof: layer2.Proof{ProtocolID: layer2.ProtocolLightning, TxID: "s1"}}
	dst := &fakeProtocol{id: layer2.ProtocolRGB, transferResult: layer2.TransferResult{TxID: "d1"}, txStatus: layer2.TxStatus{Kind: layer2.TxFinal}}
	m.Register(src)
	m.Register(dst)

	tr := layer2.Transfer{FromProtocol: layer2.ProtocolLightning, ToProtocol: layer2.ProtocolRGB, AssetID: "MTK", Amount: 100, Nonce: layer2.Nonce{1}}

	_, err := m.CrossLayerTransfer(context.Background(), tr)
	require.NoError(t, err)

	_, err = m.CrossLayerTransfer(context.Background(), tr)
	require.Error(t, err)
	require.Equal(t, l2err.DuplicateNonce, l2err.KindOf(err))
}

func TestCrossLayerTransferRejectsWhenQuotedFeeExceedsCap(t *testing.T) {
	m := New(nil, nil)
	src := &fakeProtocol{id: layer2.ProtocolLightning, feeSchedule: layer2.FeeSchedule{BaseFee: 600}}
	dst := &fakeProtocol{id: layer2.ProtocolRGB, feeSchedule: layer2.FeeSchedule{BaseFee: 500}}
	m.Register(src)
	m.Register(dst)

	cap := uint64(1000)
	tr := layer2.Transfer{FromProtocol: layer2.ProtocolLightning, ToProtocol: layer2.ProtocolRGB, AssetID: "MTK", Amount: 100, Fee: &cap, Nonce: layer2.Nonce{9}}

	_, err := m.CrossLayerTransfer(context.Background(), tr)
	require.Error(t, err)
	require.Equal(t, l2err.Policy, l2err.KindOf(err))
}

func TestCrossLayerTransferAllowsQuotedFeeWithinCap(t *testing.T) {
	m := New(nil, nil)
	src := &fakeProtocol{
		id:             layer2.ProtocolLightning,
		feeSchedule:    layer2.FeeSchedule{BaseFee: 400},
		transferResult: layer2.TransferResult{TxID: "s1"},
		txStatus:       layer2.TxStatus{Kind: layer2.TxFinal},
		proof:          layer2.Proof{ProtocolID: layer2.ProtocolLightning, TxID: "s1"},
	}
	dst := &fakeProtocol{
		id:             layer2.ProtocolRGB,
		feeSchedule:    layer2.FeeSchedule{BaseFee: 500},
		transferResult: layer2.TransferResult{TxID: "d1"},
		txStatus:       layer2.TxStatus{Kind: layer2.TxFinal},
	}
	m.Register(src)
	m.Register(dst)

	cap := uint64(1000)
	tr := layer2.Transfer{FromProtocol: layer2.ProtocolLightning, ToProtocol: layer2.ProtocolRGB, AssetID: "MTK", Amount: 100, Fee: &cap, Nonce: layer2.Nonce{10}}

	_, err := m.CrossLayerTransfer(context.Background(), tr)
	require.NoError(t, err)
}

func TestCrossLayerTransferRequiresManualSettlementAfterSourceFinal(t *testing.T) {
	m := New(nil, nil)
	src := &fakeProtocol{
		id:             layer2.ProtocolLightning,
		transferResult: layer2.TransferResult{TxID: "s1"},
		txStatus:       layer2.TxStatus{Kind: layer2.TxFinal},
		proof:          layer2.Proof{ProtocolID: layer2.ProtocolLightning, TxID: "s1"},
	}
	dst := &fakeProtocol{
		id:          layer2.ProtocolRGB,
		issueErr:    l2err.New(l2err.Internal, "mint failed"),
	}
	m.Register(src)
	m.Register(dst)

	tr := layer2.Transfer{FromProtocol: layer2.ProtocolLightning, ToProtocol: layer2.ProtocolRGB, AssetID: "MTK", Amount: 100, Nonce: layer2.Nonce{2}}

	_, err := m.CrossLayerTransfer(context.Background(), tr)
	require.Error(t, err)

	var manualErr *ManualSettlementError
	require.ErrorAs(t, err, &manualErr)
	require.True(t, manualErr.Record.RequiresManual)
	require.Equal(t, layer2.TxID("s1"), manualErr.Record.SourceTxID)
}

func TestCrossLayerTransferSucceeds(t *testing.T) {
	m := New(nil, nil)
	src := &fakeProtocol{
		id:             layer2.ProtocolLightning,
		transferResult: layer2.TransferResult{TxID: "s1"},
		txStatus:       layer2.TxStatus{Kind: layer2.TxFinal},
		proof:          layer2.Proof{ProtocolID: layer2.ProtocolLightning, TxID: "s1"},
	}
	dst := &fakeProtocol{
		id:             layer2.ProtocolRGB,
		transferResult: layer2.TransferResult{TxID: "d1"},
		txStatus:       layer2.TxStatus{Kind: layer2.TxFinal},
	}
	m.Register(src)
	m.Register(dst)

	tr := layer2.Transfer{FromProtocol: layer2.ProtocolLightning, ToProtocol: layer2.ProtocolRGB, AssetID: "MTK", Amount: 100, Nonce: layer2.Nonce{3}}
	result, err := m.CrossLayerTransfer(context.Background(), tr)
	require.NoError(t, err)
	require.Equal(t, layer2.TxID("d1"), result.TxID)
	require.NotNil(t, result.Proof)
}

func TestValidateProtocolStateRejectsSequenceRegression(t *testing.T) {
	m := New(nil, nil)
	p := &fakeProtocol{id: layer2.ProtocolLightning, seq: 5}
	m.Register(p)

	ok, err := m.ValidateProtocolState(context.Background(), layer2.ProtocolLightning)
	require.NoError(t, err)
	require.True(t, ok)

	p.seq = 3
	ok, err = m.ValidateProtocolState(context.Background(), layer2.ProtocolLightning)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCrossLayerTransferUnregisteredProtocol(t *testing.T) {
	m := New(nil, nil)
	tr := layer2.Transfer{FromProtocol: layer2.ProtocolLightning, ToProtocol: layer2.ProtocolRGB, Nonce: layer2.Nonce{9}}
	_, err := m.CrossLayerTransfer(context.Background(), tr)
	require.Error(t, err)
	require.Equal(t, l2err.NotFound, l2err.KindOf(err))
}
