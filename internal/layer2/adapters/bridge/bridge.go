// Package bridge implements the shared two-phase peg state machine used
// by the BOB, Liquid, RSK, and Stacks adapters: each anchors value
// transfers as SourcePending -> SourceConfirmed -> DestinationPending ->
// Confirmed|Failed, with a per-protocol minimum-confirmation threshold.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// PegState is a step in the two-phase bridge state machine.
type PegState int

const (
	SourcePending PegState = iota
	SourceConfirmed
	DestinationPending
	Confirmed
	Failed
)

func (s PegState) String() string {
	switch s {
	case SourcePending:
		return "source_pending"
	case SourceConfirmed:
		return "source_confirmed"
	case DestinationPending:
		return "destination_pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PegOp is one tracked peg-in/peg-out operation.
type PegOp struct {
	TxID             layer2.TxID
	State            PegState
	SourceConfs      uint32
	FailureReason    string
}

// ChainClient is the minimal capability a concrete bridge needs from its
// underlying chain connection: confirmation counting and raw submission.
// bob/rsk implement this over go-ethereum bindings; liquid/stacks
// implement it over the Bitcoin-family PSBT path.
type ChainClient interface {
	SubmitRaw(ctx context.Context, raw []byte) (layer2.TxID, error)
	Confirmations(ctx context.Context, id layer2.TxID) (uint32, error)
}

// TwoPhaseAdapter is embedded by the four bridge protocol adapters. It
// supplies the full layer2.Protocol surface; ProtocolID comes from the
// embedded BaseAdapter, which New constructs with each protocol's own id.
type TwoPhaseAdapter struct {
	*layer2.BaseAdapter

	client           ChainClient
	minConfirmations uint32
	contractAddr     string

	mu   sync.Mutex
	ops  map[layer2.TxID]*PegOp
	seq  uint64
}

// New constructs a TwoPhaseAdapter. minConfirmations is caller-supplied,
// with a documented per-protocol default — see each concrete adapter's
// constructor. contractAddr is the peg-in bridge contract this adapter
// deposits to, surfaced through Health for operator visibility; it is
// empty for bridges with no single on-chain contract (Liquid, Stacks).
func New(id layer2.ProtocolID, client ChainClient, minConfirmations uint32, contractAddr string, audit l2err.AuditRecorder, log *logging.Logger) *TwoPhaseAdapter {
	a := &TwoPhaseAdapter{
		client:           client,
		minConfirmations: minConfirmations,
		contractAddr:     contractAddr,
		ops:              map[layer2.TxID]*PegOp{},
	}
	a.BaseAdapter = layer2.NewBaseAdapter(id, audit, log, a.probe)
	return a
}

func (a *TwoPhaseAdapter) probe(ctx context.Context) (layer2.ProtocolHealth, error) {
	if a.contractAddr != "" {
		return layer2.ProtocolHealth{Healthy: true, Details: "bridge contract " + a.contractAddr}, nil
	}
	return layer2.ProtocolHealth{Healthy: true}, nil
}

func (a *TwoPhaseAdapter) Initialize(ctx context.Context) error {
	return a.MarkInitialized()
}

func (a *TwoPhaseAdapter) Connect(ctx context.Context) error {
	if err := a.BeginConnect(ctx); err != nil {
		return err
	}
	return a.FinishConnect()
}

func (a *TwoPhaseAdapter) Disconnect(ctx context.Context) error {
	return a.BaseAdapter.Disconnect()
}

func (a *TwoPhaseAdapter) Health(ctx context.Context) (layer2.ProtocolHealth, error) {
	return a.probe(ctx)
}

func (a *TwoPhaseAdapter) GetState(ctx context.Context) (layer2.ProtocolState, error) {
	if err := a.RequireConnected(); err != nil {
		return layer2.ProtocolState{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return layer2.ProtocolState{
		ProtocolID:  a.ProtocolID(),
		Synced:      true,
		LastUpdate:  time.Now(),
		SequenceNum: a.seq,
	}, nil
}

func (a *TwoPhaseAdapter) SubmitTransaction(ctx context.Context, raw []byte) (layer2.TxID, error) {
	if err := a.RequireConnected(); err != nil {
		return "", err
	}
	id, err := a.client.SubmitRaw(ctx, raw)
	if err != nil {
		return "", l2err.Wrap(l2err.Unavailable, "bridge submit failed", err)
	}
	a.mu.Lock()
	a.seq++
	a.ops[id] = &PegOp{TxID: id, State: SourcePending}
	a.mu.Unlock()
	return id, nil
}

// AdvanceSource polls the chain client for source-side confirmations and
// moves SourcePending -> SourceConfirmed once minConfirmations is met.
func (a *TwoPhaseAdapter) AdvanceSource(ctx context.Context, id layer2.TxID) (PegOp, error) {
	a.mu.Lock()
	op, ok := a.ops[id]
	a.mu.Unlock()
	if !ok {
		return PegOp{}, l2err.New(l2err.NotFound, "unknown peg operation")
	}

	confs, err := a.client.Confirmations(ctx, id)
	if err != nil {
		return PegOp{}, l2err.Wrap(l2err.Unavailable, "failed to read confirmations", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	op.SourceConfs = confs
	if op.State == SourcePending && confs >= a.minConfirmations {
		op.State = SourceConfirmed
	}
	return *op, nil
}

// BeginDestination transitions SourceConfirmed -> DestinationPending; the
// concrete adapter is responsible for actually submitting the
// destination-side mint/peg-out before calling this.
func (a *TwoPhaseAdapter) BeginDestination(id layer2.TxID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	op, ok := a.ops[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown peg operation")
	}
	if op.State != SourceConfirmed {
		return l2err.New(l2err.Internal, "destination leg requires a confirmed source")
	}
	op.State = DestinationPending
	return nil
}

// CompleteDestination marks a peg operation Confirmed or Failed. A
// failure here never triggers a rollback: the source leg is already
// final, so the operation is surfaced to the Manager for manual
// settlement instead of being silently retried.
func (a *TwoPhaseAdapter) CompleteDestination(id layer2.TxID, failureReason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	op, ok := a.ops[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown peg operation")
	}
	if failureReason != "" {
		op.State = Failed
		op.FailureReason = failureReason
		return nil
	}
	op.State = Confirmed
	return nil
}

func (a *TwoPhaseAdapter) CheckTransactionStatus(ctx context.Context, id layer2.TxID) (layer2.TxStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	op, ok := a.ops[id]
	if !ok {
		return layer2.TxStatus{}, l2err.New(l2err.NotFound, "unknown transaction")
	}
	switch op.State {
	case Confirmed:
		return layer2.TxStatus{Kind: layer2.TxFinal}, nil
	case Failed:
		return layer2.TxStatus{Kind: layer2.TxFailed, Reason: op.FailureReason}, nil
	case SourceConfirmed, DestinationPending:
		return layer2.TxStatus{Kind: layer2.TxIncluded, Height: uint64(op.SourceConfs)}, nil
	default:
		return layer2.TxStatus{Kind: layer2.TxPending}, nil
	}
}

func (a *TwoPhaseAdapter) IssueAsset(ctx context.Context, params layer2.IssueParams) (layer2.AssetID, error) {
	return "", l2err.New(l2err.Unsupported, "bridge adapters do not support asset issuance")
}

// TransferAsset submits the source leg of a cross-chain peg as a
// reservation: the Manager drives AdvanceSource/BeginDestination/
// CompleteDestination via the cross-layer transfer algorithm.
func (a *TwoPhaseAdapter) TransferAsset(ctx context.Context, t layer2.Transfer) (layer2.TransferResult, error) {
	if err := a.RequireConnected(); err != nil {
		return layer2.TransferResult{}, err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return layer2.TransferResult{}, l2err.Wrap(l2err.Internal, "failed to encode transfer", err)
	}
	id, err := a.SubmitTransaction(ctx, payload)
	if err != nil {
		return layer2.TransferResult{}, err
	}
	return layer2.TransferResult{TxID: id, BestEffort: false}, nil
}

func (a *TwoPhaseAdapter) EstimateFees(ctx context.Context, op layer2.OpKind, params layer2.FeeParams) (layer2.FeeSchedule, error) {
	return layer2.FeeSchedule{BaseFee: 1000, FeePerByte: 1, EstimatedTime: time.Minute}, nil
}

func (a *TwoPhaseAdapter) GenerateProof(ctx context.Context, id layer2.TxID) (layer2.Proof, error) {
	st, err := a.CheckTransactionStatus(ctx, id)
	if err != nil {
		return layer2.Proof{}, err
	}
	if st.Kind != layer2.TxFinal {
		return layer2.Proof{}, l2err.New(l2err.Finality, "peg operation is not yet confirmed")
	}
	return layer2.Proof{ProtocolID: a.ProtocolID(), TxID: id, Payload: []byte(id)}, nil
}

func (a *TwoPhaseAdapter) VerifyProof(ctx context.Context, p layer2.Proof) (bool, error) {
	return p.ProtocolID == a.ProtocolID() && string(p.TxID) == string(p.Payload), nil
}

func (a *TwoPhaseAdapter) Serialize() (layer2.PersistedRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, err := json.Marshal(a.ops)
	if err != nil {
		return layer2.PersistedRecord{}, l2err.Wrap(l2err.Internal, "failed to serialize bridge state", err)
	}
	return layer2.PersistedRecord{SchemaVersion: 1, ProtocolID: a.ProtocolID(), Payload: payload}, nil
}

func (a *TwoPhaseAdapter) Deserialize(rec layer2.PersistedRecord) error {
	if rec.SchemaVersion != 1 {
		return l2err.New(l2err.Config, "unsupported bridge schema version")
	}
	var ops map[layer2.TxID]*PegOp
	if err := json.Unmarshal(rec.Payload, &ops); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to deserialize bridge state", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = ops
	return nil
}
