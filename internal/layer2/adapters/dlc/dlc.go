// Package dlc adapts a Discreet Log Contract lifecycle to the
// layer2.Protocol contract: Offered -> Accepted -> Signed -> Confirmed ->
// Closed|Refunded, settled by an oracle's Schnorr attestation over an
// outcome. Attestation verification uses internal/crypto.SchnorrVerify
// directly (BIP-340, not a DLC-specific reimplementation). Oracle
// announcement nonces are tracked in a usedNonces set, since a reused
// nonce is catastrophic, not merely invalid.
package dlc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/klingon-exchange/l2dispatch/internal/crypto"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// ContractState is a step in a DLC's lifecycle.
type ContractState string

const (
	StateOffered  ContractState = "offered"
	StateAccepted ContractState = "accepted"
	StateSigned   ContractState = "signed"
	StateConfirmed ContractState = "confirmed"
	StateClosed   ContractState = "closed"
	StateRefunded ContractState = "refunded"
)

// Outcome is one possible settlement outcome and its payout split.
type Outcome struct {
	Label       string
	OfferorSats uint64
	AccepterSats uint64
}

// Contract is one tracked DLC.
type Contract struct {
	ID          layer2.TxID
	State       ContractState
	OraclePubKey [32]byte
	Outcomes    []Outcome
	SettledOutcome string
}

// Adapter implements layer2.Protocol for DLCs.
type Adapter struct {
	*layer2.BaseAdapter

	mu         sync.Mutex
	contracts  map[layer2.TxID]*Contract
	usedNonces map[[32]byte]bool // oracle announcement nonces already attested
	seq        uint64
}

// New constructs a DLC adapter.
func New(audit l2err.AuditRecorder, log *logging.Logger) *Adapter {
	a := &Adapter{
		contracts:  map[layer2.TxID]*Contract{},
		usedNonces: map[[32]byte]bool{},
	}
	a.BaseAdapter = layer2.NewBaseAdapter(layer2.ProtocolDLC, audit, log, a.probe)
	return a
}

func (a *Adapter) probe(ctx context.Context) (layer2.ProtocolHealth, error) {
	return layer2.ProtocolHealth{Healthy: true}, nil
}

func (a *Adapter) Initialize(ctx context.Context) error {
	return a.MarkInitialized()
}

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.BeginConnect(ctx); err != nil {
		return err
	}
	return a.FinishConnect()
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.BaseAdapter.Disconnect()
}

func (a *Adapter) Health(ctx context.Context) (layer2.ProtocolHealth, error) {
	return a.probe(ctx)
}

func (a *Adapter) GetState(ctx context.Context) (layer2.ProtocolState, error) {
	if err := a.RequireConnected(); err != nil {
		return layer2.ProtocolState{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return layer2.ProtocolState{ProtocolID: layer2.ProtocolDLC, Synced: true, LastUpdate: time.Now(), SequenceNum: a.seq}, nil
}

// Offer creates a new contract in the Offered state.
func (a *Adapter) Offer(oraclePubKey [32]byte, outcomes []Outcome) layer2.TxID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := layer2.TxID(itoa(a.seq))
	a.contracts[id] = &Contract{ID: id, State: StateOffered, OraclePubKey: oraclePubKey, Outcomes: outcomes}
	return id
}

// Accept transitions Offered -> Accepted.
func (a *Adapter) Accept(id layer2.TxID) error {
	return a.transition(id, StateOffered, StateAccepted)
}

// SignFunding transitions Accepted -> Signed.
func (a *Adapter) SignFunding(id layer2.TxID) error {
	return a.transition(id, StateAccepted, StateSigned)
}

// ConfirmFunding transitions Signed -> Confirmed.
func (a *Adapter) ConfirmFunding(id layer2.TxID) error {
	return a.transition(id, StateSigned, StateConfirmed)
}

func (a *Adapter) transition(id layer2.TxID, from, to ContractState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contracts[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown dlc contract")
	}
	if c.State != from {
		return l2err.New(l2err.Internal, "illegal dlc state transition")
	}
	c.State = to
	return nil
}

// SettleWithAttestation verifies an oracle's BIP-340 attestation over
// outcomeMsg and, if valid, transitions the contract Confirmed -> Closed,
// recording the settled outcome. The attestation's announcement nonce is
// checked against usedNonces first: a nonce seen before is rejected as
// l2err.DuplicateNonce regardless of signature validity, since a reused
// oracle nonce would let a counterparty forge an alternate outcome
// attestation from the same oracle key.
func (a *Adapter) SettleWithAttestation(id layer2.TxID, announcementNonce [32]byte, outcomeMsg [32]byte, sig [64]byte, outcomeLabel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.contracts[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown dlc contract")
	}
	if c.State != StateConfirmed {
		return l2err.New(l2err.Internal, "dlc must be confirmed before settlement")
	}
	if a.usedNonces[announcementNonce] {
		return l2err.New(l2err.DuplicateNonce, "oracle announcement nonce already attested")
	}
	if !crypto.SchnorrVerify(c.OraclePubKey, outcomeMsg, sig) {
		return l2err.New(l2err.InvalidSignature, "oracle attestation failed verification")
	}

	found := false
	for _, o := range c.Outcomes {
		if o.Label == outcomeLabel {
			found = true
			break
		}
	}
	if !found {
		return l2err.New(l2err.Consensus, "attested outcome is not one of the contract's declared outcomes")
	}

	a.usedNonces[announcementNonce] = true
	c.State = StateClosed
	c.SettledOutcome = outcomeLabel
	return nil
}

// Refund transitions Confirmed -> Refunded after a dispute/refund timelock,
// which the caller (the Manager, consulting chain time) is responsible
// for having already checked.
func (a *Adapter) Refund(id layer2.TxID) error {
	return a.transition(id, StateConfirmed, StateRefunded)
}

func (a *Adapter) SubmitTransaction(ctx context.Context, raw []byte) (layer2.TxID, error) {
	if err := a.RequireConnected(); err != nil {
		return "", err
	}
	id := a.Offer([32]byte{}, nil)
	return id, nil
}

func (a *Adapter) CheckTransactionStatus(ctx context.Context, id layer2.TxID) (layer2.TxStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contracts[id]
	if !ok {
		return layer2.TxStatus{}, l2err.New(l2err.NotFound, "unknown contract")
	}
	switch c.State {
	case StateClosed:
		return layer2.TxStatus{Kind: layer2.TxFinal}, nil
	case StateRefunded:
		return layer2.TxStatus{Kind: layer2.TxFailed, Reason: "refunded"}, nil
	case StateConfirmed:
		return layer2.TxStatus{Kind: layer2.TxIncluded}, nil
	default:
		return layer2.TxStatus{Kind: layer2.TxPending}, nil
	}
}

func (a *Adapter) IssueAsset(ctx context.Context, params layer2.IssueParams) (layer2.AssetID, error) {
	return "", l2err.New(l2err.Unsupported, "dlc does not support asset issuance")
}

func (a *Adapter) TransferAsset(ctx context.Context, t layer2.Transfer) (layer2.TransferResult, error) {
	return layer2.TransferResult{}, l2err.New(l2err.Unsupported, "dlc does not support asset transfer")
}

func (a *Adapter) EstimateFees(ctx context.Context, op layer2.OpKind, params layer2.FeeParams) (layer2.FeeSchedule, error) {
	return layer2.FeeSchedule{BaseFee: 500, FeePerByte: 1, EstimatedTime: 10 * time.Minute}, nil
}

func (a *Adapter) GenerateProof(ctx context.Context, id layer2.TxID) (layer2.Proof, error) {
	st, err := a.CheckTransactionStatus(ctx, id)
	if err != nil {
		return layer2.Proof{}, err
	}
	if st.Kind != layer2.TxFinal {
		return layer2.Proof{}, l2err.New(l2err.Finality, "contract is not yet settled")
	}
	return layer2.Proof{ProtocolID: layer2.ProtocolDLC, TxID: id, Payload: []byte(id)}, nil
}

func (a *Adapter) VerifyProof(ctx context.Context, p layer2.Proof) (bool, error) {
	return p.ProtocolID == layer2.ProtocolDLC && string(p.TxID) == string(p.Payload), nil
}

func (a *Adapter) Serialize() (layer2.PersistedRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, err := json.Marshal(a.contracts)
	if err != nil {
		return layer2.PersistedRecord{}, l2err.Wrap(l2err.Internal, "failed to serialize dlc state", err)
	}
	return layer2.PersistedRecord{SchemaVersion: 1, ProtocolID: layer2.ProtocolDLC, Payload: payload}, nil
}

func (a *Adapter) Deserialize(rec layer2.PersistedRecord) error {
	if rec.SchemaVersion != 1 {
		return l2err.New(l2err.Config, "unsupported dlc schema version")
	}
	var contracts map[layer2.TxID]*Contract
	if err := json.Unmarshal(rec.Payload, &contracts); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to deserialize dlc state", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contracts = contracts
	return nil
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
