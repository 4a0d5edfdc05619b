// Package statechannels adapts a generic n-of-n state channel to the
// layer2.Protocol contract: participants co-sign monotonically-numbered
// states off-chain, and the latest fully-signed state always wins a
// dispute within a configurable window, matching how every generalized
// state channel construction (Counterfactual, Perun, etc.) resolves
// conflicting on-chain challenges. Signature verification is
// internal/crypto.SchnorrVerify directly, matching dlc's adapter.
package statechannels

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

// Channel tracks one n-of-n off-chain channel's latest co-signed state.
type Channel struct {
	ID             layer2.TxID
	Participants   [][32]byte // x-only pubkeys
	DisputeWindow  time.Duration
	StateNum       uint64
	StateHash      [32]byte
	Signatures     map[int][64]byte // participant index -> signature over StateHash
	DisputeOpenedAt time.Time
	DisputeActive   bool
}

func (c *Channel) fullySigned() bool {
	return len(c.Signatures) == len(c.Participants)
}

// Adapter implements layer2.Protocol for generic state channels.
type Adapter struct {
	*layer2.BaseAdapter

	defaultDisputeWindow time.Duration

	mu       sync.Mutex
	channels map[layer2.TxID]*Channel
	seq      uint64
}

// New constructs a state channel adapter. defaultDisputeWindow is used
// when OpenChannel is called without an explicit override.
func New(defaultDisputeWindow time.Duration, audit l2err.AuditRecorder, log *logging.Logger) *Adapter {
	a := &Adapter{
		defaultDisputeWindow: defaultDisputeWindow,
		channels:             map[layer2.TxID]*Channel{},
	}
	a.BaseAdapter = layer2.NewBaseAdapter(layer2.ProtocolStateChannels, audit, log, a.probe)
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
	return layer2.ProtocolState{ProtocolID: layer2.ProtocolStateChannels, Synced: true, LastUpdate: time.Now(), SequenceNum: a.seq}, nil
}

// OpenChannel registers a new channel with StateNum 0 and no signatures.
func (a *Adapter) OpenChannel(participants [][32]byte, disputeWindow time.Duration) layer2.TxID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if disputeWindow == 0 {
		disputeWindow = a.defaultDisputeWindow
	}
	a.seq++
	id := layer2.TxID(itoa(a.seq))
	a.channels[id] = &Channel{
		ID:            id,
		Participants:  participants,
		DisputeWindow: disputeWindow,
		Signatures:    map[int][64]byte{},
	}
	return id
}

// UpdateState replaces the channel's tracked state if stateNum is
// strictly greater than the currently stored one — a stale or replayed
// update can never move the channel backward.
func (a *Adapter) UpdateState(id layer2.TxID, stateNum uint64, stateHash [32]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown channel")
	}
	if stateNum <= ch.StateNum {
		return l2err.New(l2err.Internal, "state updates must strictly increase the state number")
	}
	ch.StateNum = stateNum
	ch.StateHash = stateHash
	ch.Signatures = map[int][64]byte{}
	return nil
}

// CoSign attaches participant index i's signature over the channel's
// current StateHash, verifying it against that participant's pubkey
// first.
func (a *Adapter) CoSign(id layer2.TxID, participantIndex int, sig [64]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown channel")
	}
	if participantIndex < 0 || participantIndex >= len(ch.Participants) {
		return l2err.New(l2err.NotFound, "participant index out of range")
	}
	if !crypto.SchnorrVerify(ch.Participants[participantIndex], ch.StateHash, sig) {
		return l2err.New(l2err.InvalidSignature, "co-signature failed verification")
	}
	ch.Signatures[participantIndex] = sig
	return nil
}

// OpenDispute starts the dispute window for a channel's latest state. A
// later UpdateState+full co-sign with a higher StateNum always supersedes
// whatever is currently disputed, since the contract's settlement rule is
// "latest fully-signed state wins", mirroring how on-chain channel
// challenges accept a higher-nonce counter-challenge.
func (a *Adapter) OpenDispute(id layer2.TxID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return l2err.New(l2err.NotFound, "unknown channel")
	}
	if !ch.fullySigned() {
		return l2err.New(l2err.Internal, "cannot dispute a state that is not fully co-signed")
	}
	ch.DisputeActive = true
	ch.DisputeOpenedAt = time.Now()
	return nil
}

// DisputeWindowElapsed reports whether a channel's dispute window has
// passed, at which point its current state may be settled on-chain.
func (a *Adapter) DisputeWindowElapsed(id layer2.TxID, now time.Time) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return false, l2err.New(l2err.NotFound, "unknown channel")
	}
	if !ch.DisputeActive {
		return false, l2err.New(l2err.Internal, "no dispute is open for this channel")
	}
	return now.Sub(ch.DisputeOpenedAt) >= ch.DisputeWindow, nil
}

func (a *Adapter) SubmitTransaction(ctx context.Context, raw []byte) (layer2.TxID, error) {
	if err := a.RequireConnected(); err != nil {
		return "", err
	}
	return a.OpenChannel(nil, 0), nil
}

func (a *Adapter) CheckTransactionStatus(ctx context.Context, id layer2.TxID) (layer2.TxStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return layer2.TxStatus{}, l2err.New(l2err.NotFound, "unknown channel")
	}
	if ch.fullySigned() {
		return layer2.TxStatus{Kind: layer2.TxIncluded, Height: ch.StateNum}, nil
	}
	return layer2.TxStatus{Kind: layer2.TxPending}, nil
}

func (a *Adapter) IssueAsset(ctx context.Context, params layer2.IssueParams) (layer2.AssetID, error) {
	return "", l2err.New(l2err.Unsupported, "state channels do not support asset issuance")
}

func (a *Adapter) TransferAsset(ctx context.Context, t layer2.Transfer) (layer2.TransferResult, error) {
	return layer2.TransferResult{}, l2err.New(l2err.Unsupported, "state channels do not support asset transfer")
}

func (a *Adapter) EstimateFees(ctx context.Context, op layer2.OpKind, params layer2.FeeParams) (layer2.FeeSchedule, error) {
	return layer2.FeeSchedule{BaseFee: 0, FeePerByte: 0, EstimatedTime: 0}, nil
}

func (a *Adapter) GenerateProof(ctx context.Context, id layer2.TxID) (layer2.Proof, error) {
	st, err := a.CheckTransactionStatus(ctx, id)
	if err != nil {
		return layer2.Proof{}, err
	}
	if st.Kind != layer2.TxIncluded {
		return layer2.Proof{}, l2err.New(l2err.Finality, "channel state is not fully co-signed")
	}
	return layer2.Proof{ProtocolID: layer2.ProtocolStateChannels, TxID: id, Payload: []byte(id)}, nil
}

func (a *Adapter) VerifyProof(ctx context.Context, p layer2.Proof) (bool, error) {
	return p.ProtocolID == layer2.ProtocolStateChannels && string(p.TxID) == string(p.Payload), nil
}

func (a *Adapter) Serialize() (layer2.PersistedRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, err := json.Marshal(a.channels)
	if err != nil {
		return layer2.PersistedRecord{}, l2err.Wrap(l2err.Internal, "failed to serialize state channel state", err)
	}
	return layer2.PersistedRecord{SchemaVersion: 1, ProtocolID: layer2.ProtocolStateChannels, Payload: payload}, nil
}

func (a *Adapter) Deserialize(rec layer2.PersistedRecord) error {
	if rec.SchemaVersion != 1 {
		return l2err.New(l2err.Config, "unsupported state channel schema version")
	}
	var channels map[layer2.TxID]*Channel
	if err := json.Unmarshal(rec.Payload, &channels); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to deserialize state channel state", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = channels
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
