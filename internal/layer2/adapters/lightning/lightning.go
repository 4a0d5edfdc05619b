// Package lightning adapts a BOLT-conformant channel state machine to the
// layer2.Protocol contract. Per-peer message ordering is preserved with an
// in-memory FIFO queue per peer, which is not persisted and does not
// survive a restart; cross-peer ordering is not guaranteed.
package lightning

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// ChannelState is a BOLT-conformant channel lifecycle state.
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelFunded
	ChannelNormal
	ChannelClosing
	ChannelClosed
)

// HTLCState tracks one HTLC's progress through add/fulfill/fail.
type HTLCState int

const (
	HTLCAdded HTLCState = iota
	HTLCFulfilled
	HTLCFailed
)

// HTLC records one channel update, keyed by a strictly monotonic
// per-channel commitment number.
type HTLC struct {
	CommitmentNum uint64
	State         HTLCState
	AmountMsat    uint64
	PaymentHash   [32]byte
}

// Channel is one Lightning channel's local view.
type Channel struct {
	PeerID          string
	State           ChannelState
	NextCommitment  uint64
	HTLCs           []HTLC
	CapacitySat     uint64
	LocalBalanceSat uint64
}

// peerQueue is a FIFO outbound message queue for one peer, built on
// container/list. The ordering lives in memory since Lightning message
// delivery is not required to survive a restart by this adapter's
// contract.
type peerQueue struct {
	mu    sync.Mutex
	items *list.List
}

func newPeerQueue() *peerQueue {
	return &peerQueue{items: list.New()}
}

func (q *peerQueue) push(msg []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(msg)
}

func (q *peerQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.([]byte), true
}

// Transport abstracts the per-peer wire connection so tests can supply a
// fake without opening a real socket; the production transport is a
// *websocket.Conn.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
}

// Adapter implements layer2.Protocol for Lightning.
type Adapter struct {
	*layer2.BaseAdapter

	mu       sync.Mutex
	channels map[string]*Channel // peerID -> channel
	queues   map[string]*peerQueue
	peers    map[string]Transport
	txs      map[layer2.TxID]layer2.TxStatus
	seq      uint64
}

// New constructs a Lightning adapter. audit/log may be nil.
func New(audit l2err.AuditRecorder, log *logging.Logger) *Adapter {
	a := &Adapter{
		channels: map[string]*Channel{},
		queues:   map[string]*peerQueue{},
		peers:    map[string]Transport{},
		txs:      map[layer2.TxID]layer2.TxStatus{},
	}
	a.BaseAdapter = layer2.NewBaseAdapter(layer2.ProtocolLightning, audit, log, a.probe)
	return a
}

func (a *Adapter) probe(ctx context.Context) (layer2.ProtocolHealth, error) {
	a.mu.Lock()
	peerCount := len(a.peers)
	a.mu.Unlock()
	return layer2.ProtocolHealth{Healthy: true, PeerCount: uint32(peerCount)}, nil
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

// AttachPeer registers a transport for peerID and opens its channel
// record in ChannelOpening, so subsequent channel messages have a FIFO
// queue to land in.
func (a *Adapter) AttachPeer(peerID string, t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[peerID] = t
	if _, ok := a.queues[peerID]; !ok {
		a.queues[peerID] = newPeerQueue()
	}
	if _, ok := a.channels[peerID]; !ok {
		a.channels[peerID] = &Channel{PeerID: peerID, State: ChannelOpening}
	}
}

// EnqueueMessage appends msg to peerID's FIFO queue and attempts
// immediate delivery if a transport is attached.
func (a *Adapter) EnqueueMessage(peerID string, msg []byte) error {
	a.mu.Lock()
	q, ok := a.queues[peerID]
	if !ok {
		q = newPeerQueue()
		a.queues[peerID] = q
	}
	t := a.peers[peerID]
	a.mu.Unlock()

	q.push(msg)
	if t == nil {
		return nil
	}
	return a.drain(peerID, t)
}

func (a *Adapter) drain(peerID string, t Transport) error {
	q := a.queues[peerID]
	for {
		msg, ok := q.pop()
		if !ok {
			return nil
		}
		if err := t.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			q.mu.Lock()
			q.items.PushFront(msg) // preserve FIFO order for the next attempt
			q.mu.Unlock()
			return l2err.Wrap(l2err.Unavailable, "peer delivery failed", err)
		}
	}
}

// AddHTLC records a new HTLC on peerID's channel with the next strictly
// monotonic commitment number.
func (a *Adapter) AddHTLC(peerID string, amountMsat uint64, paymentHash [32]byte) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.channels[peerID]
	if !ok || ch.State != ChannelNormal {
		return 0, l2err.New(l2err.NotConnected, "channel is not in the normal state")
	}
	ch.NextCommitment++
	num := ch.NextCommitment
	ch.HTLCs = append(ch.HTLCs, HTLC{CommitmentNum: num, State: HTLCAdded, AmountMsat: amountMsat, PaymentHash: paymentHash})
	return num, nil
}

// ResolveHTLC marks commitmentNum fulfilled or failed; resolution order is
// not enforced across different HTLCs (only add ordering is monotonic),
// matching real BOLT semantics where fulfillment can race.
func (a *Adapter) ResolveHTLC(peerID string, commitmentNum uint64, fulfilled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.channels[peerID]
	if !ok {
		return l2err.New(l2err.NotFound, "channel not found")
	}
	for i := range ch.HTLCs {
		if ch.HTLCs[i].CommitmentNum == commitmentNum {
			if fulfilled {
				ch.HTLCs[i].State = HTLCFulfilled
			} else {
				ch.HTLCs[i].State = HTLCFailed
			}
			return nil
		}
	}
	return l2err.New(l2err.NotFound, "htlc not found")
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
	return layer2.ProtocolState{
		ProtocolID:  layer2.ProtocolLightning,
		PeerCount:   uint32(len(a.peers)),
		Synced:      true,
		LastUpdate:  time.Now(),
		SequenceNum: a.seq,
	}, nil
}

func (a *Adapter) SubmitTransaction(ctx context.Context, raw []byte) (layer2.TxID, error) {
	if err := a.RequireConnected(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := layer2.TxID(jsonHash(raw))
	a.txs[id] = layer2.TxStatus{Kind: layer2.TxIncluded}
	return id, nil
}

func (a *Adapter) CheckTransactionStatus(ctx context.Context, id layer2.TxID) (layer2.TxStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.txs[id]
	if !ok {
		return layer2.TxStatus{}, l2err.New(l2err.NotFound, "unknown transaction")
	}
	return st, nil
}

func (a *Adapter) IssueAsset(ctx context.Context, params layer2.IssueParams) (layer2.AssetID, error) {
	return "", l2err.New(l2err.Unsupported, "lightning does not support asset issuance")
}

func (a *Adapter) TransferAsset(ctx context.Context, t layer2.Transfer) (layer2.TransferResult, error) {
	if err := a.RequireConnected(); err != nil {
		return layer2.TransferResult{}, err
	}
	var hash [32]byte
	num, err := a.AddHTLC(string(t.AssetID), t.Amount*1000, hash)
	if err != nil {
		return layer2.TransferResult{}, err
	}
	return layer2.TransferResult{TxID: layer2.TxID(itoa(num))}, nil
}

func (a *Adapter) EstimateFees(ctx context.Context, op layer2.OpKind, params layer2.FeeParams) (layer2.FeeSchedule, error) {
	return layer2.FeeSchedule{BaseFee: 1, FeePerByte: 0, EstimatedTime: time.Second}, nil
}

func (a *Adapter) GenerateProof(ctx context.Context, id layer2.TxID) (layer2.Proof, error) {
	st, err := a.CheckTransactionStatus(ctx, id)
	if err != nil {
		return layer2.Proof{}, err
	}
	if st.Kind != layer2.TxFinal && st.Kind != layer2.TxIncluded {
		return layer2.Proof{}, l2err.New(l2err.Finality, "transaction is not yet included")
	}
	return layer2.Proof{ProtocolID: layer2.ProtocolLightning, TxID: id, Payload: []byte(id)}, nil
}

func (a *Adapter) VerifyProof(ctx context.Context, p layer2.Proof) (bool, error) {
	return p.ProtocolID == layer2.ProtocolLightning && string(p.TxID) == string(p.Payload), nil
}

func (a *Adapter) Serialize() (layer2.PersistedRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, err := json.Marshal(a.channels)
	if err != nil {
		return layer2.PersistedRecord{}, l2err.Wrap(l2err.Internal, "failed to serialize lightning state", err)
	}
	return layer2.PersistedRecord{SchemaVersion: 1, ProtocolID: layer2.ProtocolLightning, Payload: payload}, nil
}

func (a *Adapter) Deserialize(rec layer2.PersistedRecord) error {
	if rec.SchemaVersion != 1 {
		return l2err.New(l2err.Config, "unsupported lightning schema version")
	}
	var channels map[string]*Channel
	if err := json.Unmarshal(rec.Payload, &channels); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to deserialize lightning state", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = channels
	return nil
}

func jsonHash(raw []byte) string {
	sum := 2166136261 // FNV-1a offset basis, good enough for a deterministic test/sim tx id
	for _, b := range raw {
		sum ^= int(b)
		sum *= 16777619
	}
	return itoa(uint64(uint32(sum)))
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
