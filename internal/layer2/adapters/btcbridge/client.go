// Package btcbridge implements bridge.ChainClient over internal/backend's
// Backend interface (mempool.space/esplora/electrum/blockbook/direct-RPC),
// since Liquid and Stacks both anchor their peg transactions to
// Bitcoin-shaped UTXOs rather than an EVM execution layer. Raw payloads
// are PSBT-extracted transactions produced by internal/psbt2.ExtractTx
// and serialized with wire.MsgTx.Serialize.
package btcbridge

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/l2dispatch/internal/backend"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

// Client wraps a Bitcoin-family backend as a bridge.ChainClient.
type Client struct {
	backend backend.Backend
}

// New wraps an already-connected backend.Backend.
func New(b backend.Backend) *Client {
	return &Client{backend: b}
}

// SubmitRaw decodes raw as a serialized wire.MsgTx and broadcasts its hex
// encoding through the backend.
func (c *Client) SubmitRaw(ctx context.Context, raw []byte) (layer2.TxID, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", l2err.Wrap(l2err.InvalidPsbt, "failed to decode raw bitcoin-family transaction", err)
	}
	txid, err := c.backend.BroadcastTransaction(ctx, hex.EncodeToString(raw))
	if err != nil {
		return "", l2err.Wrap(l2err.Unavailable, "failed to broadcast bitcoin-family transaction", err)
	}
	return layer2.TxID(txid), nil
}

// Confirmations reports the confirmation count the backend last observed
// for id.
func (c *Client) Confirmations(ctx context.Context, id layer2.TxID) (uint32, error) {
	tx, err := c.backend.GetTransaction(ctx, string(id))
	if err != nil {
		return 0, l2err.Wrap(l2err.Unavailable, "failed to fetch bitcoin-family transaction", err)
	}
	if tx.Confirmations < 0 {
		return 0, nil
	}
	return uint32(tx.Confirmations), nil
}
