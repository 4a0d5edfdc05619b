// Package evmbridge implements bridge.ChainClient over a go-ethereum RPC
// connection: a thin wrapper around *ethclient.Client that submits
// pre-signed transactions and reports confirmation depth from the chain
// head. Used by the BOB and RSK bridge adapters, both of which settle on
// an EVM execution layer.
package evmbridge

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

// Client wraps an EVM RPC connection as a bridge.ChainClient.
type Client struct {
	eth *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, l2err.Wrap(l2err.Unavailable, "failed to connect to EVM RPC", err)
	}
	return &Client{eth: c}, nil
}

// NewFromClient wraps an already-connected ethclient.Client.
func NewFromClient(c *ethclient.Client) *Client {
	return &Client{eth: c}
}

// SubmitRaw decodes raw as an RLP-encoded signed transaction (see
// types.Transaction.MarshalBinary) and broadcasts it. The caller is
// responsible for signing; this client never sees private key material.
func (c *Client) SubmitRaw(ctx context.Context, raw []byte) (layer2.TxID, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", l2err.Wrap(l2err.InvalidPsbt, "failed to decode raw EVM transaction", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", l2err.Wrap(l2err.Unavailable, "failed to broadcast EVM transaction", err)
	}
	return layer2.TxID(tx.Hash().Hex()), nil
}

// Confirmations reports how many blocks deep id's receipt is, or 0 if the
// transaction is not yet mined.
func (c *Client) Confirmations(ctx context.Context, id layer2.TxID) (uint32, error) {
	hash := common.HexToHash(string(id))
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, nil
		}
		return 0, l2err.Wrap(l2err.Unavailable, "failed to fetch EVM receipt", err)
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, l2err.Wrap(l2err.Unavailable, "failed to fetch EVM chain head", err)
	}
	if head < receipt.BlockNumber.Uint64() {
		return 0, nil
	}
	return uint32(head-receipt.BlockNumber.Uint64()) + 1, nil
}
