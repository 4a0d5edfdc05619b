// Package stacks wires the shared bridge.TwoPhaseAdapter to Stacks, which
// anchors its blocks to Bitcoin via Proof of Transfer. A Stacks block is
// only considered final once its Bitcoin anchor block has accumulated
// enough confirmations to be reorg-resistant.
package stacks

import (
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/bridge"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/btcbridge"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// MinConfirmations is Stacks's documented default: 6 Bitcoin
// confirmations on the anchor block, matching the depth the Stacks
// blockchain API quotes for "anchored" finality.
const MinConfirmations = 6

// New constructs a Stacks bridge adapter over a Bitcoin-family backend.
func New(client *btcbridge.Client, audit l2err.AuditRecorder, log *logging.Logger) *bridge.TwoPhaseAdapter {
	return bridge.New(layer2.ProtocolStacks, client, MinConfirmations, "", audit, log)
}
