// Package bob wires the shared bridge.TwoPhaseAdapter to BOB (Build on
// Bitcoin), an EVM rollup that settles its state root to Bitcoin. Peg-in
// confirmation depth is measured on the BOB execution layer itself; BOB's
// own settlement to Bitcoin is out of scope for this adapter, which treats
// each bridge's source/destination legs as opaque to the other three.
package bob

import (
	"github.com/klingon-exchange/l2dispatch/internal/config"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/bridge"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/evmbridge"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// MinConfirmations is BOB's documented default: 12 confirmations on the
// BOB execution layer before a peg-in is treated as final, matching the
// confirmation depth BOB's own bridge UI quotes for deposits.
const MinConfirmations = 12

// New constructs a BOB bridge adapter over an EVM RPC client, resolving
// the network's known peg-in bridge contract from the config registry.
func New(client *evmbridge.Client, network config.NetworkType, audit l2err.AuditRecorder, log *logging.Logger) *bridge.TwoPhaseAdapter {
	contract := config.GetBridgeContract(layer2.ProtocolBOB, network)
	return bridge.New(layer2.ProtocolBOB, client, MinConfirmations, contract.Hex(), audit, log)
}
