// Package rsk wires the shared bridge.TwoPhaseAdapter to RSK (Rootstock),
// an EVM-compatible merge-mined sidechain. RSK's own two-way peg
// (Powpeg) already waits for 100 Bitcoin confirmations on its Bitcoin
// leg before releasing RBTC; this adapter's MinConfirmations instead
// covers the RSK-side leg this adapter is responsible for once RBTC
// has already moved.
package rsk

import (
	"github.com/klingon-exchange/l2dispatch/internal/config"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/bridge"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/evmbridge"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// MinConfirmations is RSK's documented default: 30 confirmations on the
// RSK chain, matching the depth RSK block explorers quote as
// "irreversible" given its merge-mining security model.
const MinConfirmations = 30

// New constructs an RSK bridge adapter over an EVM RPC client, resolving
// the network's known Powpeg contract address from the config registry.
func New(client *evmbridge.Client, network config.NetworkType, audit l2err.AuditRecorder, log *logging.Logger) *bridge.TwoPhaseAdapter {
	contract := config.GetBridgeContract(layer2.ProtocolRSK, network)
	return bridge.New(layer2.ProtocolRSK, client, MinConfirmations, contract.Hex(), audit, log)
}
