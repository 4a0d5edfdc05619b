// Package liquid wires the shared bridge.TwoPhaseAdapter to the Liquid
// Network, a federated Bitcoin sidechain with ~1 minute blocks. Liquid's
// own functionaries require 2 confirmations before signing a peg-out,
// which this adapter mirrors as its default.
package liquid

import (
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/bridge"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/btcbridge"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// MinConfirmations is Liquid's documented default: 2 confirmations,
// matching the federation's own peg-out signing threshold.
const MinConfirmations = 2

// New constructs a Liquid bridge adapter over a Bitcoin-family backend.
func New(client *btcbridge.Client, audit l2err.AuditRecorder, log *logging.Logger) *bridge.TwoPhaseAdapter {
	return bridge.New(layer2.ProtocolLiquid, client, MinConfirmations, "", audit, log)
}
