// Package config provides the known bridge contract addresses for
// EVM-settling Layer-2 protocols (BOB, RSK). ALL bridge contract
// addresses MUST be defined here, not scattered across adapters.
package config

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

// bridgeContractRegistry maps (protocol, network) -> the protocol's
// canonical peg-in bridge contract address, so whatever builds a BOB or
// RSK deposit transaction does not have to hardcode it.
var bridgeContractRegistry = map[layer2.ProtocolID]map[NetworkType]common.Address{
	layer2.ProtocolBOB: {
		Mainnet: common.HexToAddress("0x34f4705ec3fA4FCbC8d8bA45E25DB99dA1FA5f9c"),
		Testnet: common.HexToAddress("0x9D53C4B8c12d4f0e8B53B23f3392C8dcea0e0fb0"),
	},
	layer2.ProtocolRSK: {
		// The RSK two-way peg (Powpeg) lives at the same precompile
		// address on both networks.
		Mainnet: common.HexToAddress("0x0000000000000000000000000000000001000006"),
		Testnet: common.HexToAddress("0x0000000000000000000000000000000001000006"),
	},
}

// GetBridgeContract returns the peg-in bridge contract address for
// protocol on network. Returns the zero address if the pair is not
// registered.
func GetBridgeContract(protocol layer2.ProtocolID, network NetworkType) common.Address {
	byNetwork, ok := bridgeContractRegistry[protocol]
	if !ok {
		return common.Address{}
	}
	return byNetwork[network]
}

// IsBridgeContractKnown reports whether protocol has a registered bridge
// contract address on network.
func IsBridgeContractKnown(protocol layer2.ProtocolID, network NetworkType) bool {
	return GetBridgeContract(protocol, network) != (common.Address{})
}

// RegisterBridgeContract overrides or adds a bridge contract address at
// runtime, e.g. when an operator's config file supplies a contract
// address this registry does not hardcode.
func RegisterBridgeContract(protocol layer2.ProtocolID, network NetworkType, address common.Address) {
	byNetwork, ok := bridgeContractRegistry[protocol]
	if !ok {
		byNetwork = map[NetworkType]common.Address{}
		bridgeContractRegistry[protocol] = byNetwork
	}
	byNetwork[network] = address
}
