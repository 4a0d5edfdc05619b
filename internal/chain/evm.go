package chain

func init() {
	// BOB (Build on Bitcoin) - OP Stack L2 settling to Ethereum and anchoring
	// Bitcoin deposits through its own bridge contract.
	Register("BOB", Mainnet, &Params{
		Symbol:   "BOB",
		Name:     "BOB",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID:     60808,
		NativeToken: "ETH",

		DefaultAddressType: AddressEVM,
	})
	Register("BOB", Testnet, &Params{
		Symbol:   "BOB",
		Name:     "BOB Sepolia",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID:     808813,
		NativeToken: "ETH",

		DefaultAddressType: AddressEVM,
	})

	// RSK (Rootstock) - Bitcoin-merge-mined EVM sidechain, native token RBTC.
	Register("RSK", Mainnet, &Params{
		Symbol:   "RSK",
		Name:     "Rootstock",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       137,
		DefaultPurpose: 44,

		ChainID:     30,
		NativeToken: "RBTC",

		DefaultAddressType: AddressEVM,
	})
	Register("RSK", Testnet, &Params{
		Symbol:   "RSK",
		Name:     "Rootstock Testnet",
		Type:     ChainTypeEVM,
		Decimals: 18,

		CoinType:       37310,
		DefaultPurpose: 44,

		ChainID:     31,
		NativeToken: "tRBTC",

		DefaultAddressType: AddressEVM,
	})
}
