// Package types contains shared type definitions used across multiple packages
package types

import "strings"

// CurrencyAddress identifies a settlement currency on the marketplace: either a
// lowercased ERC-20 contract address or the NativeCurrency sentinel.
type CurrencyAddress string

// NativeCurrency is the sentinel the marketplace uses for the chain's native token.
// Records priced in it usually carry a pre-computed USD value.
const NativeCurrency CurrencyAddress = "NATIVE"

// Known settlement currencies
const (
	CurrencyETH  CurrencyAddress = "0x52a6c53869ce09a731cd772f245b97a4401d3348"
	CurrencyGODS CurrencyAddress = "0xe0e0981d19ef2e0a57cc48ca60d9454ed2d53feb"
	CurrencyIMX  CurrencyAddress = "0xf57e7e7c23978c3caec3c3548e3d615c346e79ff"
	CurrencyUSDC CurrencyAddress = "0x6de8acc0d406837030ce4dd28e7c08c5a96a30d2"
)

// Oracle coin ids referenced by the default registry
const (
	CoinEthereum      = "ethereum"
	CoinGodsUnchained = "gods-unchained"
	CoinImmutableX    = "immutable-x"
	CoinUSDC          = "usd-coin"
)

// ParseCurrencyAddress normalizes a raw currency field from an upstream record.
// The native sentinel is kept verbatim, contract addresses are lowercased.
func ParseCurrencyAddress(raw string) CurrencyAddress {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, string(NativeCurrency)) {
		return NativeCurrency
	}
	return CurrencyAddress(strings.ToLower(raw))
}

// TokenInfo describes how a currency maps onto the price oracle
type TokenInfo struct {
	CoinID   string `json:"coin_id" yaml:"coin_id"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
	Symbol   string `json:"symbol" yaml:"symbol"`
}

// IsStablecoin reports whether amounts in this currency are already USD-denominated
func (t TokenInfo) IsStablecoin() bool {
	return t.CoinID == CoinUSDC
}

// DefaultTokenRegistry returns the settlement currencies accepted by the marketplace
func DefaultTokenRegistry() map[CurrencyAddress]TokenInfo {
	return map[CurrencyAddress]TokenInfo{
		CurrencyETH:    {CoinID: CoinEthereum, Decimals: 18, Symbol: "ETH"},
		CurrencyGODS:   {CoinID: CoinGodsUnchained, Decimals: 18, Symbol: "GODS"},
		CurrencyIMX:    {CoinID: CoinImmutableX, Decimals: 18, Symbol: "IMX"},
		CurrencyUSDC:   {CoinID: CoinUSDC, Decimals: 6, Symbol: "USDC"},
		NativeCurrency: {CoinID: CoinImmutableX, Decimals: 18, Symbol: "IMX"},
	}
}
