// Package currency converts raw marketplace amounts into USD.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/types"
	"github.com/yourorg/card-valuation-ea/internal/validation"
)

// Symbols rendered for currencies outside the registry
const (
	SymbolUnknown = "UNKNOWN"
	SymbolNone    = "N/A"
)

// Amount is a raw monetary field from an upstream record
type Amount struct {
	// Quantity is an integer in the currency's smallest unit
	Quantity string
	Currency string
	// USDPrice is the upstream's own valuation, honoured for the native currency only
	USDPrice *float64
}

// Normalizer converts amounts using a fixed token registry
type Normalizer struct {
	registry map[types.CurrencyAddress]types.TokenInfo
}

// NewNormalizer creates a normalizer over registry. The registry is not copied
// and must not change afterwards.
func NewNormalizer(registry map[types.CurrencyAddress]types.TokenInfo) *Normalizer {
	return &Normalizer{registry: registry}
}

// CoinIDs returns the distinct oracle coin ids referenced by the registry
func (n *Normalizer) CoinIDs() []string {
	seen := make(map[string]struct{}, len(n.registry))
	ids := make([]string, 0, len(n.registry))
	for _, info := range n.registry {
		if _, ok := seen[info.CoinID]; ok {
			continue
		}
		seen[info.CoinID] = struct{}{}
		ids = append(ids, info.CoinID)
	}
	return ids
}

// Lookup returns the registry entry for a currency
func (n *Normalizer) Lookup(currency string) (types.TokenInfo, bool) {
	info, ok := n.registry[types.ParseCurrencyAddress(currency)]
	return info, ok
}

// ToUSD converts an amount to USD. It returns nil, never an error, when the
// currency is unknown, the quantity is unreadable or the oracle has no usable
// rate for the mapped coin.
func (n *Normalizer) ToUSD(a Amount, snap oracle.Snapshot) *float64 {
	if strings.TrimSpace(a.Currency) == "" {
		return nil
	}

	address := types.ParseCurrencyAddress(a.Currency)
	if address == types.NativeCurrency && a.USDPrice != nil {
		return validation.Price(*a.USDPrice)
	}

	info, ok := n.registry[address]
	if !ok {
		return nil
	}

	amount, ok := TokenAmount(a.Quantity, info.Decimals)
	if !ok {
		return nil
	}

	if info.IsStablecoin() {
		return validation.Price(amount.InexactFloat64())
	}

	rate, ok := snap.Rate(info.CoinID)
	if !ok || !validation.ValidRate(rate) {
		return nil
	}

	usd := amount.Mul(decimal.NewFromFloat(rate))
	return validation.Price(usd.InexactFloat64())
}

// Symbol returns the ticker for a currency address
func (n *Normalizer) Symbol(currency string) string {
	if strings.TrimSpace(currency) == "" {
		return SymbolNone
	}
	info, ok := n.Lookup(currency)
	if !ok || info.Symbol == "" {
		return SymbolUnknown
	}
	return info.Symbol
}

// TokenAmount scales an integer quantity down by decimals
func TokenAmount(quantity string, decimals int32) (decimal.Decimal, bool) {
	quantity = strings.TrimSpace(quantity)
	if quantity == "" {
		return decimal.Zero, false
	}
	raw, err := decimal.NewFromString(quantity)
	if err != nil {
		return decimal.Zero, false
	}
	return raw.Shift(-decimals), true
}
