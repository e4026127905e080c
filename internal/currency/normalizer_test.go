package currency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/types"
)

func snapshot(rates map[string]float64) oracle.Snapshot {
	return oracle.Snapshot{Rates: rates, CapturedAt: time.Unix(1_700_000_000, 0)}
}

func TestToUSD(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())
	snap := snapshot(map[string]float64{
		types.CoinEthereum:      2000,
		types.CoinGodsUnchained: 0.2,
		types.CoinImmutableX:    1.5,
	})

	tests := []struct {
		name   string
		amount Amount
		want   *float64
	}{
		{
			name:   "eth",
			amount: Amount{Quantity: "1500000000000000", Currency: string(types.CurrencyETH)},
			want:   model.Float(3),
		},
		{
			name:   "mixed case address",
			amount: Amount{Quantity: "10000000000000000000", Currency: "0xE0E0981D19EF2E0A57CC48CA60D9454ED2D53FEB"},
			want:   model.Float(2),
		},
		{
			name:   "stablecoin ignores oracle",
			amount: Amount{Quantity: "2500000", Currency: string(types.CurrencyUSDC)},
			want:   model.Float(2.5),
		},
		{
			name:   "native uses upstream usd",
			amount: Amount{Quantity: "1", Currency: "NATIVE", USDPrice: model.Float(5)},
			want:   model.Float(5),
		},
		{
			name:   "native without usd falls back to registry",
			amount: Amount{Quantity: "2000000000000000000", Currency: "NATIVE"},
			want:   model.Float(3),
		},
		{
			name:   "usd price ignored for contract currencies",
			amount: Amount{Quantity: "1000000000000000000", Currency: string(types.CurrencyETH), USDPrice: model.Float(1)},
			want:   model.Float(2000),
		},
		{
			name:   "unknown address",
			amount: Amount{Quantity: "1000000000000000000", Currency: "0x0000000000000000000000000000000000000001"},
		},
		{
			name:   "empty currency",
			amount: Amount{Quantity: "1000000000000000000"},
		},
		{
			name:   "unreadable quantity",
			amount: Amount{Quantity: "abc", Currency: string(types.CurrencyETH)},
		},
		{
			name:   "zero quantity",
			amount: Amount{Quantity: "0", Currency: string(types.CurrencyETH)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.ToUSD(tt.amount, snap)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestToUSD_MissingOrZeroRate(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())
	eth := Amount{Quantity: "1000000000000000000", Currency: string(types.CurrencyETH)}

	assert.Nil(t, n.ToUSD(eth, snapshot(nil)))
	assert.Nil(t, n.ToUSD(eth, snapshot(map[string]float64{types.CoinEthereum: 0})))
}

func TestToUSD_UnknownAddressesNeverPriced(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())
	snap := snapshot(map[string]float64{types.CoinEthereum: 2000, "mystery": 1})

	for _, addr := range []string{"0xdeadbeef", "mystery", "native-ish", "0x52a6c53869ce09a731cd772f245b97a4401d334"} {
		assert.Nil(t, n.ToUSD(Amount{Quantity: "1000000", Currency: addr}, snap), addr)
	}
}

func TestToUSD_StablecoinUnchangedRegardlessOfSnapshot(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())
	amount := Amount{Quantity: "123456789", Currency: string(types.CurrencyUSDC)}

	for _, snap := range []oracle.Snapshot{
		snapshot(nil),
		snapshot(map[string]float64{types.CoinUSDC: 0.97}),
		snapshot(map[string]float64{types.CoinUSDC: 0}),
	} {
		got := n.ToUSD(amount, snap)
		require.NotNil(t, got)
		assert.InDelta(t, 123.456789, *got, 1e-12)
	}
}

func TestToUSD_LargeAmountsNotCapped(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())

	got := n.ToUSD(Amount{Quantity: "20000000000000", Currency: string(types.CurrencyUSDC)}, snapshot(nil))
	require.NotNil(t, got)
	assert.InDelta(t, 2e7, *got, 1e-6)

	got = n.ToUSD(Amount{Quantity: "1", Currency: "NATIVE", USDPrice: model.Float(5e8)}, snapshot(nil))
	require.NotNil(t, got)
	assert.Equal(t, 5e8, *got)
}

func TestToUSD_NativeIndependentOfSnapshot(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())
	got := n.ToUSD(
		Amount{Quantity: "999", Currency: "NATIVE", USDPrice: model.Float(5.0)},
		snapshot(map[string]float64{types.CoinEthereum: 2000}),
	)
	require.NotNil(t, got)
	assert.Equal(t, 5.0, *got)
}

func TestSymbol(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())

	assert.Equal(t, "ETH", n.Symbol(string(types.CurrencyETH)))
	assert.Equal(t, "GODS", n.Symbol("0xE0E0981D19EF2E0A57CC48CA60D9454ED2D53FEB"))
	assert.Equal(t, "USDC", n.Symbol(string(types.CurrencyUSDC)))
	assert.Equal(t, "IMX", n.Symbol("NATIVE"))
	assert.Equal(t, SymbolUnknown, n.Symbol("0xabc"))
	assert.Equal(t, SymbolNone, n.Symbol(""))
}

func TestCoinIDs(t *testing.T) {
	n := NewNormalizer(types.DefaultTokenRegistry())
	assert.ElementsMatch(t, []string{types.CoinEthereum, types.CoinGodsUnchained, types.CoinImmutableX, types.CoinUSDC}, n.CoinIDs())
}

func TestTokenAmount(t *testing.T) {
	amount, ok := TokenAmount("1234500000000000000000", 18)
	require.True(t, ok)
	assert.Equal(t, "1234.5", amount.String())

	_, ok = TokenAmount("", 18)
	assert.False(t, ok)
}
