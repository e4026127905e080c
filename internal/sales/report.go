package sales

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/types"
	"github.com/yourorg/card-valuation-ea/internal/validation"
)

const (
	saleType = "SALE"
	topSales = 20
)

// PriceSource provides USD rates
type PriceSource interface {
	Prices(ctx context.Context, coinIDs ...string) oracle.Snapshot
}

// Reporter builds sales reports
type Reporter struct {
	paginator *Paginator
	prices    PriceSource
}

// NewReporter creates a reporter
func NewReporter(paginator *Paginator, prices PriceSource) *Reporter {
	return &Reporter{paginator: paginator, prices: prices}
}

// Report reconstructs the wallet's sales and prices them in USD at the current ETH rate
func (r *Reporter) Report(ctx context.Context, owner string) (model.SalesReport, error) {
	notifications, err := r.paginator.FetchAllSales(ctx, owner)
	if err != nil {
		return model.SalesReport{}, fmt.Errorf("loading sales history: %w", err)
	}

	snap := r.prices.Prices(ctx, types.CoinEthereum)
	eth, ok := snap.Rate(types.CoinEthereum)
	if !ok || !validation.ValidRate(eth) {
		eth = 0
	}
	return BuildReport(owner, notifications, eth), nil
}

// BuildReport groups SALE notifications by proto. Notification prices are
// decimal ETH strings; unreadable prices count as zero.
func BuildReport(owner string, notifications []model.NotificationRecord, ethPrice float64) model.SalesReport {
	byProto := make(map[string][]model.Sale)
	all := make([]model.Sale, 0)
	totalETH := decimal.Zero

	for _, n := range notifications {
		if n.Type != saleType || n.Proto == "" {
			continue
		}

		priceETH, err := decimal.NewFromString(strings.TrimSpace(n.Price))
		if err != nil {
			priceETH = decimal.Zero
		}
		totalETH = totalETH.Add(priceETH)

		eth := priceETH.InexactFloat64()
		s := model.Sale{
			TokenID:         n.TokenID,
			Proto:           n.Proto,
			PriceETH:        eth,
			PriceUSD:        eth * ethPrice,
			CurrencyAddress: n.CurrencyAddress,
			CardName:        n.Name,
			CardImg:         n.Img,
			SoldAt:          n.UpdatedAt,
		}
		byProto[n.Proto] = append(byProto[n.Proto], s)
		all = append(all, s)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PriceUSD != all[j].PriceUSD {
			return all[i].PriceUSD > all[j].PriceUSD
		}
		return all[i].PriceETH > all[j].PriceETH
	})

	top := all
	if len(top) > topSales {
		top = top[:topSales]
	}

	totalUSD := 0.0
	if ethPrice > 0 {
		totalUSD = totalETH.InexactFloat64() * ethPrice
	}

	return model.SalesReport{
		Wallet: owner,
		Summary: model.SalesSummary{
			TotalSales:      len(all),
			UniqueCardsSold: len(byProto),
			TotalValueETH:   model.Round(totalETH.InexactFloat64(), 6),
			TotalValueUSD:   model.Round(totalUSD, 2),
			ETHPrice:        ethPrice,
		},
		SalesByProto: byProto,
		TopSales:     top,
		AllSales:     all,
	}
}
