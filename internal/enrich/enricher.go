// Package enrich prices a single card proto from its listings, offers and
// sale history.
package enrich

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/card-valuation-ea/internal/currency"
	"github.com/yourorg/card-valuation-ea/internal/fetch"
	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/otel"
	"github.com/yourorg/card-valuation-ea/internal/types"
	"github.com/yourorg/card-valuation-ea/internal/validation"
)

const (
	// topQuotes is the number of listings and offers kept on an enriched card
	topQuotes = 5
	// historyDepth is the number of most recent sales kept per proto
	historyDepth = 10
)

// Degradation labels reported on cards whose sub-fetch produced no data
const (
	DegradedMarket     = "market"
	DegradedHistorical = "historical"
)

// MarketSource serves per-proto market queries
type MarketSource interface {
	CheapestQuotes(ctx context.Context, proto, owner string) ([]fetch.QuoteRecord, fetch.Result, error)
	HistoricalPrices(ctx context.Context, proto string) ([]fetch.SaleRecord, fetch.Result, error)
}

// Enricher builds EnrichedCards
type Enricher struct {
	market     MarketSource
	normalizer *currency.Normalizer
	opts       validation.ValidationOptions
	tracer     trace.Tracer
	duration   prometheus.Observer
}

// Option customizes an Enricher
type Option func(*Enricher)

// WithDurationObserver records how long each card takes to enrich
func WithDurationObserver(o prometheus.Observer) Option {
	return func(e *Enricher) { e.duration = o }
}

// WithValidationOptions replaces the price sanity options
func WithValidationOptions(opts validation.ValidationOptions) Option {
	return func(e *Enricher) { e.opts = opts }
}

// New creates an enricher
func New(market MarketSource, normalizer *currency.Normalizer, opts ...Option) *Enricher {
	e := &Enricher{
		market:     market,
		normalizer: normalizer,
		opts:       validation.DefaultValidationOptions(),
		tracer:     otel.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich fetches market data and sale history for the card's proto in
// parallel and derives the card's valuation. A sub-fetch that degrades leaves
// its fields empty; only hard upstream failures return an error.
func (e *Enricher) Enrich(ctx context.Context, card model.OwnedCard, owner string, snap oracle.Snapshot) (model.EnrichedCard, error) {
	ctx, span := e.tracer.Start(ctx, "enrich.card", trace.WithAttributes(attribute.String("proto", card.Proto)))
	defer span.End()

	start := time.Now()
	defer func() {
		if e.duration != nil {
			e.duration.Observe(time.Since(start).Seconds())
		}
	}()

	market, history, err := e.fetchBoth(ctx, card.Proto, owner, snap)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.EnrichedCard{}, fmt.Errorf("enriching proto %s: %w", card.Proto, err)
	}

	return Build(card, owner, market, history), nil
}

// Detail returns the market and sale view of one proto
func (e *Enricher) Detail(ctx context.Context, proto, owner string, snap oracle.Snapshot) (model.CardDetail, error) {
	ctx, span := e.tracer.Start(ctx, "enrich.detail", trace.WithAttributes(attribute.String("proto", proto)))
	defer span.End()

	market, history, err := e.fetchBoth(ctx, proto, owner, snap)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.CardDetail{}, fmt.Errorf("loading proto %s: %w", proto, err)
	}

	return model.CardDetail{
		Proto:       proto,
		MarketData:  market,
		SaleHistory: history,
		Degraded:    degradedParts(market, history),
	}, nil
}

func (e *Enricher) fetchBoth(ctx context.Context, proto, owner string, snap oracle.Snapshot) (model.MarketData, model.SaleHistory, error) {
	var market model.MarketData
	var history model.SaleHistory

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		market, err = e.MarketData(gctx, proto, owner, snap)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = e.SaleHistory(gctx, proto, snap)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.MarketData{}, model.SaleHistory{}, err
	}
	return market, history, nil
}

// MarketData prices the proto's current asks and bids. Asks are sorted
// ascending and bids descending; unpriced quotes count toward RawCount only.
// The owner's own asks never set the market's lowest price.
func (e *Enricher) MarketData(ctx context.Context, proto, owner string, snap oracle.Snapshot) (model.MarketData, error) {
	records, res, err := e.market.CheapestQuotes(ctx, proto, owner)
	if err != nil {
		return model.MarketData{}, fmt.Errorf("listings: %w", err)
	}

	md := model.MarketData{
		Listings:            []model.MarketQuote{},
		Offers:              []model.MarketQuote{},
		OwnerListedTokenIDs: []string{},
		OrderIdentifier:     map[string]string{},
		RawCount:            len(records),
		Degraded:            res.Degraded(),
	}

	for _, r := range records {
		q := e.quote(r, snap)
		if !isAsk(r) {
			if q.USDPrice != nil {
				md.Offers = append(md.Offers, q)
			}
			continue
		}

		if sameAddress(q.MakerAddress, owner) && q.TokenID != "" {
			md.OwnerListedTokenIDs = append(md.OwnerListedTokenIDs, q.TokenID)
			if q.OrderHash != "" {
				md.OrderIdentifier[q.TokenID] = q.OrderHash
			}
		}
		if q.USDPrice != nil {
			md.Listings = append(md.Listings, q)
		}
	}

	sort.SliceStable(md.Listings, func(i, j int) bool { return md.Listings[i].Price() < md.Listings[j].Price() })
	sort.SliceStable(md.Offers, func(i, j int) bool { return md.Offers[i].Price() > md.Offers[j].Price() })

	if best, ok := bestMarketAsk(md.Listings, owner); ok {
		md.LowestPrice = model.Float(best.Price())
		currencyAddress := best.CurrencyAddress
		symbol := best.CurrencySymbol
		md.LowestListingCurrency = &currencyAddress
		md.LowestListingCurrencySymbol = &symbol
		if eth, ok := snap.Rate(types.CoinEthereum); ok && validation.ValidRate(eth) {
			md.LowestPriceETH = model.Float(model.Round(best.Price()/eth, 8))
		}
	}
	if len(md.Offers) > 0 {
		md.HighestBid = model.Float(md.Offers[0].Price())
	}

	return md, nil
}

// SaleHistory prices the proto's recorded trades and keeps the most recent ones
func (e *Enricher) SaleHistory(ctx context.Context, proto string, snap oracle.Snapshot) (model.SaleHistory, error) {
	records, res, err := e.market.HistoricalPrices(ctx, proto)
	if err != nil {
		return model.SaleHistory{}, fmt.Errorf("historical prices: %w", err)
	}

	history := model.SaleHistory{
		Historical: []model.HistoricalSale{},
		Degraded:   res.Degraded(),
	}

	for _, r := range records {
		usd := e.normalizer.ToUSD(currency.Amount{
			Quantity: r.TakerAssetFilledAmount.String(),
			Currency: r.Currency.String(),
			USDPrice: r.USDPrice.Ptr(),
		}, snap)
		if usd == nil {
			continue
		}
		history.Historical = append(history.Historical, model.HistoricalSale{
			USDPrice:  model.Round(*usd, 6),
			UpdatedAt: r.UpdatedAt.String(),
			IsBuy:     int(r.IsBuy.Value),
		})
	}

	// RFC 3339 timestamps order lexically
	sort.SliceStable(history.Historical, func(i, j int) bool {
		return history.Historical[i].UpdatedAt > history.Historical[j].UpdatedAt
	})
	if len(history.Historical) > historyDepth {
		history.Historical = history.Historical[:historyDepth]
	}
	for _, i := range validation.Outliers(history.Historical, e.opts) {
		history.Historical[i].Outlier = true
	}

	if len(history.Historical) > 0 {
		last := history.Historical[0]
		history.LastSold = model.Float(last.USDPrice)
		date := last.UpdatedAt
		history.LastSoldDate = &date
	}
	return history, nil
}

func (e *Enricher) quote(r fetch.QuoteRecord, snap oracle.Snapshot) model.MarketQuote {
	usd := e.normalizer.ToUSD(currency.Amount{
		Quantity: r.CurrencyQuantity.String(),
		Currency: r.CurrencyAddress.String(),
		USDPrice: r.USDPrice.Ptr(),
	}, snap)
	if usd != nil {
		usd = model.Float(model.Round(*usd, 6))
	}

	currencyAddress := r.CurrencyAddress.String()
	if currencyAddress == "" {
		currencyAddress = string(types.CurrencyETH)
	}

	return model.MarketQuote{
		MakerAddress:     r.MakerAddress.String(),
		USDPrice:         usd,
		CurrencyAddress:  currencyAddress,
		CurrencyQuantity: r.CurrencyQuantity.String(),
		CurrencySymbol:   e.normalizer.Symbol(currencyAddress),
		TokenID:          r.TokenID.String(),
		OrderHash:        r.OrderHash.String(),
	}
}

// Build derives an EnrichedCard from already-priced market data and history
func Build(card model.OwnedCard, owner string, market model.MarketData, history model.SaleHistory) model.EnrichedCard {
	lowest := market.LowestPrice
	bid := market.HighestBid
	lastSold := history.LastSold

	realValue := 0.0
	if lowest != nil && lastSold != nil {
		realValue = math.Min(*lowest, *lastSold)
	}

	var spread *float64
	if lowest != nil && bid != nil && *bid > 0 {
		spread = model.Float(model.Round((*lowest-*bid) / *bid * 100, 2))
	}

	status, ownerPrice := ListingStatus(market.Listings, owner)

	listed := make(map[string]struct{}, len(market.OwnerListedTokenIDs))
	for _, id := range market.OwnerListedTokenIDs {
		listed[id] = struct{}{}
	}
	unlisted := make([]string, 0, len(card.TokenIDs))
	for _, id := range card.TokenIDs {
		if _, ok := listed[id]; !ok {
			unlisted = append(unlisted, id)
		}
	}

	tokenIDs := card.TokenIDs
	if tokenIDs == nil {
		tokenIDs = []string{}
	}
	ownerListed := market.OwnerListedTokenIDs
	if ownerListed == nil {
		ownerListed = []string{}
	}
	orders := market.OrderIdentifier
	if orders == nil {
		orders = map[string]string{}
	}
	historical := history.Historical
	if historical == nil {
		historical = []model.HistoricalSale{}
	}

	return model.EnrichedCard{
		Proto:               card.Proto,
		TokenIDs:            tokenIDs,
		Count:               card.Count,
		ListedCount:         len(ownerListed),
		UnlistedCount:       len(unlisted),
		PCount:              card.PCount,
		Metadata:            card.Metadata,
		Listings:            head(market.Listings, topQuotes),
		Offers:              head(market.Offers, topQuotes),
		LowestPrice:         lowest,
		LowestPriceETH:      market.LowestPriceETH,
		HighestBid:          bid,
		BidSpreadPct:        spread,
		ListingStatus:       status,
		OwnerListingPrice:   ownerPrice,
		OwnerListedTokenIDs: ownerListed,
		OrderIdentifier:     orders,
		UnlistedTokenIDs:    unlisted,
		Historical:          historical,
		LastSold:            lastSold,
		LastSoldDate:        history.LastSoldDate,
		RealValue:           realValue,
		TotalListingValue:   total(lowest, card.Count),
		TotalBidValue:       total(bid, card.Count),
		TotalLastSoldValue:  total(lastSold, card.Count),
		TotalRealValue:      total(&realValue, card.Count),
		Degraded:            degradedParts(market, history),
	}
}

// ListingStatus places the owner's cheapest priced ask against the market.
// listings must be sorted ascending. The owner is "lowest" when no other
// maker has a priced ask and "undercut" when one does; nil when the owner has
// no priced ask.
func ListingStatus(listings []model.MarketQuote, owner string) (*model.ListingStatus, *float64) {
	var ownerBest *model.MarketQuote
	for i := range listings {
		if sameAddress(listings[i].MakerAddress, owner) {
			ownerBest = &listings[i]
			break
		}
	}
	if ownerBest == nil {
		return nil, nil
	}

	status := model.ListingLowest
	if _, ok := bestMarketAsk(listings, owner); ok {
		status = model.ListingUndercut
	}
	return &status, model.Float(ownerBest.Price())
}

// bestMarketAsk returns the cheapest ask not made by owner
func bestMarketAsk(listings []model.MarketQuote, owner string) (model.MarketQuote, bool) {
	for _, q := range listings {
		if !sameAddress(q.MakerAddress, owner) {
			return q, true
		}
	}
	return model.MarketQuote{}, false
}

func isAsk(r fetch.QuoteRecord) bool {
	return r.IsBuy.Valid && r.IsBuy.Value == 0
}

func sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

func total(perUnit *float64, count int) *float64 {
	if perUnit == nil {
		return nil
	}
	return model.Float(model.Round(*perUnit*float64(count), 6))
}

func head(quotes []model.MarketQuote, n int) []model.MarketQuote {
	if quotes == nil {
		return []model.MarketQuote{}
	}
	if len(quotes) > n {
		return quotes[:n]
	}
	return quotes
}

func degradedParts(market model.MarketData, history model.SaleHistory) []string {
	var parts []string
	if market.Degraded {
		parts = append(parts, DegradedMarket)
	}
	if history.Degraded {
		parts = append(parts, DegradedHistorical)
	}
	return parts
}
