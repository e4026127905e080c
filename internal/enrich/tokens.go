package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/card-valuation-ea/internal/currency"
	"github.com/yourorg/card-valuation-ea/internal/fetch"
	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
)

// TokenSource serves per-token market queries
type TokenSource interface {
	Asset(ctx context.Context, tokenID string) (fetch.AssetRecord, fetch.Result, error)
	TokenActivity(ctx context.Context, tokenID string) (fetch.ActivityRecord, fetch.Result, error)
}

// TokenLookup reports the market state of individual tokens
type TokenLookup struct {
	tokens     TokenSource
	normalizer *currency.Normalizer
	workers    int
}

// NewTokenLookup creates a lookup running at most workers tokens at a time
func NewTokenLookup(tokens TokenSource, normalizer *currency.Normalizer, workers int) *TokenLookup {
	if workers <= 0 {
		workers = 1
	}
	return &TokenLookup{tokens: tokens, normalizer: normalizer, workers: workers}
}

// Lookup returns market info for each token in input order. Tokens whose
// lookup fails are logged and left out.
func (l *TokenLookup) Lookup(ctx context.Context, tokenIDs []string, owner string, snap oracle.Snapshot) []model.CardMarketInfo {
	results := make([]*model.CardMarketInfo, len(tokenIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, id := range tokenIDs {
		g.Go(func() error {
			info, err := l.Card(gctx, id, owner, snap)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"token_id": id,
				}).WithError(err).Warn("Token market lookup failed")
				return nil
			}
			results[i] = &info
			return nil
		})
	}
	_ = g.Wait()

	cards := make([]model.CardMarketInfo, 0, len(tokenIDs))
	for _, info := range results {
		if info != nil {
			cards = append(cards, *info)
		}
	}
	return cards
}

// Card returns the asset details and active sell listings of one token
func (l *TokenLookup) Card(ctx context.Context, tokenID, owner string, snap oracle.Snapshot) (model.CardMarketInfo, error) {
	owner = strings.ToLower(owner)

	asset, res, err := l.tokens.Asset(ctx, tokenID)
	if err != nil {
		return model.CardMarketInfo{}, fmt.Errorf("asset %s: %w", tokenID, err)
	}
	if res.Degraded() {
		return model.CardMarketInfo{}, fmt.Errorf("asset %s: %w", tokenID, res.Err())
	}

	activity, res, err := l.tokens.TokenActivity(ctx, tokenID)
	if err != nil {
		return model.CardMarketInfo{}, fmt.Errorf("activity %s: %w", tokenID, err)
	}
	if res.Degraded() {
		return model.CardMarketInfo{}, fmt.Errorf("activity %s: %w", tokenID, res.Err())
	}

	info := model.CardMarketInfo{
		TokenID:     tokenID,
		ProtoID:     orDefault(asset.Proto.String(), "N/A"),
		CardName:    orDefault(asset.Name.String(), "Unknown"),
		Quality:     orDefault(asset.Quality.String(), "N/A"),
		Owner:       strings.ToLower(asset.User.String()),
		AllListings: []model.ListingInfo{},
	}

	for _, entry := range activity.Result {
		if !entry.IsActiveSell() {
			continue
		}
		listing := model.ListingInfo{
			OrderID: entry.OrderID.String(),
			PriceUSD: l.normalizer.ToUSD(currency.Amount{
				Quantity: entry.CurrencyQuantity.String(),
				Currency: entry.CurrencyAddress.String(),
				USDPrice: entry.USDPrice.Ptr(),
			}, snap),
			CurrencyAddress:  entry.CurrencyAddress.String(),
			CurrencyQuantity: entry.CurrencyQuantity.String(),
			CurrencySymbol:   l.normalizer.Symbol(entry.CurrencyAddress.String()),
			Seller:           strings.ToLower(entry.User.String()),
			CreatedAt:        entry.Timestamp.String(),
			Expiration:       entry.Expiration.String(),
		}
		info.AllListings = append(info.AllListings, listing)
	}

	// Unpriced listings sort last
	sort.SliceStable(info.AllListings, func(i, j int) bool {
		a, b := info.AllListings[i].PriceUSD, info.AllListings[j].PriceUSD
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a < *b
	})

	for i := range info.AllListings {
		listing := info.AllListings[i]
		if owner != "" && listing.Seller == owner && info.OwnerListing == nil {
			info.OwnerListing = &listing
			info.CurrentlyListed = true
		}
		if listing.Seller != owner && info.LowestListing == nil {
			info.LowestListing = &listing
		}
	}
	if info.LowestListing == nil && len(info.AllListings) > 0 {
		first := info.AllListings[0]
		info.LowestListing = &first
	}

	return info, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
