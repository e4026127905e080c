// Package model defines the core data structures for the card valuation service.
// Every value here is transient: built per request and never mutated afterwards.
package model

import (
	"encoding/json"
	"math"
	"time"
)

// OwnedCard is one proto in a wallet's collection as reported by the marketplace
type OwnedCard struct {
	Proto    string          `json:"proto"`
	TokenIDs []string        `json:"ids"`
	Count    int             `json:"count"`
	PCount   *int            `json:"pCount,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// MarketQuote is one listing (ask) or offer (bid) on a proto
type MarketQuote struct {
	MakerAddress     string   `json:"makerAddress"`
	USDPrice         *float64 `json:"usd_price"`
	CurrencyAddress  string   `json:"currency_address"`
	CurrencyQuantity string   `json:"currency_quantity"`
	CurrencySymbol   string   `json:"currency_symbol"`
	TokenID          string   `json:"token_id"`
	OrderHash        string   `json:"-"`
}

// Price returns the USD price or zero when the quote is unpriced
func (q MarketQuote) Price() float64 {
	if q.USDPrice == nil {
		return 0
	}
	return *q.USDPrice
}

// HistoricalSale is a past trade on a proto
type HistoricalSale struct {
	USDPrice  float64 `json:"usd_price"`
	UpdatedAt string  `json:"updated_at"`
	IsBuy     int     `json:"isBuy"`
	Outlier   bool    `json:"outlier,omitempty"`
}

// ListingStatus describes where the owner's cheapest ask sits in the market
type ListingStatus string

const (
	ListingLowest   ListingStatus = "lowest"
	ListingUndercut ListingStatus = "undercut"
)

// MarketData is the priced view of a proto's current listings and offers
type MarketData struct {
	Listings                    []MarketQuote     `json:"listings"`
	Offers                      []MarketQuote     `json:"offers"`
	LowestPrice                 *float64          `json:"lowest_price"`
	LowestPriceETH              *float64          `json:"lowest_price_eth"`
	LowestListingCurrency       *string           `json:"lowest_listing_currency"`
	LowestListingCurrencySymbol *string           `json:"lowest_listing_currency_symbol"`
	HighestBid                  *float64          `json:"highest_bid"`
	OwnerListedTokenIDs         []string          `json:"user_listed_token_ids"`
	OrderIdentifier             map[string]string `json:"order_identifier"`
	RawCount                    int               `json:"raw_count"`
	Degraded                    bool              `json:"-"`
}

// SaleHistory is the priced view of a proto's recent trades, most recent first
type SaleHistory struct {
	Historical   []HistoricalSale `json:"historical"`
	LastSold     *float64         `json:"last_sold"`
	LastSoldDate *string          `json:"last_sold_date"`
	Degraded     bool             `json:"-"`
}

// EnrichedCard aggregates pricing for one owned proto
type EnrichedCard struct {
	Proto               string            `json:"proto"`
	TokenIDs            []string          `json:"ids"`
	Count               int               `json:"count"`
	ListedCount         int               `json:"listed_count"`
	UnlistedCount       int               `json:"unlisted_count"`
	PCount              *int              `json:"pCount"`
	Metadata            json.RawMessage   `json:"metadata"`
	Listings            []MarketQuote     `json:"listings"`
	Offers              []MarketQuote     `json:"offers"`
	LowestPrice         *float64          `json:"lowest_price"`
	LowestPriceETH      *float64          `json:"lowest_price_eth"`
	HighestBid          *float64          `json:"highest_bid"`
	BidSpreadPct        *float64          `json:"bid_spread_pct"`
	ListingStatus       *ListingStatus    `json:"listing_status"`
	OwnerListingPrice   *float64          `json:"user_listing_price"`
	OwnerListedTokenIDs []string          `json:"user_listed_token_ids"`
	OrderIdentifier     map[string]string `json:"order_identifier"`
	UnlistedTokenIDs    []string          `json:"unlisted_token_ids"`
	Historical          []HistoricalSale  `json:"historical"`
	LastSold            *float64          `json:"last_sold"`
	LastSoldDate        *string           `json:"last_sold_date"`
	RealValue           float64           `json:"real_value"`
	TotalListingValue   *float64          `json:"total_listing_value"`
	TotalBidValue       *float64          `json:"total_bid_value"`
	TotalLastSoldValue  *float64          `json:"total_last_sold_value"`
	TotalRealValue      *float64          `json:"total_real_value"`
	Degraded            []string          `json:"degraded,omitempty"`
}

// CardDetail is the market and sale view of a single proto
type CardDetail struct {
	Proto string `json:"proto"`
	MarketData
	SaleHistory
	Degraded []string `json:"degraded,omitempty"`
}

// PortfolioSummary holds wallet-level totals over all enriched cards
type PortfolioSummary struct {
	TotalCards         int      `json:"total_cards"`
	UniqueCards        int      `json:"unique_cards"`
	TotalListingValue  float64  `json:"total_listing_value"`
	TotalBidValue      float64  `json:"total_bid_value"`
	TotalLastSoldValue float64  `json:"total_last_sold_value"`
	TotalRealValue     float64  `json:"total_real_value"`
	LowestCount        int      `json:"lowest_count"`
	UndercutCount      int      `json:"undercut_count"`
	AvgBidSpreadPct    *float64 `json:"avg_bid_spread_pct"`
	WithListings       int      `json:"with_listings"`
	WithHistorical     int      `json:"with_historical"`
	WithBids           int      `json:"with_bids"`
	FailedCards        int      `json:"failed_cards"`
}

// Portfolio is the full valuation of one wallet, cards ranked by total real value
type Portfolio struct {
	Wallet     string           `json:"wallet"`
	Cards      []EnrichedCard   `json:"cards"`
	Summary    PortfolioSummary `json:"summary"`
	Degraded   bool             `json:"degraded,omitempty"`
	ValuatedAt time.Time        `json:"valuated_at"`
}

// NotificationRecord is one entry of a wallet's notification feed
type NotificationRecord struct {
	TokenID         string `json:"token_id"`
	Type            string `json:"type"`
	Proto           string `json:"token_proto"`
	Price           string `json:"price"`
	CurrencyAddress string `json:"currency_address"`
	Name            string `json:"card_name"`
	Img             string `json:"card_img"`
	UpdatedAt       string `json:"updated_at"`
}

// Sale is a completed sale from the notification feed
type Sale struct {
	TokenID         string  `json:"token_id"`
	Proto           string  `json:"proto"`
	PriceETH        float64 `json:"price_eth"`
	PriceUSD        float64 `json:"price_usd"`
	CurrencyAddress string  `json:"currency_address"`
	CardName        string  `json:"card_name"`
	CardImg         string  `json:"card_img"`
	SoldAt          string  `json:"sold_at"`
}

// SalesSummary holds totals over a wallet's sales history
type SalesSummary struct {
	TotalSales      int     `json:"total_sales"`
	UniqueCardsSold int     `json:"unique_cards_sold"`
	TotalValueETH   float64 `json:"total_value_eth"`
	TotalValueUSD   float64 `json:"total_value_usd"`
	ETHPrice        float64 `json:"eth_price"`
}

// SalesReport is a wallet's reconstructed sales history
type SalesReport struct {
	Wallet       string            `json:"wallet"`
	Summary      SalesSummary      `json:"summary"`
	SalesByProto map[string][]Sale `json:"sales_by_proto"`
	TopSales     []Sale            `json:"top_sales"`
	AllSales     []Sale            `json:"all_sales"`
}

// ListingInfo is an active sell order on a single token
type ListingInfo struct {
	OrderID          string   `json:"order_id"`
	PriceUSD         *float64 `json:"price_usd"`
	CurrencyAddress  string   `json:"currency_address"`
	CurrencyQuantity string   `json:"currency_quantity"`
	CurrencySymbol   string   `json:"currency_symbol"`
	Seller           string   `json:"seller"`
	CreatedAt        string   `json:"created_at"`
	Expiration       string   `json:"expiration"`
}

// CardMarketInfo is the market state of one specific token
type CardMarketInfo struct {
	TokenID         string        `json:"token_id"`
	ProtoID         string        `json:"proto_id"`
	CardName        string        `json:"card_name"`
	Quality         string        `json:"quality"`
	Owner           string        `json:"owner"`
	CurrentlyListed bool          `json:"currently_listed"`
	OwnerListing    *ListingInfo  `json:"user_listing"`
	LowestListing   *ListingInfo  `json:"lowest_listing"`
	AllListings     []ListingInfo `json:"all_listings"`
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
