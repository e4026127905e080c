package fetch

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

// NotificationPageSize is the number of records requested per notification page
const NotificationPageSize = 100

// Marketplace wraps the upstream marketplace endpoints for one token contract
type Marketplace struct {
	baseURL      string
	tokenAddress string
	client       *Client
	feedClient   *Client
}

// NewMarketplace creates a marketplace client. feedClient serves the slower
// notification feed and falls back to client when nil.
func NewMarketplace(baseURL, tokenAddress string, client, feedClient *Client) *Marketplace {
	if feedClient == nil {
		feedClient = client
	}
	return &Marketplace{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokenAddress: tokenAddress,
		client:       client,
		feedClient:   feedClient,
	}
}

// TokenAddress returns the card contract address
func (m *Marketplace) TokenAddress() string {
	return m.tokenAddress
}

// OwnedTokens returns the wallet's cards grouped by proto
func (m *Marketplace) OwnedTokens(ctx context.Context, owner string) ([]OwnedTokenRecord, Result, error) {
	return GetJSON[[]OwnedTokenRecord](ctx, m.client, Request{
		Name: "tokens",
		URL:  m.baseURL + "/tokens",
		Params: url.Values{
			"owner":        {owner},
			"tokenAddress": {m.tokenAddress},
		},
	})
}

// CheapestQuotes returns current listings and offers on a proto
func (m *Marketplace) CheapestQuotes(ctx context.Context, proto, owner string) ([]QuoteRecord, Result, error) {
	return GetJSON[[]QuoteRecord](ctx, m.client, Request{
		Name: "cheapest",
		URL:  m.baseURL + "/cached/cheapest",
		Params: url.Values{
			"tokenAddress":    {m.tokenAddress},
			"protos":          {proto},
			"userAddress":     {owner},
			"currencyAddress": {"all"},
		},
	})
}

// HistoricalPrices returns recorded trades on a proto
func (m *Marketplace) HistoricalPrices(ctx context.Context, proto string) ([]SaleRecord, Result, error) {
	return GetJSON[[]SaleRecord](ctx, m.client, Request{
		Name: "historical-prices",
		URL:  m.baseURL + "/cached/historical-prices",
		Params: url.Values{
			"tokenAddress": {m.tokenAddress},
			"tokenProto":   {proto},
		},
	})
}

// Notifications returns one page of the wallet's notification feed. An empty
// before requests the newest page.
func (m *Marketplace) Notifications(ctx context.Context, owner, before string) ([]NotificationEntry, Result, error) {
	params := url.Values{
		"user":  {owner},
		"limit": {strconv.Itoa(NotificationPageSize)},
	}
	if before != "" {
		params.Set("before", before)
	}
	return GetJSON[[]NotificationEntry](ctx, m.feedClient, Request{
		Name:   "user-notifications",
		URL:    m.baseURL + "/user-notifications",
		Params: params,
	})
}

// Asset returns the asset document for one token
func (m *Marketplace) Asset(ctx context.Context, tokenID string) (AssetRecord, Result, error) {
	return GetJSON[AssetRecord](ctx, m.feedClient, Request{
		Name: "asset",
		URL:  m.baseURL + "/v1/assets/" + url.PathEscape(m.tokenAddress) + "/" + url.PathEscape(tokenID),
	})
}

// TokenActivity returns the order activity feed for one token
func (m *Marketplace) TokenActivity(ctx context.Context, tokenID string) (ActivityRecord, Result, error) {
	return GetJSON[ActivityRecord](ctx, m.feedClient, Request{
		Name: "activity",
		URL:  m.baseURL + "/v2/nft/activity/" + url.PathEscape(m.tokenAddress) + "/" + url.PathEscape(tokenID),
	})
}
