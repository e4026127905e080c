package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/card-valuation-ea/internal/aggregate"
	"github.com/yourorg/card-valuation-ea/internal/circuitbreaker"
	"github.com/yourorg/card-valuation-ea/internal/config"
	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/security"
	"github.com/yourorg/card-valuation-ea/internal/store"
)

const testWallet = "0x1111111111111111111111111111111111111111"

type fakeValuator struct {
	portfolio model.Portfolio
	err       error
	owners    []string
}

func (f *fakeValuator) ValuateWallet(ctx context.Context, owner string) (model.Portfolio, error) {
	f.owners = append(f.owners, owner)
	if f.err != nil {
		return model.Portfolio{}, f.err
	}
	p := f.portfolio
	p.Wallet = owner
	return p, nil
}

type fakeDetails struct {
	owner string
}

func (f *fakeDetails) Detail(ctx context.Context, proto, owner string, snap oracle.Snapshot) (model.CardDetail, error) {
	f.owner = owner
	return model.CardDetail{
		Proto:       proto,
		MarketData:  model.MarketData{LowestPrice: model.Float(5), Listings: []model.MarketQuote{}},
		SaleHistory: model.SaleHistory{LastSold: model.Float(4)},
	}, nil
}

type fakePrices struct{}

func (fakePrices) Prices(ctx context.Context, coinIDs ...string) oracle.Snapshot {
	return oracle.Snapshot{Rates: map[string]float64{"ethereum": 2000}, CapturedAt: time.Unix(1_700_000_000, 0).UTC()}
}

type fakeSales struct{ err error }

func (f fakeSales) Report(ctx context.Context, owner string) (model.SalesReport, error) {
	if f.err != nil {
		return model.SalesReport{}, f.err
	}
	return model.SalesReport{Wallet: owner, Summary: model.SalesSummary{TotalSales: 2, ETHPrice: 2000}}, nil
}

type fakeTokens struct{ got []string }

func (f *fakeTokens) Lookup(ctx context.Context, tokenIDs []string, owner string, snap oracle.Snapshot) []model.CardMarketInfo {
	f.got = tokenIDs
	return []model.CardMarketInfo{{TokenID: tokenIDs[0], Owner: owner}}
}

type testEnv struct {
	server    *Server
	valuator  *fakeValuator
	details   *fakeDetails
	tokens    *fakeTokens
	snapshots *store.Memory
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *Dependencies)) *testEnv {
	t.Helper()
	env := &testEnv{
		valuator: &fakeValuator{portfolio: model.Portfolio{
			Cards:   []model.EnrichedCard{},
			Summary: model.PortfolioSummary{TotalCards: 3, UniqueCards: 2, TotalRealValue: 7.5},
		}},
		details:   &fakeDetails{},
		tokens:    &fakeTokens{},
		snapshots: store.NewMemory(),
	}
	cfg := config.Config{Port: "0", EnableMetrics: true}
	deps := Dependencies{
		Valuator: env.valuator,
		Details:  env.details,
		Prices:   fakePrices{},
		CoinIDs:  []string{"ethereum"},
		Sales:    fakeSales{},
		Tokens:   env.tokens,
		Store:    env.snapshots,
		Breakers: []*circuitbreaker.CircuitBreaker{circuitbreaker.New("oracle", circuitbreaker.Options{})},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	env.server = NewServer(cfg, deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/api/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/status", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operational", out["status"])
	breakers := out["breakers"].([]interface{})
	require.Len(t, breakers, 1)
	assert.Equal(t, "closed", breakers[0].(map[string]interface{})["state"])
}

func TestHandleCollection(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/api/collection/"+testWallet, nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, testWallet, out["wallet"])
	summary := out["summary"].(map[string]interface{})
	assert.Equal(t, 3.0, summary["total_cards"])
	assert.NotContains(t, out, "snapshot_saved")
	assert.NotContains(t, out, "integrity")
}

func TestHandleCollection_InvalidWallet(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/api/collection/not-a-wallet", nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Invalid wallet address", out["error"])
	assert.Empty(t, env.valuator.owners)
}

func TestHandleCollection_Failures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"collection unavailable", fmt.Errorf("owned tokens: %w", aggregate.ErrCollectionUnavailable), http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.valuator.err = tt.err

			rec, out := env.do(t, http.MethodGet, "/api/collection/"+testWallet, nil, nil)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.Contains(t, out["error"], "Error valuating collection")
		})
	}
}

func TestSnapshots_SavedAndLoadedPerUser(t *testing.T) {
	env := newTestEnv(t, nil)
	headers := map[string]string{userHeader: "user-7"}

	rec, out := env.do(t, http.MethodGet, "/api/snapshots/"+testWallet, nil, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, out["success"])

	rec, out = env.do(t, http.MethodGet, "/api/collection/"+testWallet, nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["snapshot_saved"])

	rec, out = env.do(t, http.MethodGet, "/api/snapshots/"+testWallet, nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", out["user_id"])
	assert.Equal(t, 7.5, out["summary"].(map[string]interface{})["total_real_value"])

	rec, _ = env.do(t, http.MethodGet, "/api/snapshots/"+testWallet, nil, map[string]string{userHeader: "user-8"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = env.do(t, http.MethodGet, "/api/snapshots/"+testWallet, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], userHeader)
}

func TestHandleCard(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, out := env.do(t, http.MethodGet, "/api/card/1234", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1234", out["proto"])
	assert.Equal(t, 5.0, out["lowest_price"])
	assert.Equal(t, 4.0, out["last_sold"])
	assert.Equal(t, zeroAddress, env.details.owner)

	rec, _ = env.do(t, http.MethodGet, "/api/card/1234?wallet="+testWallet, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testWallet, env.details.owner)

	uuid := "0197e72d-4c8b-afc7-59c5-cb42f5928796"
	rec, out = env.do(t, http.MethodGet, "/api/card/"+uuid, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uuid, out["proto"])

	rec, _ = env.do(t, http.MethodGet, "/api/card/%20", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/card/1234?wallet=0x12", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePrices(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/api/prices", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"ethereum": 2000.0}, out["prices"])
}

func TestHandleSales(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/api/sales/"+testWallet, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testWallet, out["wallet"])
	assert.Equal(t, 2.0, out["summary"].(map[string]interface{})["total_sales"])

	failing := newTestEnv(t, func(_ *config.Config, d *Dependencies) {
		d.Sales = fakeSales{err: fmt.Errorf("feed down")}
	})
	rec, out = failing.do(t, http.MethodGet, "/api/sales/"+testWallet, nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestHandleMarketData(t *testing.T) {
	env := newTestEnv(t, nil)
	body := []byte(`{"token_ids":[101,"102"," "],"wallet_address":"` + testWallet + `"}`)

	rec, out := env.do(t, http.MethodPost, "/api/market-data", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"101", "102"}, env.tokens.got)
	assert.Equal(t, 2.0, out["total_selected"])
	assert.Equal(t, 1.0, out["data_retrieved"])
	assert.Len(t, out["cards"], 1)
}

func TestHandleMarketData_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed body", `{`, "Invalid request body"},
		{"no ids", `{"token_ids":[],"wallet_address":"` + testWallet + `"}`, "No token IDs provided"},
		{"no wallet", `{"token_ids":["1"]}`, "Wallet address required"},
		{"bad wallet", `{"token_ids":["1"],"wallet_address":"0xzz"}`, "Invalid wallet address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec, out := env.do(t, http.MethodPost, "/api/market-data", []byte(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, out["error"])
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, out := env.do(t, http.MethodGet, "/api/market-data", nil, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Dependencies) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		rec, _ := env.do(t, http.MethodGet, "/api/prices", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, out := env.do(t, http.MethodGet, "/api/prices", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, out["success"])

	rec, _ = env.do(t, http.MethodGet, "/api/prices", nil, map[string]string{userHeader: "someone-else"})
	assert.Equal(t, http.StatusOK, rec.Code, "limits are tracked per client")

	rec, _ = env.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not throttled")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/prices", nil, nil)

	rec, _ := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `api_requests_total{route="/api/prices",status="200"} 1`)
}

func TestSignedResponses(t *testing.T) {
	signer, err := security.NewSigner("")
	require.NoError(t, err)
	env := newTestEnv(t, func(_ *config.Config, d *Dependencies) {
		d.Signer = signer
	})

	rec, out := env.do(t, http.MethodGet, "/api/collection/"+testWallet, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, out, "integrity")

	raw, err := json.Marshal(out["integrity"])
	require.NoError(t, err)
	var integrity security.Integrity
	require.NoError(t, json.Unmarshal(raw, &integrity))
	assert.Equal(t, signer.Address(), integrity.Signer)

	delete(out, "integrity")
	assert.NoError(t, security.Verify(out, integrity))
}
