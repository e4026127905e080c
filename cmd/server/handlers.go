package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/card-valuation-ea/internal/aggregate"
	"github.com/yourorg/card-valuation-ea/internal/circuitbreaker"
	"github.com/yourorg/card-valuation-ea/internal/fetch"
	"github.com/yourorg/card-valuation-ea/internal/store"
)

// userHeader scopes saved snapshots to a caller
const userHeader = "X-User-ID"

// zeroAddress is the owner used when a card detail request names no wallet
const zeroAddress = "0x0000000000000000000000000000000000000000"

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.config.EnableMetrics {
		s.errorResponse(w, http.StatusServiceUnavailable, "Metrics disabled")
		return
	}
	promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	breakers := make([]circuitbreaker.Status, 0, len(s.deps.Breakers))
	for _, b := range s.deps.Breakers {
		breakers = append(breakers, b.Status())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "operational",
		"uptime":   time.Since(startTime).String(),
		"version":  version,
		"breakers": breakers,
		"configuration": map[string]interface{}{
			"market_api":      s.config.MarketAPIURL,
			"proxies":         s.deps.Proxies,
			"max_workers":     s.config.MaxWorkers,
			"max_retries":     s.config.MaxRetries,
			"price_cache_ttl": s.config.PriceCacheTTL.String(),
			"signing":         s.deps.Signer != nil,
		},
	})
}

// handleCollection values every card in a wallet
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	portfolio, err := s.deps.Valuator.ValuateWallet(r.Context(), wallet)
	if err != nil {
		s.failure(w, err, "Error valuating collection")
		return
	}

	resp, err := toEnvelope(portfolio)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if userID := r.Header.Get(userHeader); userID != "" {
		saveErr := s.deps.Store.Save(r.Context(), store.FromPortfolio(userID, portfolio))
		if saveErr != nil {
			logrus.WithFields(logrus.Fields{"wallet": wallet, "user": userID}).WithError(saveErr).Warn("Failed to save valuation snapshot")
		}
		resp["snapshot_saved"] = saveErr == nil
	}

	s.success(w, resp)
}

// handleCard reports listings, offers and sales for one proto
func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	proto := mux.Vars(r)["proto"]
	if strings.TrimSpace(proto) == "" {
		s.errorResponse(w, http.StatusBadRequest, "Invalid proto id")
		return
	}

	owner := zeroAddress
	if q := r.URL.Query().Get("wallet"); q != "" {
		var ok bool
		if owner, ok = s.walletParam(w, q); !ok {
			return
		}
	}

	snap := s.deps.Prices.Prices(r.Context(), s.deps.CoinIDs...)
	detail, err := s.deps.Details.Detail(r.Context(), proto, owner, snap)
	if err != nil {
		s.failure(w, err, "Error loading card")
		return
	}
	s.respond(w, detail)
}

// handlePrices returns the current USD rate snapshot
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Prices.Prices(r.Context(), s.deps.CoinIDs...)
	s.success(w, map[string]interface{}{
		"prices":      snap.Rates,
		"captured_at": snap.CapturedAt,
	})
}

// handleSales rebuilds a wallet's sales history from its notifications
func (s *Server) handleSales(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	report, err := s.deps.Sales.Report(r.Context(), wallet)
	if err != nil {
		s.failure(w, err, "Error loading sales history")
		return
	}
	s.respond(w, report)
}

// marketDataRequest is the body of a bulk market lookup
type marketDataRequest struct {
	TokenIDs      []fetch.FlexString `json:"token_ids"`
	WalletAddress string             `json:"wallet_address"`
}

// handleMarketData reports the market state of selected tokens
func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	var req marketDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ids := make([]string, 0, len(req.TokenIDs))
	for _, id := range req.TokenIDs {
		if v := strings.TrimSpace(id.String()); v != "" {
			ids = append(ids, v)
		}
	}
	if len(ids) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "No token IDs provided")
		return
	}
	if req.WalletAddress == "" {
		s.errorResponse(w, http.StatusBadRequest, "Wallet address required")
		return
	}
	wallet, ok := s.walletParam(w, req.WalletAddress)
	if !ok {
		return
	}

	snap := s.deps.Prices.Prices(r.Context(), s.deps.CoinIDs...)
	cards := s.deps.Tokens.Lookup(r.Context(), ids, wallet, snap)

	s.success(w, map[string]interface{}{
		"cards":          cards,
		"total_selected": len(ids),
		"data_retrieved": len(cards),
	})
}

// handleSnapshot returns the last saved valuation summary of a wallet
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, userHeader+" header required")
		return
	}
	wallet, ok := s.walletParam(w, mux.Vars(r)["wallet"])
	if !ok {
		return
	}

	snap, err := s.deps.Store.Get(r.Context(), userID, wallet)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Snapshot not found")
		return
	}
	if err != nil {
		s.failure(w, err, "Error loading snapshot")
		return
	}
	s.respond(w, snap)
}

// walletParam validates a wallet address, writing a 400 when it is malformed
func (s *Server) walletParam(w http.ResponseWriter, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		s.errorResponse(w, http.StatusBadRequest, "Invalid wallet address")
		return "", false
	}
	return raw, true
}

// failure maps pipeline errors onto status codes
func (s *Server) failure(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, aggregate.ErrCollectionUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	logrus.WithError(err).Warn(msg)
	s.errorResponse(w, status, msg+": "+err.Error())
}
