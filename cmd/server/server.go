package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/card-valuation-ea/internal/circuitbreaker"
	"github.com/yourorg/card-valuation-ea/internal/config"
	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/security"
	"github.com/yourorg/card-valuation-ea/internal/store"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// WalletValuator values a whole wallet
type WalletValuator interface {
	ValuateWallet(ctx context.Context, owner string) (model.Portfolio, error)
}

// CardDetailer reports the market view of one proto
type CardDetailer interface {
	Detail(ctx context.Context, proto, owner string, snap oracle.Snapshot) (model.CardDetail, error)
}

// PriceSource provides USD rates
type PriceSource interface {
	Prices(ctx context.Context, coinIDs ...string) oracle.Snapshot
}

// SalesReporter rebuilds a wallet's sales history
type SalesReporter interface {
	Report(ctx context.Context, owner string) (model.SalesReport, error)
}

// TokenMarket looks up individual tokens
type TokenMarket interface {
	Lookup(ctx context.Context, tokenIDs []string, owner string, snap oracle.Snapshot) []model.CardMarketInfo
}

// Dependencies are the collaborators behind the HTTP API
type Dependencies struct {
	Valuator WalletValuator
	Details  CardDetailer
	Prices   PriceSource
	CoinIDs  []string
	Sales    SalesReporter
	Tokens   TokenMarket
	Store    store.Store

	// Optional; nil disables response signing
	Signer *security.Signer

	// Reported on /status
	Breakers []*circuitbreaker.CircuitBreaker
	Proxies  int

	// Collectors exposed on /metrics; nil uses a fresh registry
	Registry *prometheus.Registry
}

// Server represents the HTTP API instance
type Server struct {
	config  config.Config
	deps    Dependencies
	router  *mux.Router
	server  *http.Server
	metrics *serverMetrics
	limiter *clientLimiter
}

// serverMetrics holds Prometheus metrics for inbound requests
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"route"},
		),
	}
	reg.MustRegister(m.requestCounter, m.requestDuration)
	return m
}

// NewServer creates the API server and its routes
func NewServer(cfg config.Config, deps Dependencies) *Server {
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		limiter: newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cfg.EnableMetrics {
		s.metrics = registerMetrics(deps.Registry)
	}
	s.router = s.routes()

	logrus.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"rate_limit": cfg.RateLimitRPS,
		"metrics":    cfg.EnableMetrics,
		"signing":    deps.Signer != nil,
	}).Info("Server initialized")
	return s
}

// routes registers the API endpoints
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.middleware)
	api.HandleFunc("/collection/{wallet}", s.handleCollection).Methods(http.MethodGet)
	api.HandleFunc("/card/{proto}", s.handleCard).Methods(http.MethodGet)
	api.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)
	api.HandleFunc("/sales/{wallet}", s.handleSales).Methods(http.MethodGet)
	api.HandleFunc("/market-data", s.handleMarketData).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/{wallet}", s.handleSnapshot).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
		return
	}

	logrus.Info("Server stopped")
}
