// Package main is the entry point for the card valuation service: it values
// a wallet's trading-card collection against live marketplace data.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/card-valuation-ea/internal/aggregate"
	"github.com/yourorg/card-valuation-ea/internal/circuitbreaker"
	"github.com/yourorg/card-valuation-ea/internal/config"
	"github.com/yourorg/card-valuation-ea/internal/currency"
	"github.com/yourorg/card-valuation-ea/internal/enrich"
	"github.com/yourorg/card-valuation-ea/internal/fetch"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/otel"
	"github.com/yourorg/card-valuation-ea/internal/proxy"
	"github.com/yourorg/card-valuation-ea/internal/ratelimit"
	"github.com/yourorg/card-valuation-ea/internal/sales"
	"github.com/yourorg/card-valuation-ea/internal/security"
	"github.com/yourorg/card-valuation-ea/internal/store"
)

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	deps, cleanup, err := buildDependencies(cfg)
	if err != nil {
		logrus.Fatalf("Startup failed: %v", err)
	}
	defer cleanup()

	server := NewServer(cfg, deps)
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// buildDependencies wires the valuation pipeline from configuration. The
// returned func releases the snapshot store.
func buildDependencies(cfg config.Config) (Dependencies, func(), error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tokens, err := config.LoadTokenRegistry(cfg.TokenRegistryFile)
	if err != nil {
		return Dependencies{}, nil, err
	}
	normalizer := currency.NewNormalizer(tokens)

	proxies, err := proxy.LoadFile(cfg.ProxyFile)
	if err != nil {
		return Dependencies{}, nil, err
	}
	rotator := proxy.NewRotator(proxies)
	limiter := ratelimit.New(cfg.RequestDelay)

	marketClient := fetch.NewClient(fetch.Options{
		Limiter: limiter,
		Rotator: rotator,
		APIKey:  cfg.MarketAPIKey,
		Origin:  cfg.MarketOrigin,
		Timeout: cfg.MarketTimeout,
		Policy:  fetch.DefaultRetryPolicy().WithMaxAttempts(cfg.MaxRetries),
		Metrics: fetch.NewMetrics(registry),
	})
	market := fetch.NewMarketplace(cfg.MarketAPIURL, cfg.TokenAddress, marketClient, marketClient.WithTimeout(cfg.NotificationTimeout))

	breaker := circuitbreaker.New("oracle", circuitbreaker.Options{
		FailureThreshold: cfg.OracleBreakerThreshold,
		ResetDelay:       cfg.OracleBreakerReset,
	})
	prices := oracle.New(cfg.OracleURL, normalizer.CoinIDs(),
		oracle.WithTTL(cfg.PriceCacheTTL),
		oracle.WithTimeout(cfg.OracleTimeout),
		oracle.WithMetrics(oracle.NewMetrics(registry)),
		oracle.WithBreaker(breaker),
	)

	pipeline := newPipelineMetrics(registry)
	enricher := enrich.New(market, normalizer, enrich.WithDurationObserver(pipeline.enrichDuration))
	aggregator := aggregate.New(market, prices, enricher, cfg.MaxWorkers,
		aggregate.WithFailureCounter(pipeline.cardFailures))

	var snapshots store.Store = store.NewMemory()
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		redisStore, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SnapshotTTL)
		if err != nil {
			return Dependencies{}, nil, err
		}
		snapshots = redisStore
	}

	var signer *security.Signer
	if cfg.SigningEnabled {
		signer, err = security.NewSigner(cfg.SigningKey)
		if err != nil {
			return Dependencies{}, nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"market_api":  cfg.MarketAPIURL,
		"proxies":     rotator.Len(),
		"currencies":  len(tokens),
		"max_workers": cfg.MaxWorkers,
		"max_retries": cfg.MaxRetries,
		"redis":       cfg.RedisAddr != "",
		"signing":     signer != nil,
	}).Info("Valuation pipeline initialized")

	deps := Dependencies{
		Valuator: aggregator,
		Details:  enricher,
		Prices:   prices,
		CoinIDs:  normalizer.CoinIDs(),
		Sales:    sales.NewReporter(sales.NewPaginator(market, cfg.MaxNotificationPages), prices),
		Tokens:   enrich.NewTokenLookup(market, normalizer, cfg.MaxWorkers),
		Store:    snapshots,
		Signer:   signer,
		Breakers: []*circuitbreaker.CircuitBreaker{breaker},
		Registry: registry,
		Proxies:  rotator.Len(),
	}
	cleanup := func() {
		if err := snapshots.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close snapshot store")
		}
	}
	return deps, cleanup, nil
}

// pipelineMetrics are recorded inside the valuation pipeline rather than per request
type pipelineMetrics struct {
	enrichDuration prometheus.Histogram
	cardFailures   prometheus.Counter
}

func newPipelineMetrics(reg prometheus.Registerer) pipelineMetrics {
	m := pipelineMetrics{
		enrichDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "card_enrichment_duration_seconds",
			Help:    "Time to enrich one card proto",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		cardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "card_enrichment_failures_total",
			Help: "Cards dropped from a wallet valuation after a hard failure",
		}),
	}
	reg.MustRegister(m.enrichDuration, m.cardFailures)
	return m
}
