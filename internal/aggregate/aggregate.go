// Package aggregate values a whole wallet by fanning the card enricher out
// over its collection.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/card-valuation-ea/internal/fetch"
	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/oracle"
	"github.com/yourorg/card-valuation-ea/internal/otel"
)

// ErrCollectionUnavailable means the wallet's owned-token list could not be fetched
var ErrCollectionUnavailable = errors.New("collection unavailable")

// DefaultMaxWorkers caps concurrent card enrichments
const DefaultMaxWorkers = 50

// progressEvery is how often (in finished cards) progress is logged
const progressEvery = 10

// CollectionSource lists the cards a wallet owns
type CollectionSource interface {
	OwnedTokens(ctx context.Context, owner string) ([]fetch.OwnedTokenRecord, fetch.Result, error)
}

// PriceSource provides the rate snapshot shared by one valuation pass
type PriceSource interface {
	Prices(ctx context.Context, coinIDs ...string) oracle.Snapshot
}

// CardEnricher values one card
type CardEnricher interface {
	Enrich(ctx context.Context, card model.OwnedCard, owner string, snap oracle.Snapshot) (model.EnrichedCard, error)
}

// Aggregator values wallets
type Aggregator struct {
	collection CollectionSource
	prices     PriceSource
	enricher   CardEnricher
	maxWorkers int
	now        func() time.Time
	tracer     trace.Tracer
	failures   prometheus.Counter
}

// Option customizes an Aggregator
type Option func(*Aggregator)

// WithClock replaces the time source used for ValuatedAt
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithFailureCounter counts cards dropped from a valuation
func WithFailureCounter(c prometheus.Counter) Option {
	return func(a *Aggregator) { a.failures = c }
}

// New creates an aggregator running at most maxWorkers enrichments at once
func New(collection CollectionSource, prices PriceSource, enricher CardEnricher, maxWorkers int, opts ...Option) *Aggregator {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	a := &Aggregator{
		collection: collection,
		prices:     prices,
		enricher:   enricher,
		maxWorkers: maxWorkers,
		now:        time.Now,
		tracer:     otel.Tracer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ValuateWallet bewertet alle Karten einer Wallet gegen einen einzigen Preis-Snapshot.
// Fehlgeschlagene Karten werden protokolliert und ausgelassen. Nur ein
// Fehler beim Laden der Sammlung selbst bricht ab.
func (a *Aggregator) ValuateWallet(ctx context.Context, owner string) (model.Portfolio, error) {
	ctx, span := a.tracer.Start(ctx, "aggregate.wallet", trace.WithAttributes(attribute.String("wallet", owner)))
	defer span.End()

	start := time.Now()
	log := logrus.WithField("wallet", owner)

	records, res, err := a.collection.OwnedTokens(ctx, owner)
	if err != nil {
		otel.RecordError(ctx, err)
		return model.Portfolio{}, fmt.Errorf("%w: %w", ErrCollectionUnavailable, err)
	}
	if res.Status == fetch.StatusExhausted {
		otel.RecordError(ctx, res.Err())
		return model.Portfolio{}, fmt.Errorf("%w: %w", ErrCollectionUnavailable, res.Err())
	}

	portfolio := model.Portfolio{
		Wallet:     owner,
		Cards:      []model.EnrichedCard{},
		Degraded:   res.Degraded(),
		ValuatedAt: a.now(),
	}
	if res.Degraded() {
		log.WithField("status", res.Status.String()).Warn("Collection fetch blocked, returning empty valuation")
	}

	cards := OwnedCards(records)
	log.WithFields(logrus.Fields{
		"cards":    len(cards),
		"duration": time.Since(start).String(),
	}).Info("Collection fetched")
	if len(cards) == 0 {
		portfolio.Summary = Summarize(nil, 0)
		return portfolio, nil
	}

	snap := a.prices.Prices(ctx)

	var (
		mu       sync.Mutex
		enriched = make([]model.EnrichedCard, 0, len(cards))
		progress = newProgress(len(cards))
	)

	var g errgroup.Group
	g.SetLimit(a.maxWorkers)
	for _, card := range cards {
		g.Go(func() error {
			result, err := a.enricher.Enrich(ctx, card, owner, snap)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				progress.failed++
				if a.failures != nil {
					a.failures.Inc()
				}
				log.WithField("proto", card.Proto).WithError(err).Warn("Card enrichment failed")
			} else {
				enriched = append(enriched, result)
			}
			progress.record(result, err == nil, log)
			return nil
		})
	}
	_ = g.Wait()

	SortByRealValue(enriched)
	portfolio.Cards = enriched
	portfolio.Summary = Summarize(enriched, progress.failed)

	log.WithFields(logrus.Fields{
		"unique_cards":     portfolio.Summary.UniqueCards,
		"failed_cards":     progress.failed,
		"total_real_value": portfolio.Summary.TotalRealValue,
		"duration":         time.Since(start).String(),
	}).Info("Wallet valuated")
	return portfolio, nil
}

// progress tracks finished cards for periodic logging. Guarded by the caller's mutex.
type progress struct {
	total, processed, failed               int
	withListings, withHistorical, withBids int
}

func newProgress(total int) *progress {
	return &progress{total: total}
}

func (p *progress) record(card model.EnrichedCard, ok bool, log *logrus.Entry) {
	p.processed++
	if ok {
		if card.LowestPrice != nil {
			p.withListings++
		}
		if card.LastSold != nil {
			p.withHistorical++
		}
		if card.HighestBid != nil {
			p.withBids++
		}
	}
	if p.processed%progressEvery == 0 || p.processed == p.total {
		log.WithFields(logrus.Fields{
			"processed":       p.processed,
			"total":           p.total,
			"with_listings":   p.withListings,
			"with_historical": p.withHistorical,
			"with_bids":       p.withBids,
		}).Info("Enrichment progress")
	}
}

// OwnedCards converts owned-token records into cards. Count defaults to 1 and
// metadata, which arrives as a JSON-encoded string, is decoded to an object.
func OwnedCards(records []fetch.OwnedTokenRecord) []model.OwnedCard {
	cards := make([]model.OwnedCard, 0, len(records))
	for _, r := range records {
		ids := make([]string, 0, len(r.IDs))
		for _, id := range r.IDs {
			ids = append(ids, id.String())
		}

		card := model.OwnedCard{
			Proto:    r.Proto.String(),
			TokenIDs: ids,
			Count:    int(r.Count.Or(1)),
			Metadata: decodeMetadata(r.Metadata),
		}
		if r.PCount.Valid {
			pc := int(r.PCount.Value)
			card.PCount = &pc
		}
		cards = append(cards, card)
	}
	return cards
}

func decodeMetadata(raw json.RawMessage) json.RawMessage {
	empty := json.RawMessage("{}")
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return empty
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || !json.Valid([]byte(s)) {
			return empty
		}
		return json.RawMessage(strings.TrimSpace(s))
	}
	if !json.Valid(raw) {
		return empty
	}
	return raw
}

// SortByRealValue ordnet Karten absteigend nach Gesamt-Realwert, bei Gleichstand nach Proto
func SortByRealValue(cards []model.EnrichedCard) {
	sort.SliceStable(cards, func(i, j int) bool {
		vi, vj := value(cards[i].TotalRealValue), value(cards[j].TotalRealValue)
		if vi != vj {
			return vi > vj
		}
		return cards[i].Proto < cards[j].Proto
	})
}

// Summarize computes wallet totals over enriched cards
func Summarize(cards []model.EnrichedCard, failed int) model.PortfolioSummary {
	s := model.PortfolioSummary{
		UniqueCards: len(cards),
		FailedCards: failed,
	}

	var spreadSum float64
	var spreadCount int
	for _, c := range cards {
		s.TotalCards += c.Count
		s.TotalListingValue += value(c.TotalListingValue)
		s.TotalBidValue += value(c.TotalBidValue)
		s.TotalLastSoldValue += value(c.TotalLastSoldValue)
		s.TotalRealValue += value(c.TotalRealValue)

		if c.ListingStatus != nil {
			switch *c.ListingStatus {
			case model.ListingLowest:
				s.LowestCount++
			case model.ListingUndercut:
				s.UndercutCount++
			}
		}
		if c.BidSpreadPct != nil {
			spreadSum += *c.BidSpreadPct
			spreadCount++
		}
		if c.LowestPrice != nil {
			s.WithListings++
		}
		if c.LastSold != nil {
			s.WithHistorical++
		}
		if c.HighestBid != nil {
			s.WithBids++
		}
	}

	s.TotalListingValue = model.Round(s.TotalListingValue, 2)
	s.TotalBidValue = model.Round(s.TotalBidValue, 2)
	s.TotalLastSoldValue = model.Round(s.TotalLastSoldValue, 2)
	s.TotalRealValue = model.Round(s.TotalRealValue, 2)
	if spreadCount > 0 {
		s.AvgBidSpreadPct = model.Float(model.Round(spreadSum/float64(spreadCount), 2))
	}
	return s
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
