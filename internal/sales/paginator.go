// Package sales reconstructs a wallet's sales history from its notification feed.
package sales

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/card-valuation-ea/internal/fetch"
	"github.com/yourorg/card-valuation-ea/internal/model"
	"github.com/yourorg/card-valuation-ea/internal/otel"
)

// DefaultMaxPages bounds pagination when the cursor stops advancing
const DefaultMaxPages = 500

// NotificationSource serves one page of a wallet's notification feed
type NotificationSource interface {
	Notifications(ctx context.Context, owner, before string) ([]fetch.NotificationEntry, fetch.Result, error)
}

// Paginator walks the notification feed backwards in time
type Paginator struct {
	source   NotificationSource
	maxPages int
	tracer   trace.Tracer
}

// NewPaginator creates a paginator reading at most maxPages pages
func NewPaginator(source NotificationSource, maxPages int) *Paginator {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Paginator{source: source, maxPages: maxPages, tracer: otel.Tracer()}
}

// FetchAllSales returns every notification of the wallet, deduplicated by token id,
// newest page first. Each next page is requested with before set to the
// oldest updated_at of the previous one. Pagination stops on an empty page, a
// page adding nothing new, a page without timestamps or the page ceiling.
//
// A hard failure on the first page is returned; later failures end the walk
// and return what was collected so far.
func (p *Paginator) FetchAllSales(ctx context.Context, owner string) ([]model.NotificationRecord, error) {
	ctx, span := p.tracer.Start(ctx, "sales.paginate", trace.WithAttributes(attribute.String("wallet", owner)))
	defer span.End()

	log := logrus.WithField("wallet", owner)
	seen := make(map[string]struct{})
	all := make([]model.NotificationRecord, 0)
	before := ""

	for page := 1; page <= p.maxPages; page++ {
		entries, res, err := p.source.Notifications(ctx, owner, before)
		if err != nil {
			if page == 1 || ctx.Err() != nil {
				otel.RecordError(ctx, err)
				return nil, fmt.Errorf("notifications page %d: %w", page, err)
			}
			log.WithField("page", page).WithError(err).Warn("Notification page failed, returning partial history")
			return all, nil
		}
		if res.Degraded() {
			log.WithFields(logrus.Fields{
				"page":   page,
				"status": res.Status.String(),
			}).Warn("Notification page unavailable, returning partial history")
			return all, nil
		}
		if len(entries) == 0 {
			log.WithFields(logrus.Fields{"pages": page - 1, "total": len(all)}).Info("Notification feed exhausted")
			return all, nil
		}

		added := 0
		for _, e := range entries {
			rec := toRecord(e)
			if _, dup := seen[rec.TokenID]; dup {
				continue
			}
			seen[rec.TokenID] = struct{}{}
			all = append(all, rec)
			added++
		}

		log.WithFields(logrus.Fields{
			"page":     page,
			"returned": len(entries),
			"new":      added,
			"total":    len(all),
		}).Debug("Notification page fetched")

		if added == 0 {
			log.WithFields(logrus.Fields{"pages": page, "total": len(all)}).Info("No new notifications, pagination complete")
			return all, nil
		}

		oldest := oldestTimestamp(entries)
		if oldest == "" {
			log.WithField("page", page).Warn("Notification page without timestamp, stopping pagination")
			return all, nil
		}
		before = oldest
	}

	log.WithFields(logrus.Fields{"pages": p.maxPages, "total": len(all)}).Warn("Notification page ceiling reached")
	return all, nil
}

// oldestTimestamp returns the smallest updated_at of the page. An entry
// without one makes the whole page's cursor unusable.
func oldestTimestamp(entries []fetch.NotificationEntry) string {
	oldest := entries[0].UpdatedAt.String()
	for _, e := range entries[1:] {
		if ts := e.UpdatedAt.String(); ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

func toRecord(e fetch.NotificationEntry) model.NotificationRecord {
	rec := model.NotificationRecord{
		TokenID:   e.TokenID.String(),
		Type:      e.Type.String(),
		Proto:     e.Proto.String(),
		UpdatedAt: e.UpdatedAt.String(),
	}
	data, err := e.DecodeData()
	if err != nil {
		logrus.WithField("token_id", rec.TokenID).WithError(err).Debug("Unreadable notification data")
		return rec
	}
	rec.Price = data.Price.String()
	rec.CurrencyAddress = data.CurrencyAddress.String()
	rec.Name = data.Name.String()
	rec.Img = data.Img.String()
	return rec
}
